package domain

import (
	"time"
)

// PlayerPaymentStatus is the per-player payment state owned by the roster
// collections but mutated by the payment subsystem.
type PlayerPaymentStatus string

const (
	PlayerPaymentUnpaid   PlayerPaymentStatus = "unpaid"
	PlayerPaymentPaid     PlayerPaymentStatus = "paid"
	PlayerPaymentRefunded PlayerPaymentStatus = "refunded"
)

// SeasonEntry attributes a payment to one player's season
type SeasonEntry struct {
	Season        string              `json:"season"`
	Year          int                 `json:"year"`
	TryoutID      string              `json:"tryout_id,omitempty"`
	PaymentStatus PlayerPaymentStatus `json:"payment_status"`
	PaymentID     string              `json:"payment_id"`
	PaymentDate   time.Time           `json:"payment_date"`
}

// Parent is the billing account that owns players
type Parent struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	PaymentComplete bool       `json:"payment_complete"`
	LastPaymentDate *time.Time `json:"last_payment_date,omitempty"`
	PaymentIDs      []string   `json:"payment_ids,omitempty"`
}

// Player carries per-season payment attribution
type Player struct {
	ID              string              `json:"id"`
	ParentID        string              `json:"parent_id"`
	FirstName       string              `json:"first_name"`
	LastName        string              `json:"last_name"`
	PaymentComplete bool                `json:"payment_complete"`
	PaymentStatus   PlayerPaymentStatus `json:"payment_status"`
	Seasons         []SeasonEntry       `json:"seasons,omitempty"`
}

// Registration links a parent's signup for a tryout/season to its payment
type Registration struct {
	ID              string     `json:"id"`
	ParentID        string     `json:"parent_id"`
	PlayerID        string     `json:"player_id"`
	TryoutID        string     `json:"tryout_id,omitempty"`
	Season          string     `json:"season,omitempty"`
	Year            int        `json:"year,omitempty"`
	PaymentStatus   string     `json:"payment_status"`
	PaymentComplete bool       `json:"payment_complete"`
	PaymentID       string     `json:"payment_id,omitempty"`
	PaymentDate     *time.Time `json:"payment_date,omitempty"`
}
