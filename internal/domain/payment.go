package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the closed local status set for a ledger entry.
// Adapters translate processor-specific strings (COMPLETED, PAID,
// succeeded, ...) into this set; raw statuses are never persisted here.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// RefundStatus is the aggregate refund state of a ledger entry, always
// derived from the embedded refund records.
type RefundStatus string

const (
	RefundStatusNone       RefundStatus = "none"
	RefundStatusPartial    RefundStatus = "partial"
	RefundStatusFull       RefundStatus = "full"
	RefundStatusProcessing RefundStatus = "processing"
)

// RefundRecordStatus is the lifecycle state of one refund record.
// pending is the only non-terminal state.
type RefundRecordStatus string

const (
	RefundRecordPending   RefundRecordStatus = "pending"
	RefundRecordCompleted RefundRecordStatus = "completed"
	RefundRecordFailed    RefundRecordStatus = "failed"
	RefundRecordRejected  RefundRecordStatus = "rejected"
)

// RefundSource records where a refund originated
type RefundSource string

const (
	RefundSourceWeb                RefundSource = "web"
	RefundSourceAdminDashboard     RefundSource = "admin_dashboard"
	RefundSourceAPI                RefundSource = "api"
	RefundSourceProcessorDashboard RefundSource = "processor_dashboard"
)

// CardFingerprint identifies the instrument without holding card data
type CardFingerprint struct {
	Brand    string `json:"card_brand"`
	Last4    string `json:"last_4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// RefundRecord is one refund (requested, processed, or imported) embedded
// in its ledger entry.
type RefundRecord struct {
	ID               string             `json:"id"`
	ExternalRefundID string             `json:"external_refund_id,omitempty"`
	Amount           decimal.Decimal    `json:"amount"`
	Reason           string             `json:"reason,omitempty"`
	Notes            string             `json:"notes,omitempty"`
	Status           RefundRecordStatus `json:"status"`
	Source           RefundSource       `json:"source"`
	RequestedBy      string             `json:"requested_by,omitempty"`
	RefundedBy       string             `json:"refunded_by,omitempty"`
	RequestedAt      time.Time          `json:"requested_at"`
	ProcessedAt      *time.Time         `json:"processed_at,omitempty"`
}

// IsTerminal reports whether the record can no longer be processed
func (r *RefundRecord) IsTerminal() bool {
	return r.Status != RefundRecordPending
}

// LedgerEntry is the authoritative local record of a single charge and its
// refunds. Entries are created by the charge orchestrator and mutated only
// by the refund orchestrator and the reconciler; they are never deleted.
type LedgerEntry struct {
	ID                string            `json:"id"`
	ExternalPaymentID string            `json:"external_payment_id"`
	ExternalOrderID   string            `json:"external_order_id,omitempty"`
	Processor         ProcessorKind     `json:"processor"`
	ConfigurationID   string            `json:"configuration_id"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Status            PaymentStatus     `json:"status"`
	Card              CardFingerprint   `json:"card"`
	BuyerEmail        string            `json:"buyer_email"`
	ParentID          string            `json:"parent_id"`
	PlayerIDs         []string          `json:"player_ids,omitempty"`
	TeamIDs           []string          `json:"team_ids,omitempty"`
	RegistrationIDs   []string          `json:"registration_ids,omitempty"`
	Season            string            `json:"season,omitempty"`
	Year              int               `json:"year,omitempty"`
	TryoutID          string            `json:"tryout_id,omitempty"`
	ReceiptURL        string            `json:"receipt_url,omitempty"`
	Refunds           []RefundRecord    `json:"refunds"`
	RefundedAmount    decimal.Decimal   `json:"refunded_amount"`
	RefundStatus      RefundStatus      `json:"refund_status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// RecomputeRefundState rederives RefundedAmount and RefundStatus from the
// embedded refund records. Every mutation of the refunds array must call
// this before persisting so the total and the array cannot diverge.
func (e *LedgerEntry) RecomputeRefundState() {
	completed := decimal.Zero
	pending := decimal.Zero
	for _, r := range e.Refunds {
		switch r.Status {
		case RefundRecordCompleted:
			completed = completed.Add(r.Amount)
		case RefundRecordPending:
			pending = pending.Add(r.Amount)
		}
	}
	e.RefundedAmount = completed

	switch {
	case completed.GreaterThanOrEqual(e.Amount) && e.Amount.IsPositive():
		e.RefundStatus = RefundStatusFull
		e.Status = PaymentStatusRefunded
	case pending.IsPositive() && completed.Add(pending).GreaterThanOrEqual(e.Amount):
		e.RefundStatus = RefundStatusProcessing
	case completed.IsPositive():
		e.RefundStatus = RefundStatusPartial
	case pending.IsPositive():
		e.RefundStatus = RefundStatusPartial
	default:
		e.RefundStatus = RefundStatusNone
	}
}

// Refundable returns the balance still available to refund, counting only
// completed refunds.
func (e *LedgerEntry) Refundable() decimal.Decimal {
	return e.Amount.Sub(e.RefundedAmount)
}

// PendingRefundTotal sums the amounts of refund records still pending
func (e *LedgerEntry) PendingRefundTotal() decimal.Decimal {
	total := decimal.Zero
	for _, r := range e.Refunds {
		if r.Status == RefundRecordPending {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// FindRefund returns the embedded refund record with the given id
func (e *LedgerEntry) FindRefund(refundID string) *RefundRecord {
	for i := range e.Refunds {
		if e.Refunds[i].ID == refundID {
			return &e.Refunds[i]
		}
	}
	return nil
}

// HasExternalRefund reports whether a processor refund id is already recorded
func (e *LedgerEntry) HasExternalRefund(externalRefundID string) bool {
	if externalRefundID == "" {
		return false
	}
	for _, r := range e.Refunds {
		if r.ExternalRefundID == externalRefundID {
			return true
		}
	}
	return false
}

// CanBeRefunded reports whether the entry has a refundable balance left
func (e *LedgerEntry) CanBeRefunded() bool {
	if e.Status != PaymentStatusCompleted && e.Status != PaymentStatusRefunded {
		return false
	}
	return e.RefundStatus != RefundStatusFull && e.Refundable().IsPositive()
}

// AmountFromMinorUnits converts processor minor units (cents) to a decimal amount
func AmountFromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// MinorUnits converts a decimal amount to processor minor units (cents)
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
