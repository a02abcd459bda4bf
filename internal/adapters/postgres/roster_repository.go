package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
)

// RosterRepository implements ports.RosterRepository. It only touches the
// payment-owned columns of parents, players and registrations; everything
// else belongs to the roster service.
type RosterRepository struct {
	db ports.DBTX
}

// NewRosterRepository creates a new roster repository
func NewRosterRepository(db ports.DBPort) *RosterRepository {
	return &RosterRepository{db: db.GetDB()}
}

func (r *RosterRepository) q(tx ports.DBTX) ports.DBTX {
	if tx != nil {
		return tx
	}
	return r.db
}

// GetPlayers loads players by id
func (r *RosterRepository) GetPlayers(ctx context.Context, db ports.DBTX, ids []string) ([]*domain.Player, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.q(db).Query(ctx, `
		SELECT id, parent_id, first_name, last_name, payment_complete, payment_status, seasons
		FROM players WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query players: %w", err)
	}
	defer rows.Close()

	var players []*domain.Player
	for rows.Next() {
		var (
			p       domain.Player
			status  string
			seasons []byte
		)
		if err := rows.Scan(&p.ID, &p.ParentID, &p.FirstName, &p.LastName,
			&p.PaymentComplete, &status, &seasons); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		p.PaymentStatus = domain.PlayerPaymentStatus(status)
		if len(seasons) > 0 {
			if err := json.Unmarshal(seasons, &p.Seasons); err != nil {
				return nil, fmt.Errorf("unmarshal seasons for player %s: %w", p.ID, err)
			}
		}
		players = append(players, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate players: %w", err)
	}
	return players, nil
}

// GetParent loads a parent by id
func (r *RosterRepository) GetParent(ctx context.Context, db ports.DBTX, id string) (*domain.Parent, error) {
	var (
		p        domain.Parent
		lastPaid pgtype.Timestamptz
	)
	err := r.q(db).QueryRow(ctx, `
		SELECT id, email, payment_complete, last_payment_date, payment_ids
		FROM parents WHERE id = $1`, id).
		Scan(&p.ID, &p.Email, &p.PaymentComplete, &lastPaid, &p.PaymentIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrValidation.WithDetail("reason", "parent not found").
				WithDetail("parent_id", id)
		}
		return nil, fmt.Errorf("query parent: %w", err)
	}
	if lastPaid.Valid {
		p.LastPaymentDate = &lastPaid.Time
	}
	return &p, nil
}

// MarkParentPaid records a completed payment against a parent
func (r *RosterRepository) MarkParentPaid(ctx context.Context, tx ports.DBTX, parentID, paymentID string, at time.Time) error {
	tag, err := r.q(tx).Exec(ctx, `
		UPDATE parents
		SET payment_complete = TRUE,
		    last_payment_date = $3,
		    payment_ids = array_append(payment_ids, $2),
		    updated_at = NOW()
		WHERE id = $1`, parentID, paymentID, at)
	if err != nil {
		return fmt.Errorf("mark parent paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrValidation.WithDetail("reason", "parent not found").
			WithDetail("parent_id", parentID)
	}
	return nil
}

// MarkPlayersPaid appends a season entry to each player and flips payment state
func (r *RosterRepository) MarkPlayersPaid(ctx context.Context, tx ports.DBTX, playerIDs []string, season domain.SeasonEntry) error {
	if len(playerIDs) == 0 {
		return nil
	}
	entry, err := json.Marshal(season)
	if err != nil {
		return fmt.Errorf("marshal season entry: %w", err)
	}
	_, err = r.q(tx).Exec(ctx, `
		UPDATE players
		SET payment_complete = TRUE,
		    payment_status = 'paid',
		    seasons = seasons || $2::jsonb,
		    updated_at = NOW()
		WHERE id = ANY($1)`, playerIDs, entry)
	if err != nil {
		return fmt.Errorf("mark players paid: %w", err)
	}
	return nil
}

// MarkRegistrationsPaid completes the parent's registrations for a tryout
func (r *RosterRepository) MarkRegistrationsPaid(ctx context.Context, tx ports.DBTX, parentID, tryoutID, paymentID string, at time.Time) error {
	_, err := r.q(tx).Exec(ctx, `
		UPDATE registrations
		SET payment_status = 'paid',
		    payment_complete = TRUE,
		    payment_id = $3,
		    payment_date = $4,
		    updated_at = NOW()
		WHERE parent_id = $1 AND tryout_id = $2`, parentID, tryoutID, paymentID, at)
	if err != nil {
		return fmt.Errorf("mark registrations paid: %w", err)
	}
	return nil
}

// ReverseParentPayment undoes a payment's effect on the parent record. The
// payment id is removed from the history and the completion flag drops only
// when no other payments remain.
func (r *RosterRepository) ReverseParentPayment(ctx context.Context, tx ports.DBTX, parentID, paymentID string) error {
	_, err := r.q(tx).Exec(ctx, `
		UPDATE parents
		SET payment_ids = array_remove(payment_ids, $2),
		    payment_complete = (cardinality(array_remove(payment_ids, $2)) > 0),
		    updated_at = NOW()
		WHERE id = $1`, parentID, paymentID)
	if err != nil {
		return fmt.Errorf("reverse parent payment: %w", err)
	}
	return nil
}

// MarkPlayersRefunded flips players back to refunded state and stamps the
// matching season entry.
func (r *RosterRepository) MarkPlayersRefunded(ctx context.Context, tx ports.DBTX, playerIDs []string, paymentID string, at time.Time) error {
	if len(playerIDs) == 0 {
		return nil
	}
	// Rewrite the seasons array element whose payment_id matches. jsonb has
	// no in-place update by predicate, so the array is rebuilt.
	_, err := r.q(tx).Exec(ctx, `
		UPDATE players
		SET payment_complete = FALSE,
		    payment_status = 'refunded',
		    seasons = (
		        SELECT COALESCE(jsonb_agg(
		            CASE WHEN elem->>'payment_id' = $2
		                 THEN elem || jsonb_build_object('payment_status', 'refunded')
		                 ELSE elem
		            END), '[]'::jsonb)
		        FROM jsonb_array_elements(seasons) AS elem
		    ),
		    updated_at = NOW()
		WHERE id = ANY($1)`, playerIDs, paymentID)
	if err != nil {
		return fmt.Errorf("mark players refunded: %w", err)
	}
	return nil
}

// ClearRegistrationPayment detaches a refunded payment from its registrations
func (r *RosterRepository) ClearRegistrationPayment(ctx context.Context, tx ports.DBTX, paymentID string) error {
	_, err := r.q(tx).Exec(ctx, `
		UPDATE registrations
		SET payment_status = 'refunded',
		    payment_complete = FALSE,
		    updated_at = NOW()
		WHERE payment_id = $1`, paymentID)
	if err != nil {
		return fmt.Errorf("clear registration payment: %w", err)
	}
	return nil
}
