package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
)

const paymentColumns = `id, external_payment_id, external_order_id, processor, configuration_id,
	amount, currency, status, card, buyer_email, parent_id, player_ids, team_ids,
	registration_ids, season, year, tryout_id, receipt_url, refunds, refunded_amount,
	refund_status, metadata, created_at, updated_at`

// PaymentRepository implements ports.PaymentRepository over the payments table.
// Refund records live in a JSONB column so an entry and its refunds always
// move together in one row write.
type PaymentRepository struct {
	db ports.DBTX
}

// NewPaymentRepository creates a new payment repository bound to the pool
func NewPaymentRepository(db ports.DBPort) *PaymentRepository {
	return &PaymentRepository{db: db.GetDB()}
}

func (r *PaymentRepository) q(tx ports.DBTX) ports.DBTX {
	if tx != nil {
		return tx
	}
	return r.db
}

// Create inserts a new ledger entry
func (r *PaymentRepository) Create(ctx context.Context, tx ports.DBTX, entry *domain.LedgerEntry) error {
	refunds, err := json.Marshal(entry.Refunds)
	if err != nil {
		return fmt.Errorf("marshal refunds: %w", err)
	}
	card, err := json.Marshal(entry.Card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	amount, err := decimalToNumeric(entry.Amount)
	if err != nil {
		return err
	}
	refunded, err := decimalToNumeric(entry.RefundedAmount)
	if err != nil {
		return err
	}

	_, err = r.q(tx).Exec(ctx, `
		INSERT INTO payments (
			id, external_payment_id, external_order_id, processor, configuration_id,
			amount, currency, status, card, buyer_email, parent_id, player_ids,
			team_ids, registration_ids, season, year, tryout_id, receipt_url,
			refunds, refunded_amount, refund_status, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)`,
		entry.ID, entry.ExternalPaymentID, nullText(entry.ExternalOrderID),
		string(entry.Processor), nullText(entry.ConfigurationID),
		amount, entry.Currency, string(entry.Status), card, entry.BuyerEmail,
		entry.ParentID, entry.PlayerIDs, entry.TeamIDs, entry.RegistrationIDs,
		nullText(entry.Season), entry.Year, nullText(entry.TryoutID),
		nullText(entry.ReceiptURL), refunds, refunded, string(entry.RefundStatus),
		metadata, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.WrapError(domain.ErrorCodeDuplicate,
				"a ledger entry with this external payment id already exists", err).
				WithDetail("external_payment_id", entry.ExternalPaymentID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetByID retrieves a ledger entry by its local id
func (r *PaymentRepository) GetByID(ctx context.Context, db ports.DBTX, id string) (*domain.LedgerEntry, error) {
	row := r.q(db).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return r.scan(row)
}

// GetByExternalID retrieves a ledger entry by the processor's payment id
func (r *PaymentRepository) GetByExternalID(ctx context.Context, db ports.DBTX, externalPaymentID string) (*domain.LedgerEntry, error) {
	row := r.q(db).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_payment_id = $1`, externalPaymentID)
	return r.scan(row)
}

// GetForUpdate loads the entry under FOR UPDATE; concurrent refund
// processors serialize on this lock and the loser observes the winner's
// status transition after acquiring it.
func (r *PaymentRepository) GetForUpdate(ctx context.Context, tx ports.DBTX, id string) (*domain.LedgerEntry, error) {
	row := r.q(tx).QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
	return r.scan(row)
}

// UpdateRefundState persists the refunds array and the state derived from it
func (r *PaymentRepository) UpdateRefundState(ctx context.Context, tx ports.DBTX, entry *domain.LedgerEntry) error {
	refunds, err := json.Marshal(entry.Refunds)
	if err != nil {
		return fmt.Errorf("marshal refunds: %w", err)
	}
	refunded, err := decimalToNumeric(entry.RefundedAmount)
	if err != nil {
		return err
	}

	tag, err := r.q(tx).Exec(ctx, `
		UPDATE payments
		SET refunds = $2, refunded_amount = $3, refund_status = $4, status = $5, updated_at = NOW()
		WHERE id = $1`,
		entry.ID, refunds, refunded, string(entry.RefundStatus), string(entry.Status),
	)
	if err != nil {
		return fmt.Errorf("update refund state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound.WithDetail("payment_id", entry.ID)
	}
	return nil
}

// ListByParent lists ledger entries for a parent, newest first
func (r *PaymentRepository) ListByParent(ctx context.Context, db ports.DBTX, parentID string, limit, offset int32) ([]*domain.LedgerEntry, error) {
	rows, err := r.q(db).Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE parent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		parentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list payments by parent: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// List lists ledger entries for the admin view
func (r *PaymentRepository) List(ctx context.Context, db ports.DBTX, filter ports.PaymentListFilter) ([]*domain.LedgerEntry, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1=1`
	args := []any{}
	n := 0
	if filter.ParentID != "" {
		n++
		query += fmt.Sprintf(" AND parent_id = $%d", n)
		args = append(args, filter.ParentID)
	}
	if filter.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(filter.Status))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", n+1, n+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.q(db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ListReconcilable returns completed entries still holding refundable balance
func (r *PaymentRepository) ListReconcilable(ctx context.Context, db ports.DBTX, from, to *time.Time) ([]*domain.LedgerEntry, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'completed' AND refund_status IN ('none', 'partial')`
	args := []any{}
	n := 0
	if from != nil {
		n++
		query += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, *from)
	}
	if to != nil {
		n++
		query += fmt.Sprintf(" AND created_at <= $%d", n)
		args = append(args, *to)
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.q(db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable payments: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// ListRefundRecords flattens embedded refunds, optionally by record status
func (r *PaymentRepository) ListRefundRecords(ctx context.Context, db ports.DBTX, status domain.RefundRecordStatus, limit int32) ([]ports.RefundListItem, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE refunds != '[]'::jsonb`
	args := []any{}
	if status != "" {
		query += ` AND refunds @> $1`
		probe, err := json.Marshal([]map[string]string{{"status": string(status)}})
		if err != nil {
			return nil, fmt.Errorf("marshal status probe: %w", err)
		}
		args = append(args, probe)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := r.q(db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list refund records: %w", err)
	}
	defer rows.Close()

	entries, err := r.scanAll(rows)
	if err != nil {
		return nil, err
	}

	items := make([]ports.RefundListItem, 0, len(entries))
	for _, entry := range entries {
		for _, rec := range entry.Refunds {
			if status != "" && rec.Status != status {
				continue
			}
			items = append(items, ports.RefundListItem{Payment: entry, Refund: rec})
			if limit > 0 && int32(len(items)) >= limit {
				return items, nil
			}
		}
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PaymentRepository) scan(row rowScanner) (*domain.LedgerEntry, error) {
	var (
		entry                                           domain.LedgerEntry
		orderID, configID, season, tryoutID, receiptURL pgtype.Text
		processor, status, refundStatus                 string
		amount, refunded                                pgtype.Numeric
		card, refunds, metadata                         []byte
	)

	err := row.Scan(
		&entry.ID, &entry.ExternalPaymentID, &orderID, &processor, &configID,
		&amount, &entry.Currency, &status, &card, &entry.BuyerEmail,
		&entry.ParentID, &entry.PlayerIDs, &entry.TeamIDs, &entry.RegistrationIDs,
		&season, &entry.Year, &tryoutID, &receiptURL, &refunds, &refunded,
		&refundStatus, &metadata, &entry.CreatedAt, &entry.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	entry.ExternalOrderID = orderID.String
	entry.ConfigurationID = configID.String
	entry.Season = season.String
	entry.TryoutID = tryoutID.String
	entry.ReceiptURL = receiptURL.String
	entry.Processor = domain.ProcessorKind(processor)
	entry.Status = domain.PaymentStatus(status)
	entry.RefundStatus = domain.RefundStatus(refundStatus)

	if entry.Amount, err = numericToDecimal(amount); err != nil {
		return nil, fmt.Errorf("convert amount: %w", err)
	}
	if entry.RefundedAmount, err = numericToDecimal(refunded); err != nil {
		return nil, fmt.Errorf("convert refunded amount: %w", err)
	}
	if err := json.Unmarshal(card, &entry.Card); err != nil {
		return nil, fmt.Errorf("unmarshal card: %w", err)
	}
	if err := json.Unmarshal(refunds, &entry.Refunds); err != nil {
		return nil, fmt.Errorf("unmarshal refunds: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &entry, nil
}

func (r *PaymentRepository) scanAll(rows pgx.Rows) ([]*domain.LedgerEntry, error) {
	var entries []*domain.LedgerEntry
	for rows.Next() {
		entry, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return entries, nil
}
