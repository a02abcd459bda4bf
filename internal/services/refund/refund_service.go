// Package refund is the two-phase refund orchestrator: refunds are
// requested (recorded pending) and later processed (approved against the
// processor, or rejected). All state transitions run under the ledger
// entry's row lock.
package refund

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
	"github.com/clubhoops/payment-service/pkg/idempotency"
	"github.com/clubhoops/payment-service/pkg/observability"
)

// RequestInput asks for a refund against a payment. A zero amount means
// the full remaining refundable balance.
type RequestInput struct {
	PaymentID   string
	Amount      decimal.Decimal
	Reason      string
	Notes       string
	RequestedBy string
	Source      domain.RefundSource
}

// ProcessInput resolves one pending refund record
type ProcessInput struct {
	PaymentID  string
	RefundID   string
	Approve    bool
	RefundedBy string
	Notes      string
}

// Service orchestrates refunds
type Service struct {
	db       ports.DBPort
	payments ports.PaymentRepository
	roster   ports.RosterRepository
	resolver ports.GatewayResolver
	mailer   ports.Mailer
	logger   *zap.Logger
}

// NewService creates the refund orchestrator
func NewService(db ports.DBPort, payments ports.PaymentRepository, roster ports.RosterRepository,
	resolver ports.GatewayResolver, mailer ports.Mailer, logger *zap.Logger) *Service {
	return &Service{
		db:       db,
		payments: payments,
		roster:   roster,
		resolver: resolver,
		mailer:   mailer,
		logger:   logger,
	}
}

// Request records a pending refund. No processor call happens here; the
// record waits for Process.
func (s *Service) Request(ctx context.Context, in *RequestInput) (*domain.RefundRecord, error) {
	if in.PaymentID == "" {
		return nil, domain.ErrValidation.WithDetail("reason", "payment id is required")
	}
	if in.Amount.IsNegative() {
		return nil, domain.ErrValidation.WithDetail("reason", "amount cannot be negative")
	}
	if in.Source == "" {
		in.Source = domain.RefundSourceAPI
	}

	var record *domain.RefundRecord
	err := s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		entry, err := s.lockEntry(ctx, tx, in.PaymentID)
		if err != nil {
			return err
		}

		refundable := entry.Refundable()
		if !refundable.IsPositive() {
			return domain.ErrAlreadyRefunded.WithDetail("payment_id", entry.ID)
		}

		amount := in.Amount
		pending := entry.PendingRefundTotal()
		if amount.IsZero() {
			// Full refund of whatever is not yet claimed
			amount = refundable.Sub(pending)
			if !amount.IsPositive() {
				return domain.ErrRefundAlreadyPending.WithDetail("payment_id", entry.ID)
			}
		}
		if amount.GreaterThan(refundable) {
			return domain.ErrAmountExceedsRefundable.
				WithDetail("payment_id", entry.ID).
				WithDetail("refundable", refundable.StringFixed(2))
		}
		if amount.Add(pending).GreaterThan(refundable) {
			return domain.ErrRefundAlreadyPending.
				WithDetail("payment_id", entry.ID).
				WithDetail("pending", pending.StringFixed(2))
		}

		rec := domain.RefundRecord{
			ID:          uuid.NewString(),
			Amount:      amount,
			Reason:      in.Reason,
			Notes:       in.Notes,
			Status:      domain.RefundRecordPending,
			Source:      in.Source,
			RequestedBy: in.RequestedBy,
			RequestedAt: time.Now().UTC(),
		}
		entry.Refunds = append(entry.Refunds, rec)
		entry.RecomputeRefundState()
		if err := s.payments.UpdateRefundState(ctx, tx, entry); err != nil {
			return err
		}
		record = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund requested",
		zap.String("payment_id", in.PaymentID),
		zap.String("refund_id", record.ID),
		zap.String("amount", record.Amount.StringFixed(2)),
		zap.String("source", string(record.Source)),
	)
	return record, nil
}

// Process approves or rejects a pending refund. The row lock taken by
// GetForUpdate serializes concurrent processors: the loser blocks until
// the winner commits, then sees a terminal record and gets
// ALREADY_PROCESSED.
func (s *Service) Process(ctx context.Context, in *ProcessInput) (*domain.RefundRecord, error) {
	var (
		record    *domain.RefundRecord
		entrySnap *domain.LedgerEntry
		gwErr     error
	)

	err := s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		entry, err := s.lockEntry(ctx, tx, in.PaymentID)
		if err != nil {
			return err
		}

		rec := entry.FindRefund(in.RefundID)
		if rec == nil {
			return domain.ErrRefundNotFound.
				WithDetail("payment_id", in.PaymentID).
				WithDetail("refund_id", in.RefundID)
		}
		if rec.IsTerminal() {
			return domain.ErrAlreadyProcessed.
				WithDetail("refund_id", rec.ID).
				WithDetail("status", string(rec.Status))
		}

		now := time.Now().UTC()
		rec.RefundedBy = in.RefundedBy
		if in.Notes != "" {
			rec.Notes = in.Notes
		}

		if !in.Approve {
			rec.Status = domain.RefundRecordRejected
			rec.ProcessedAt = &now
			entry.RecomputeRefundState()
			record, entrySnap = rec, entry
			return s.payments.UpdateRefundState(ctx, tx, entry)
		}

		// A pending record that already carries an external refund id was
		// submitted to the processor (or imported from it); sending it again
		// would refund the money twice. Reconciliation settles it instead.
		if rec.ExternalRefundID != "" {
			return domain.ErrAlreadyProcessed.
				WithDetail("refund_id", rec.ID).
				WithDetail("external_refund_id", rec.ExternalRefundID)
		}

		gateway, err := s.resolver.GatewayForEntry(ctx, entry)
		if err != nil {
			return err
		}

		// Fresh key per attempt; a reprocessed failed record gets a new one
		result, err := gateway.Refund(ctx, entry.ExternalPaymentID,
			domain.MinorUnits(rec.Amount), rec.Reason, idempotency.NewKey())
		if err != nil {
			// The failure is committed so the record cannot be silently
			// retried into a double refund. The mapped error still goes
			// back to the caller.
			rec.Status = domain.RefundRecordFailed
			rec.ProcessedAt = &now
			entry.RecomputeRefundState()
			gwErr = err
			record, entrySnap = rec, entry
			return s.payments.UpdateRefundState(ctx, tx, entry)
		}

		// An accepted submission is terminal here even when the processor
		// reports it as still settling; re-approving it would submit a
		// second refund under a fresh idempotency key.
		rec.ExternalRefundID = result.ExternalRefundID
		rec.Status = domain.RefundRecordCompleted
		rec.ProcessedAt = &now
		entry.RecomputeRefundState()

		if entry.RefundStatus == domain.RefundStatusFull {
			if err := s.reverseRosterState(ctx, tx, entry); err != nil {
				return err
			}
		}

		record, entrySnap = rec, entry
		return s.payments.UpdateRefundState(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}

	outcome := string(record.Status)
	observability.RefundsTotal.WithLabelValues(string(entrySnap.Processor), outcome).Inc()
	s.logger.Info("refund processed",
		zap.String("payment_id", entrySnap.ID),
		zap.String("refund_id", record.ID),
		zap.String("outcome", outcome),
		zap.String("external_refund_id", record.ExternalRefundID),
	)

	if gwErr != nil {
		return nil, gwErr
	}
	if record.Status == domain.RefundRecordCompleted {
		s.sendRefundNotice(entrySnap, record)
	}
	return record, nil
}

// lockEntry row-locks the ledger entry by local id, falling back to the
// processor's payment id for callers that only hold the external one.
func (s *Service) lockEntry(ctx context.Context, tx pgx.Tx, paymentID string) (*domain.LedgerEntry, error) {
	entry, err := s.payments.GetForUpdate(ctx, tx, paymentID)
	if err == nil {
		return entry, nil
	}
	if !domain.IsDomainError(err, domain.ErrorCodePaymentNotFound) {
		return nil, err
	}
	byExternal, extErr := s.payments.GetByExternalID(ctx, tx, paymentID)
	if extErr != nil {
		return nil, err
	}
	return s.payments.GetForUpdate(ctx, tx, byExternal.ID)
}

// PendingQueue returns pending refund records for the admin dashboard
func (s *Service) PendingQueue(ctx context.Context, limit int32) ([]ports.RefundListItem, error) {
	return s.payments.ListRefundRecords(ctx, nil, domain.RefundRecordPending, limit)
}

// reverseRosterState undoes the charge's roster effects after a full refund
func (s *Service) reverseRosterState(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error {
	now := time.Now().UTC()
	if err := s.roster.ReverseParentPayment(ctx, tx, entry.ParentID, entry.ID); err != nil {
		return err
	}
	if len(entry.PlayerIDs) > 0 {
		if err := s.roster.MarkPlayersRefunded(ctx, tx, entry.PlayerIDs, entry.ID, now); err != nil {
			return err
		}
	}
	if entry.TryoutID != "" {
		if err := s.roster.ClearRegistrationPayment(ctx, tx, entry.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sendRefundNotice(entry *domain.LedgerEntry, rec *domain.RefundRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := s.mailer.SendRefundNotice(ctx, ports.RefundEmail{
		To:        entry.BuyerEmail,
		PaymentID: entry.ID,
		RefundID:  rec.ID,
		Amount:    rec.Amount,
		Currency:  entry.Currency,
		Reason:    rec.Reason,
	})
	if err != nil {
		s.logger.Warn("refund email failed",
			zap.String("payment_id", entry.ID),
			zap.String("refund_id", rec.ID),
			zap.Error(err),
		)
	}
}
