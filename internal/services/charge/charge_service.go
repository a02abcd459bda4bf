// Package charge is the charge orchestrator: it validates the request,
// charges the processor, then persists the ledger entry and roster updates
// in one transaction.
package charge

import (
	"context"
	"strings"
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

// Input is a charge request from the API layer. Amount is in major units.
type Input struct {
	SourceToken     string
	Amount          decimal.Decimal
	BuyerEmail      string
	ParentID        string
	PlayerIDs       []string
	TeamIDs         []string
	RegistrationIDs []string
	Season          string
	Year            int
	TryoutID        string
	Note            string
	Processor       domain.ProcessorKind // optional preferred processor
	Card            *domain.CardFingerprint
	Metadata        map[string]string
}

// Service orchestrates charges
type Service struct {
	db       ports.DBPort
	payments ports.PaymentRepository
	roster   ports.RosterRepository
	resolver ports.GatewayResolver
	mailer   ports.Mailer
	logger   *zap.Logger
}

// NewService creates the charge orchestrator
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

// Charge runs the full charge flow. The processor is called before any
// local write: a processor failure leaves no ledger entry, and a local
// failure after a successful processor call is recoverable because the
// entry carries the external payment id.
func (s *Service) Charge(ctx context.Context, in *Input) (*domain.LedgerEntry, error) {
	if err := s.validate(ctx, in); err != nil {
		return nil, err
	}

	cfg, gateway, err := s.resolver.ResolveCharge(ctx, in.Processor)
	if err != nil {
		return nil, err
	}

	// One idempotency key per attempt. Retries inside the transport reuse
	// it; a new caller attempt gets a new key.
	key := idempotency.NewKey()

	result, err := gateway.Charge(ctx, &ports.ChargeRequest{
		SourceToken:    in.SourceToken,
		AmountMinor:    domain.MinorUnits(in.Amount),
		Currency:       cfg.Currency,
		BuyerEmail:     in.BuyerEmail,
		Reference:      in.ParentID,
		Note:           in.Note,
		IdempotencyKey: key,
		Metadata:       in.Metadata,
	})
	if err != nil {
		// An idempotency collision that names the original payment means a
		// previous attempt already went through.
		if domain.IsDomainError(err, domain.ErrorCodeDuplicate) {
			if extID := domain.AsDomainError(err).Detail("external_payment_id"); extID != "" {
				if existing, lookupErr := s.payments.GetByExternalID(ctx, nil, extID); lookupErr == nil {
					return existing, nil
				}
			}
		}
		observability.ChargesTotal.WithLabelValues(string(cfg.Kind), string(domain.GetErrorCode(err))).Inc()
		s.logger.Warn("processor charge failed",
			zap.String("processor", string(cfg.Kind)),
			zap.String("parent_id", in.ParentID),
			zap.Error(err),
		)
		return nil, err
	}

	now := time.Now().UTC()
	entry := &domain.LedgerEntry{
		ID:                uuid.NewString(),
		ExternalPaymentID: result.ExternalID,
		ExternalOrderID:   result.OrderID,
		Processor:         cfg.Kind,
		ConfigurationID:   cfg.ID,
		Amount:            in.Amount,
		Currency:          cfg.Currency,
		Status:            result.Status,
		BuyerEmail:        in.BuyerEmail,
		ParentID:          in.ParentID,
		PlayerIDs:         in.PlayerIDs,
		TeamIDs:           in.TeamIDs,
		RegistrationIDs:   in.RegistrationIDs,
		Season:            in.Season,
		Year:              in.Year,
		TryoutID:          in.TryoutID,
		ReceiptURL:        result.ReceiptURL,
		Refunds:           []domain.RefundRecord{},
		RefundedAmount:    decimal.Zero,
		RefundStatus:      domain.RefundStatusNone,
		Metadata:          in.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	// Prefer the processor's view of the instrument; fall back to the
	// fingerprint the browser SDK captured.
	switch {
	case result.Card != nil:
		entry.Card = *result.Card
	case in.Card != nil:
		entry.Card = *in.Card
	}

	err = s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := s.payments.Create(ctx, tx, entry); err != nil {
			return err
		}
		if entry.Status != domain.PaymentStatusCompleted {
			return nil
		}
		return s.applyRosterState(ctx, tx, entry)
	})
	if err != nil {
		// The processor reported this external id before: the entry was
		// persisted by an earlier attempt. Return the existing entry
		// instead of failing the caller.
		if domain.IsDomainError(err, domain.ErrorCodeDuplicate) {
			if existing, lookupErr := s.payments.GetByExternalID(ctx, nil, result.ExternalID); lookupErr == nil {
				s.logger.Info("recovered duplicate charge",
					zap.String("external_payment_id", result.ExternalID),
					zap.String("payment_id", existing.ID),
				)
				return existing, nil
			}
		}
		// The money moved but the ledger write failed. Surface
		// INDETERMINATE with the external id so reconciliation can repair.
		s.logger.Error("ledger write failed after successful charge",
			zap.String("external_payment_id", result.ExternalID),
			zap.Error(err),
		)
		return nil, domain.WrapError(domain.ErrorCodeIndeterminate,
			"charge succeeded but could not be recorded", err).
			WithDetail("external_payment_id", result.ExternalID)
	}

	observability.ChargesTotal.WithLabelValues(string(cfg.Kind), string(entry.Status)).Inc()
	s.logger.Info("charge completed",
		zap.String("payment_id", entry.ID),
		zap.String("external_payment_id", entry.ExternalPaymentID),
		zap.String("processor", string(cfg.Kind)),
		zap.String("amount", entry.Amount.StringFixed(2)),
		zap.String("status", string(entry.Status)),
	)

	// Receipt email is best-effort and never affects the committed charge
	if entry.Status == domain.PaymentStatusCompleted {
		s.sendReceipt(entry)
	}
	return entry, nil
}

// applyRosterState marks the parent, players and registrations paid inside
// the charge transaction.
func (s *Service) applyRosterState(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error {
	if err := s.roster.MarkParentPaid(ctx, tx, entry.ParentID, entry.ID, entry.CreatedAt); err != nil {
		return err
	}
	if len(entry.PlayerIDs) > 0 {
		season := domain.SeasonEntry{
			Season:        entry.Season,
			Year:          entry.Year,
			TryoutID:      entry.TryoutID,
			PaymentStatus: domain.PlayerPaymentPaid,
			PaymentID:     entry.ID,
			PaymentDate:   entry.CreatedAt,
		}
		if err := s.roster.MarkPlayersPaid(ctx, tx, entry.PlayerIDs, season); err != nil {
			return err
		}
	}
	if entry.TryoutID != "" {
		if err := s.roster.MarkRegistrationsPaid(ctx, tx, entry.ParentID, entry.TryoutID, entry.ID, entry.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) validate(ctx context.Context, in *Input) error {
	if in.SourceToken == "" {
		return domain.ErrValidation.WithDetail("reason", "payment token is required")
	}
	if !in.Amount.IsPositive() {
		return domain.ErrValidation.WithDetail("reason", "amount must be positive")
	}
	if in.ParentID == "" {
		return domain.ErrValidation.WithDetail("reason", "parent id is required")
	}
	if in.BuyerEmail == "" || !strings.Contains(in.BuyerEmail, "@") {
		return domain.ErrValidation.WithDetail("reason", "a valid buyer email is required")
	}

	if _, err := s.roster.GetParent(ctx, nil, in.ParentID); err != nil {
		return err
	}
	if len(in.PlayerIDs) > 0 {
		players, err := s.roster.GetPlayers(ctx, nil, in.PlayerIDs)
		if err != nil {
			return err
		}
		found := make(map[string]*domain.Player, len(players))
		for _, p := range players {
			found[p.ID] = p
		}
		for _, id := range in.PlayerIDs {
			p, ok := found[id]
			if !ok {
				return domain.ErrValidation.WithDetail("reason", "unknown player").
					WithDetail("player_id", id)
			}
			if p.ParentID != in.ParentID {
				return domain.ErrValidation.
					WithDetail("reason", "player does not belong to parent").
					WithDetail("player_id", id)
			}
		}
	}
	return nil
}

func (s *Service) sendReceipt(entry *domain.LedgerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := s.mailer.SendReceipt(ctx, ports.ReceiptEmail{
		To:         entry.BuyerEmail,
		ParentID:   entry.ParentID,
		PaymentID:  entry.ID,
		Amount:     entry.Amount,
		Currency:   entry.Currency,
		ReceiptURL: entry.ReceiptURL,
		Players:    len(entry.PlayerIDs),
	})
	if err != nil {
		s.logger.Warn("receipt email failed",
			zap.String("payment_id", entry.ID),
			zap.Error(err),
		)
	}
}
