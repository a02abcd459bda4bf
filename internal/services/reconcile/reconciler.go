// Package reconcile imports refunds issued outside the application
// (processor dashboards) into the local ledger and settles refund records
// the processor has since completed.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
	"github.com/clubhoops/payment-service/pkg/observability"
)

// Report summarizes one reconciliation run. FullyRefunded lists payments
// that converged to a full refund during the run; the reconciler itself
// only writes the ledger, so those ids are surfaced for operator review
// of the associated roster state.
type Report struct {
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	PaymentsProcessed int       `json:"payments_processed"`
	RefundsAdded      int       `json:"refunds_added"`
	RefundsSettled    int       `json:"refunds_settled"`
	FullyRefunded     []string  `json:"fully_refunded,omitempty"`
	Errors            []string  `json:"errors,omitempty"`
}

// Reconciler pulls processor refund state into the ledger. Only one run
// may be in flight at a time.
type Reconciler struct {
	db       ports.DBPort
	payments ports.PaymentRepository
	resolver ports.GatewayResolver
	logger   *zap.Logger

	// limiter paces processor API calls so bulk runs stay inside vendor
	// rate limits.
	limiter *rate.Limiter
	running sync.Mutex
}

// New creates a reconciler. callsPerSecond bounds processor API traffic.
func New(db ports.DBPort, payments ports.PaymentRepository,
	resolver ports.GatewayResolver, callsPerSecond float64, logger *zap.Logger) *Reconciler {
	if callsPerSecond <= 0 {
		callsPerSecond = 2
	}
	return &Reconciler{
		db:       db,
		payments: payments,
		resolver: resolver,
		logger:   logger,
		limiter:  rate.NewLimiter(rate.Limit(callsPerSecond), 1),
	}
}

// ErrSyncInProgress is returned when a run is already in flight
var ErrSyncInProgress = domain.NewDomainError(domain.ErrorCodeValidation, "a reconciliation run is already in progress")

// SyncOne reconciles a single payment by id
func (r *Reconciler) SyncOne(ctx context.Context, paymentID string) (*Report, error) {
	entry, err := r.payments.GetByID(ctx, nil, paymentID)
	if err != nil {
		return nil, err
	}
	report := r.newReport()
	r.syncEntry(ctx, entry, report)
	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// SyncAll reconciles every reconcilable payment
func (r *Reconciler) SyncAll(ctx context.Context) (*Report, error) {
	return r.syncRange(ctx, nil, nil)
}

// SyncByDateRange reconciles payments created inside [from, to]
func (r *Reconciler) SyncByDateRange(ctx context.Context, from, to time.Time) (*Report, error) {
	if to.Before(from) {
		return nil, domain.ErrValidation.WithDetail("reason", "date range end precedes start")
	}
	return r.syncRange(ctx, &from, &to)
}

func (r *Reconciler) syncRange(ctx context.Context, from, to *time.Time) (*Report, error) {
	if !r.running.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer r.running.Unlock()

	observability.ReconcilerRunsTotal.Inc()
	report := r.newReport()

	entries, err := r.payments.ListReconcilable(ctx, nil, from, to)
	if err != nil {
		return nil, err
	}
	r.logger.Info("reconciliation run started", zap.Int("candidates", len(entries)))

	for _, entry := range entries {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, "run cancelled: "+ctx.Err().Error())
			break
		}
		r.syncEntry(ctx, entry, report)
	}

	report.FinishedAt = time.Now().UTC()
	r.logger.Info("reconciliation run finished",
		zap.Int("payments_processed", report.PaymentsProcessed),
		zap.Int("refunds_added", report.RefundsAdded),
		zap.Int("refunds_settled", report.RefundsSettled),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// syncEntry pulls the processor's refund list for one payment and merges it
// into the ledger entry. The merge is additive: local records are never
// removed, and imported records are keyed by external refund id so a rerun
// cannot import twice.
func (r *Reconciler) syncEntry(ctx context.Context, entry *domain.LedgerEntry, report *Report) {
	report.PaymentsProcessed++

	if err := r.limiter.Wait(ctx); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("payment %s: %v", entry.ID, err))
		return
	}

	gateway, err := r.resolver.GatewayForEntry(ctx, entry)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("payment %s: %v", entry.ID, err))
		return
	}

	remote, err := gateway.ListRefunds(ctx, ports.RefundFilter{ExternalPaymentID: entry.ExternalPaymentID})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("payment %s: %v", entry.ID, err))
		return
	}
	if len(remote) == 0 {
		return
	}

	added, settled := 0, 0
	becameFull := false
	err = r.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		locked, err := r.payments.GetForUpdate(ctx, tx, entry.ID)
		if err != nil {
			return err
		}

		added, settled = mergeRefunds(locked, remote)
		if added == 0 && settled == 0 {
			return nil
		}

		wasFull := locked.RefundStatus == domain.RefundStatusFull
		locked.RecomputeRefundState()
		becameFull = !wasFull && locked.RefundStatus == domain.RefundStatusFull
		return r.payments.UpdateRefundState(ctx, tx, locked)
	})
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("payment %s: %v", entry.ID, err))
		return
	}

	if added > 0 {
		observability.ReconcilerRefundsImported.Add(float64(added))
		r.logger.Info("imported processor refunds",
			zap.String("payment_id", entry.ID),
			zap.Int("added", added),
		)
	}
	report.RefundsAdded += added
	report.RefundsSettled += settled
	if becameFull {
		r.logger.Warn("payment fully refunded outside the application",
			zap.String("payment_id", entry.ID),
		)
		report.FullyRefunded = append(report.FullyRefunded, entry.ID)
	}
}

// mergeRefunds applies the processor's refund list to the entry. Returns
// how many records were imported and how many pending records settled.
func mergeRefunds(entry *domain.LedgerEntry, remote []ports.RefundView) (added, settled int) {
	now := time.Now().UTC()
	for _, rv := range remote {
		if rv.ExternalRefundID == "" {
			continue
		}

		if existing := findByExternalID(entry, rv.ExternalRefundID); existing != nil {
			// Settle local pending records the processor has resolved
			if existing.Status == domain.RefundRecordPending && rv.Status != domain.RefundRecordPending {
				existing.Status = rv.Status
				existing.ProcessedAt = &now
				settled++
			}
			continue
		}

		requestedAt := rv.CreatedAt
		if requestedAt.IsZero() {
			requestedAt = now
		}
		rec := domain.RefundRecord{
			ID:               uuid.NewString(),
			ExternalRefundID: rv.ExternalRefundID,
			Amount:           domain.AmountFromMinorUnits(rv.AmountMinor),
			Reason:           rv.Reason,
			Status:           rv.Status,
			Source:           domain.RefundSourceProcessorDashboard,
			RequestedAt:      requestedAt,
		}
		if rec.Status != domain.RefundRecordPending {
			rec.ProcessedAt = &now
		}
		entry.Refunds = append(entry.Refunds, rec)
		added++
	}
	return added, settled
}

func findByExternalID(entry *domain.LedgerEntry, externalID string) *domain.RefundRecord {
	for i := range entry.Refunds {
		if entry.Refunds[i].ExternalRefundID == externalID {
			return &entry.Refunds[i]
		}
	}
	return nil
}

func (r *Reconciler) newReport() *Report {
	return &Report{StartedAt: time.Now().UTC()}
}
