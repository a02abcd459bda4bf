package ports

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clubhoops/payment-service/internal/domain"
)

// DBTX is the subset of pgx operations repositories need. Both *pgxpool.Pool
// and pgx.Tx satisfy it, so every repository method can run standalone or
// inside a caller-owned transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DBPort provides transactional access to the store
type DBPort interface {
	GetDB() *pgxpool.Pool
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
}

// PaymentListFilter scopes admin ledger listings
type PaymentListFilter struct {
	ParentID string
	Status   domain.PaymentStatus
	Limit    int32
	Offset   int32
}

// RefundListItem pairs an embedded refund record with its ledger entry
type RefundListItem struct {
	Payment *domain.LedgerEntry
	Refund  domain.RefundRecord
}

// PaymentRepository persists ledger entries. Entries are insert-then-update
// only; deletion is not part of the contract.
type PaymentRepository interface {
	Create(ctx context.Context, tx DBTX, entry *domain.LedgerEntry) error
	GetByID(ctx context.Context, db DBTX, id string) (*domain.LedgerEntry, error)
	GetByExternalID(ctx context.Context, db DBTX, externalPaymentID string) (*domain.LedgerEntry, error)

	// GetForUpdate loads the entry under a row lock; refund transitions are
	// serialized through it.
	GetForUpdate(ctx context.Context, tx DBTX, id string) (*domain.LedgerEntry, error)

	// UpdateRefundState persists the refunds array, refunded amount,
	// aggregate refund status, and entry status.
	UpdateRefundState(ctx context.Context, tx DBTX, entry *domain.LedgerEntry) error

	ListByParent(ctx context.Context, db DBTX, parentID string, limit, offset int32) ([]*domain.LedgerEntry, error)
	List(ctx context.Context, db DBTX, filter PaymentListFilter) ([]*domain.LedgerEntry, error)

	// ListReconcilable returns completed entries whose refund status is
	// none or partial, optionally bounded by creation time.
	ListReconcilable(ctx context.Context, db DBTX, from, to *time.Time) ([]*domain.LedgerEntry, error)

	// ListRefundRecords flattens embedded refunds across the ledger,
	// optionally filtered by record status.
	ListRefundRecords(ctx context.Context, db DBTX, status domain.RefundRecordStatus, limit int32) ([]RefundListItem, error)
}

// ConfigRepository persists processor configurations
type ConfigRepository interface {
	Create(ctx context.Context, tx DBTX, cfg *domain.ProcessorConfig) error
	Update(ctx context.Context, tx DBTX, cfg *domain.ProcessorConfig) error
	Delete(ctx context.Context, tx DBTX, id string) error
	GetByID(ctx context.Context, db DBTX, id string) (*domain.ProcessorConfig, error)
	List(ctx context.Context, db DBTX) ([]*domain.ProcessorConfig, error)
	ListActive(ctx context.Context, db DBTX) ([]*domain.ProcessorConfig, error)
	CountActive(ctx context.Context, db DBTX) (int64, error)

	// ClearDefaultExcept unsets the default flag on every record other than
	// the given id, keeping the at-most-one-default invariant when a record
	// is promoted.
	ClearDefaultExcept(ctx context.Context, tx DBTX, id string) error
}

// RosterRepository mutates the payment-owned fields of parents, players and
// registrations. All writes are targeted update-one/update-many by id and
// run inside the orchestrator's transaction.
type RosterRepository interface {
	GetPlayers(ctx context.Context, db DBTX, ids []string) ([]*domain.Player, error)
	GetParent(ctx context.Context, db DBTX, id string) (*domain.Parent, error)

	MarkParentPaid(ctx context.Context, tx DBTX, parentID, paymentID string, at time.Time) error
	MarkPlayersPaid(ctx context.Context, tx DBTX, playerIDs []string, season domain.SeasonEntry) error
	MarkRegistrationsPaid(ctx context.Context, tx DBTX, parentID, tryoutID, paymentID string, at time.Time) error

	ReverseParentPayment(ctx context.Context, tx DBTX, parentID, paymentID string) error
	MarkPlayersRefunded(ctx context.Context, tx DBTX, playerIDs []string, paymentID string, at time.Time) error
	ClearRegistrationPayment(ctx context.Context, tx DBTX, paymentID string) error
}
