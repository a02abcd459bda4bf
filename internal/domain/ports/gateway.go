package ports

import (
	"context"
	"time"

	"github.com/clubhoops/payment-service/internal/domain"
)

// ChargeRequest is the canonical charge input handed to every processor
// gateway. Amounts are in minor currency units.
type ChargeRequest struct {
	SourceToken    string
	AmountMinor    int64
	Currency       string
	BuyerEmail     string
	Reference      string // buyer reference carried to the processor (parent id)
	Note           string
	IdempotencyKey string
	Metadata       map[string]string
}

// ChargeResult is the canonical successful charge response
type ChargeResult struct {
	ExternalID string
	OrderID    string
	Status     domain.PaymentStatus
	RawStatus  string
	ReceiptURL string
	Card       *domain.CardFingerprint
}

// RefundResult is the canonical refund response
type RefundResult struct {
	ExternalRefundID string
	Status           domain.RefundRecordStatus
	RawStatus        string
}

// PaymentView is the processor's remote view of a payment
type PaymentView struct {
	ExternalID    string
	AmountMinor   int64
	RefundedMinor int64
	RawStatus     string
	Status        domain.PaymentStatus
}

// RefundView is one refund record as reported by the processor
type RefundView struct {
	ExternalRefundID  string
	ExternalPaymentID string
	AmountMinor       int64
	Reason            string
	RawStatus         string
	Status            domain.RefundRecordStatus
	CreatedAt         time.Time
}

// RefundFilter scopes a ListRefunds call
type RefundFilter struct {
	ExternalPaymentID string
	From              time.Time
	To                time.Time
}

// HealthResult is the outcome of a non-mutating processor probe
type HealthResult struct {
	OK      bool
	Details string
}

// ProcessorGateway is the capability set every processor adapter provides.
// Implementations translate canonical requests to the vendor's API, map
// vendor errors into the domain error taxonomy, and normalize statuses
// into the closed local sets.
type ProcessorGateway interface {
	// Kind identifies the processor this gateway talks to
	Kind() domain.ProcessorKind

	// Charge performs a sale for the given opaque source token
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)

	// Refund returns amountMinor of the payment identified by the
	// processor's payment id
	Refund(ctx context.Context, externalPaymentID string, amountMinor int64, reason, idempotencyKey string) (*RefundResult, error)

	// FetchPayment returns the processor's current view of a payment
	FetchPayment(ctx context.Context, externalPaymentID string) (*PaymentView, error)

	// ListRefunds returns refunds matching the filter
	ListRefunds(ctx context.Context, filter RefundFilter) ([]RefundView, error)

	// HealthCheck probes the processor account without side effects
	HealthCheck(ctx context.Context) (*HealthResult, error)
}
