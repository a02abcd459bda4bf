package ports

import (
	"context"

	"github.com/shopspring/decimal"
)

// ReceiptEmail is the payload for a charge receipt
type ReceiptEmail struct {
	To         string
	ParentID   string
	PaymentID  string
	Amount     decimal.Decimal
	Currency   string
	ReceiptURL string
	Players    int
}

// RefundEmail is the payload for a refund confirmation
type RefundEmail struct {
	To        string
	PaymentID string
	RefundID  string
	Amount    decimal.Decimal
	Currency  string
	Reason    string
}

// Mailer sends transactional email. Sends are always best-effort: callers
// log failures and never roll back committed payment state because of them.
type Mailer interface {
	SendReceipt(ctx context.Context, email ReceiptEmail) error
	SendRefundNotice(ctx context.Context, email RefundEmail) error
}
