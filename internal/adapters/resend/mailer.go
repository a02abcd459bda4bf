// Package resend sends transactional email through the Resend HTTP API.
package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/domain/ports"
)

const baseURL = "https://api.resend.com"

// Mailer implements ports.Mailer against the Resend API
type Mailer struct {
	http   *http.Client
	logger *zap.Logger
	apiKey string
	from   string
}

// NewMailer creates a Resend mailer. from is the verified sender address.
func NewMailer(apiKey, from string, logger *zap.Logger) *Mailer {
	return &Mailer{
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		apiKey: apiKey,
		from:   from,
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// SendReceipt emails a charge receipt
func (m *Mailer) SendReceipt(ctx context.Context, email ports.ReceiptEmail) error {
	html := fmt.Sprintf(`
		<h2>Payment received</h2>
		<p>Thank you! We received your payment of <strong>%s %s</strong> covering %d player(s).</p>
		<p>Payment reference: %s</p>`,
		email.Amount.StringFixed(2), email.Currency, email.Players, email.PaymentID)
	if email.ReceiptURL != "" {
		html += fmt.Sprintf(`<p><a href="%s">View your processor receipt</a></p>`, email.ReceiptURL)
	}

	return m.send(ctx, sendRequest{
		From:    m.from,
		To:      []string{email.To},
		Subject: "Your payment receipt",
		HTML:    html,
	})
}

// SendRefundNotice emails a refund confirmation
func (m *Mailer) SendRefundNotice(ctx context.Context, email ports.RefundEmail) error {
	html := fmt.Sprintf(`
		<h2>Refund issued</h2>
		<p>A refund of <strong>%s %s</strong> has been issued to your original payment method.</p>
		<p>Payment reference: %s<br>Refund reference: %s</p>`,
		email.Amount.StringFixed(2), email.Currency, email.PaymentID, email.RefundID)
	if email.Reason != "" {
		html += fmt.Sprintf(`<p>Reason: %s</p>`, email.Reason)
	}

	return m.send(ctx, sendRequest{
		From:    m.from,
		To:      []string{email.To},
		Subject: "Your refund confirmation",
		HTML:    html,
	})
}

func (m *Mailer) send(ctx context.Context, req sendRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build email request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		m.logger.Warn("resend rejected email",
			zap.Int("status_code", resp.StatusCode),
			zap.ByteString("body", respBody),
		)
		return fmt.Errorf("resend returned %d", resp.StatusCode)
	}
	return nil
}
