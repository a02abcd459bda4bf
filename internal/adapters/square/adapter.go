// Package square implements the processor gateway for the Square Payments
// API (Payments, Refunds, Locations).
package square

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/adapters/processor"
	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
)

const apiVersion = "2024-06-04"

// Adapter talks to one Square account
type Adapter struct {
	client      *processor.Client
	logger      *zap.Logger
	baseURL     string
	accessToken string
	locationID  string
	currency    string
}

// New creates a Square gateway for the given configuration
func New(cfg *domain.ProcessorConfig, clientCfg processor.ClientConfig, logger *zap.Logger) *Adapter {
	baseURL := "https://connect.squareup.com"
	if cfg.Environment == domain.EnvironmentSandbox {
		baseURL = "https://connect.squareupsandbox.com"
	}
	return &Adapter{
		client:      processor.NewClient(clientCfg, logger),
		logger:      logger,
		baseURL:     baseURL,
		accessToken: cfg.Credentials.AccessToken,
		locationID:  cfg.Credentials.LocationID,
		currency:    cfg.Currency,
	}
}

// Kind identifies the processor
func (a *Adapter) Kind() domain.ProcessorKind {
	return domain.ProcessorSquare
}

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type cardDetails struct {
	Card struct {
		CardBrand string `json:"card_brand"`
		Last4     string `json:"last_4"`
		ExpMonth  int    `json:"exp_month"`
		ExpYear   int    `json:"exp_year"`
	} `json:"card"`
}

type paymentBody struct {
	ID          string       `json:"id"`
	OrderID     string       `json:"order_id"`
	Status      string       `json:"status"`
	ReceiptURL  string       `json:"receipt_url"`
	AmountMoney money        `json:"amount_money"`
	Refunded    *money       `json:"refunded_money"`
	CardDetails *cardDetails `json:"card_details"`
}

type refundBody struct {
	ID          string `json:"id"`
	PaymentID   string `json:"payment_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason"`
	AmountMoney money  `json:"amount_money"`
	CreatedAt   string `json:"created_at"`
}

type apiError struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

type errorEnvelope struct {
	Errors []apiError `json:"errors"`
}

// Charge creates a payment from an opaque card nonce
func (a *Adapter) Charge(ctx context.Context, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	payload := map[string]interface{}{
		"source_id":       req.SourceToken,
		"idempotency_key": req.IdempotencyKey,
		"amount_money":    money{Amount: req.AmountMinor, Currency: req.Currency},
		"location_id":     a.locationID,
		"autocomplete":    true,
	}
	if req.BuyerEmail != "" {
		payload["buyer_email_address"] = req.BuyerEmail
	}
	if req.Reference != "" {
		payload["reference_id"] = req.Reference
	}
	if req.Note != "" {
		payload["note"] = req.Note
	}

	resp, err := a.do(ctx, http.MethodPost, "/v2/payments", payload, true)
	if err != nil {
		return nil, err
	}

	var out struct {
		Payment paymentBody `json:"payment"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}

	result := &ports.ChargeResult{
		ExternalID: out.Payment.ID,
		OrderID:    out.Payment.OrderID,
		Status:     normalizePaymentStatus(out.Payment.Status),
		RawStatus:  out.Payment.Status,
		ReceiptURL: out.Payment.ReceiptURL,
	}
	if cd := out.Payment.CardDetails; cd != nil {
		result.Card = &domain.CardFingerprint{
			Brand:    cd.Card.CardBrand,
			Last4:    cd.Card.Last4,
			ExpMonth: cd.Card.ExpMonth,
			ExpYear:  cd.Card.ExpYear,
		}
	}
	return result, nil
}

// Refund returns part or all of a payment
func (a *Adapter) Refund(ctx context.Context, externalPaymentID string, amountMinor int64, reason, idempotencyKey string) (*ports.RefundResult, error) {
	payload := map[string]interface{}{
		"idempotency_key": idempotencyKey,
		"payment_id":      externalPaymentID,
		"amount_money":    money{Amount: amountMinor, Currency: a.currency},
	}
	if reason != "" {
		payload["reason"] = reason
	}

	resp, err := a.do(ctx, http.MethodPost, "/v2/refunds", payload, true)
	if err != nil {
		return nil, err
	}

	var out struct {
		Refund refundBody `json:"refund"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode refund response: %w", err)
	}

	return &ports.RefundResult{
		ExternalRefundID: out.Refund.ID,
		Status:           normalizeRefundStatus(out.Refund.Status),
		RawStatus:        out.Refund.Status,
	}, nil
}

// FetchPayment returns Square's current view of a payment
func (a *Adapter) FetchPayment(ctx context.Context, externalPaymentID string) (*ports.PaymentView, error) {
	resp, err := a.do(ctx, http.MethodGet, "/v2/payments/"+url.PathEscape(externalPaymentID), nil, false)
	if err != nil {
		return nil, err
	}

	var out struct {
		Payment paymentBody `json:"payment"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}

	view := &ports.PaymentView{
		ExternalID:  out.Payment.ID,
		AmountMinor: out.Payment.AmountMoney.Amount,
		RawStatus:   out.Payment.Status,
		Status:      normalizePaymentStatus(out.Payment.Status),
	}
	if out.Payment.Refunded != nil {
		view.RefundedMinor = out.Payment.Refunded.Amount
	}
	return view, nil
}

// ListRefunds lists refunds, filtered by payment and time window. Square's
// list endpoint has no payment filter, so payment scoping is applied here.
func (a *Adapter) ListRefunds(ctx context.Context, filter ports.RefundFilter) ([]ports.RefundView, error) {
	query := url.Values{}
	query.Set("location_id", a.locationID)
	if !filter.From.IsZero() {
		query.Set("begin_time", filter.From.UTC().Format(time.RFC3339))
	}
	if !filter.To.IsZero() {
		query.Set("end_time", filter.To.UTC().Format(time.RFC3339))
	}

	var views []ports.RefundView
	cursor := ""
	for {
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		resp, err := a.do(ctx, http.MethodGet, "/v2/refunds?"+query.Encode(), nil, false)
		if err != nil {
			return nil, err
		}

		var out struct {
			Refunds []refundBody `json:"refunds"`
			Cursor  string       `json:"cursor"`
		}
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("decode refunds response: %w", err)
		}

		for _, r := range out.Refunds {
			if filter.ExternalPaymentID != "" && r.PaymentID != filter.ExternalPaymentID {
				continue
			}
			created, _ := time.Parse(time.RFC3339, r.CreatedAt)
			views = append(views, ports.RefundView{
				ExternalRefundID:  r.ID,
				ExternalPaymentID: r.PaymentID,
				AmountMinor:       r.AmountMoney.Amount,
				Reason:            r.Reason,
				RawStatus:         r.Status,
				Status:            normalizeRefundStatus(r.Status),
				CreatedAt:         created,
			})
		}

		if out.Cursor == "" {
			return views, nil
		}
		cursor = out.Cursor
	}
}

// HealthCheck verifies the credentials can read the configured location
func (a *Adapter) HealthCheck(ctx context.Context) (*ports.HealthResult, error) {
	resp, err := a.do(ctx, http.MethodGet, "/v2/locations/"+url.PathEscape(a.locationID), nil, false)
	if err != nil {
		return &ports.HealthResult{OK: false, Details: err.Error()}, nil
	}

	var out struct {
		Location struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"location"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return &ports.HealthResult{OK: false, Details: "unreadable location response"}, nil
	}
	if out.Location.Status != "ACTIVE" {
		return &ports.HealthResult{OK: false, Details: fmt.Sprintf("location status %s", out.Location.Status)}, nil
	}
	return &ports.HealthResult{OK: true, Details: "location " + out.Location.ID + " active"}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, payload interface{}, mutating bool) (*processor.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.accessToken)
	header.Set("Square-Version", apiVersion)
	if body != nil {
		header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(ctx, &processor.Request{
		Method:   method,
		URL:      a.baseURL + path,
		Header:   header,
		Body:     body,
		Mutating: mutating,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, a.mapError(resp)
	}
	return resp, nil
}

// mapError translates a Square error envelope into the domain taxonomy
func (a *Adapter) mapError(resp *processor.Response) error {
	var envelope errorEnvelope
	_ = json.Unmarshal(resp.Body, &envelope)

	if len(envelope.Errors) == 0 {
		return domain.NewDomainError(domain.ErrorCodeProcessorUnavailable,
			fmt.Sprintf("square returned %d with no error body", resp.StatusCode))
	}

	first := envelope.Errors[0]
	a.logger.Warn("square api error",
		zap.Int("status_code", resp.StatusCode),
		zap.String("category", first.Category),
		zap.String("code", first.Code),
	)

	switch {
	case first.Code == "IDEMPOTENCY_KEY_REUSED":
		return domain.NewDomainError(domain.ErrorCodeDuplicate, "idempotency key already used").
			WithDetail("processor_code", first.Code)
	case first.Category == "PAYMENT_METHOD_ERROR",
		strings.HasPrefix(first.Code, "CARD_"),
		first.Code == "GENERIC_DECLINE",
		first.Code == "CVV_FAILURE",
		first.Code == "INSUFFICIENT_FUNDS":
		return domain.NewDomainError(domain.ErrorCodeProcessorDeclined, first.Detail).
			WithDetail("processor_code", first.Code)
	case first.Category == "AUTHENTICATION_ERROR", resp.StatusCode == http.StatusUnauthorized:
		return domain.ErrConfigurationError.WithDetail("reason", "square rejected credentials").
			WithDetail("processor_code", first.Code)
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrPaymentNotFound.WithDetail("processor_code", first.Code)
	case first.Category == "INVALID_REQUEST_ERROR":
		return domain.NewDomainError(domain.ErrorCodeValidation, first.Detail).
			WithDetail("processor_code", first.Code)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return domain.NewDomainError(domain.ErrorCodeProcessorUnavailable, first.Detail).
			WithDetail("processor_code", first.Code)
	default:
		return domain.NewDomainError(domain.ErrorCodeProcessorUnavailable, first.Detail).
			WithDetail("processor_code", first.Code)
	}
}

// normalizePaymentStatus maps Square payment statuses into the local set
func normalizePaymentStatus(raw string) domain.PaymentStatus {
	switch raw {
	case "COMPLETED", "APPROVED":
		return domain.PaymentStatusCompleted
	case "PENDING":
		return domain.PaymentStatusPending
	case "CANCELED", "FAILED":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

// normalizeRefundStatus maps Square refund statuses into the local set
func normalizeRefundStatus(raw string) domain.RefundRecordStatus {
	switch raw {
	case "COMPLETED":
		return domain.RefundRecordCompleted
	case "PENDING":
		return domain.RefundRecordPending
	case "REJECTED":
		return domain.RefundRecordRejected
	case "FAILED":
		return domain.RefundRecordFailed
	default:
		return domain.RefundRecordPending
	}
}
