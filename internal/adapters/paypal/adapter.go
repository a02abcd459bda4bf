// Package paypal implements the processor gateway for the PayPal REST API:
// OAuth client-credentials tokens, Orders v2 for charges, and the Payments
// API for captures and refunds.
package paypal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/adapters/processor"
	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
)

// tokenSkew refreshes the OAuth token this long before its stated expiry
const tokenSkew = 60 * time.Second

// Adapter talks to one PayPal REST application
type Adapter struct {
	client       *processor.Client
	logger       *zap.Logger
	baseURL      string
	clientID     string
	clientSecret string
	currency     string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New creates a PayPal gateway for the given configuration
func New(cfg *domain.ProcessorConfig, clientCfg processor.ClientConfig, logger *zap.Logger) *Adapter {
	baseURL := "https://api-m.paypal.com"
	if cfg.Environment == domain.EnvironmentSandbox {
		baseURL = "https://api-m.sandbox.paypal.com"
	}
	return &Adapter{
		client:       processor.NewClient(clientCfg, logger),
		logger:       logger,
		baseURL:      baseURL,
		clientID:     cfg.Credentials.ClientID,
		clientSecret: cfg.Credentials.ClientSecret,
		currency:     cfg.Currency,
	}
}

// Kind identifies the processor
func (a *Adapter) Kind() domain.ProcessorKind {
	return domain.ProcessorPayPal
}

type amountValue struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	Payments struct {
		Captures []captureObject `json:"captures"`
	} `json:"payments"`
}

type receivableBreakdown struct {
	TotalRefunds *amountValue `json:"total_refunds"`
}

type captureObject struct {
	ID                        string               `json:"id"`
	Status                    string               `json:"status"`
	Amount                    amountValue          `json:"amount"`
	SellerReceivableBreakdown *receivableBreakdown `json:"seller_receivable_breakdown"`
}

type errorEnvelope struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

// minorToValue renders minor units as PayPal's decimal string
func minorToValue(minor int64) string {
	return domain.AmountFromMinorUnits(minor).StringFixed(2)
}

// valueToMinor parses PayPal's decimal string into minor units
func valueToMinor(value string) int64 {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0
	}
	return domain.MinorUnits(d)
}

// token returns a valid OAuth access token, refreshing when close to expiry
func (a *Adapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken != "" && time.Now().Before(a.tokenExpiry.Add(-tokenSkew)) {
		return a.accessToken, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(a.clientID + ":" + a.clientSecret))
	header := http.Header{}
	header.Set("Authorization", "Basic "+basic)
	header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(ctx, &processor.Request{
		Method: http.MethodPost,
		URL:    a.baseURL + "/v1/oauth2/token",
		Header: header,
		Body:   []byte("grant_type=client_credentials"),
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", domain.ErrConfigurationError.WithDetail("reason", "paypal rejected credentials").
			WithDetail("status_code", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	a.accessToken = out.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return a.accessToken, nil
}

// Charge creates an order and captures it immediately. The capture id is
// the external payment id; refunds run against it.
func (a *Adapter) Charge(ctx context.Context, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	orderPayload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": req.Reference,
				"description":  req.Note,
				"amount": amountValue{
					CurrencyCode: a.currency,
					Value:        minorToValue(req.AmountMinor),
				},
			},
		},
		"payment_source": map[string]interface{}{
			"card": map[string]interface{}{
				"single_use_token": req.SourceToken,
			},
		},
	}

	orderResp, err := a.do(ctx, http.MethodPost, "/v2/checkout/orders", orderPayload, req.IdempotencyKey+"-order", true)
	if err != nil {
		return nil, err
	}

	var order struct {
		ID            string         `json:"id"`
		Status        string         `json:"status"`
		PurchaseUnits []purchaseUnit `json:"purchase_units"`
	}
	if err := json.Unmarshal(orderResp.Body, &order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	// Card orders with a payment source capture inline; anything still
	// CREATED or APPROVED needs the explicit capture call.
	capture := firstCapture(order.PurchaseUnits)
	if capture == nil {
		capResp, err := a.do(ctx, http.MethodPost,
			"/v2/checkout/orders/"+url.PathEscape(order.ID)+"/capture",
			map[string]interface{}{}, req.IdempotencyKey, true)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(capResp.Body, &order); err != nil {
			return nil, fmt.Errorf("decode capture response: %w", err)
		}
		capture = firstCapture(order.PurchaseUnits)
	}
	if capture == nil {
		return nil, domain.ErrIndeterminate.
			WithDetail("reason", "order accepted but no capture returned").
			WithDetail("external_order_id", order.ID)
	}

	return &ports.ChargeResult{
		ExternalID: capture.ID,
		OrderID:    order.ID,
		Status:     normalizeCaptureStatus(capture.Status),
		RawStatus:  capture.Status,
	}, nil
}

// Refund returns part or all of a capture
func (a *Adapter) Refund(ctx context.Context, externalPaymentID string, amountMinor int64, reason, idempotencyKey string) (*ports.RefundResult, error) {
	payload := map[string]interface{}{
		"amount": amountValue{
			CurrencyCode: a.currency,
			Value:        minorToValue(amountMinor),
		},
	}
	if reason != "" {
		payload["note_to_payer"] = reason
	}

	resp, err := a.do(ctx, http.MethodPost,
		"/v2/payments/captures/"+url.PathEscape(externalPaymentID)+"/refund",
		payload, idempotencyKey, true)
	if err != nil {
		return nil, err
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body, &refund); err != nil {
		return nil, fmt.Errorf("decode refund response: %w", err)
	}
	return &ports.RefundResult{
		ExternalRefundID: refund.ID,
		Status:           normalizeRefundStatus(refund.Status),
		RawStatus:        refund.Status,
	}, nil
}

// FetchPayment returns PayPal's current view of a capture
func (a *Adapter) FetchPayment(ctx context.Context, externalPaymentID string) (*ports.PaymentView, error) {
	resp, err := a.do(ctx, http.MethodGet,
		"/v2/payments/captures/"+url.PathEscape(externalPaymentID), nil, "", false)
	if err != nil {
		return nil, err
	}

	var capture captureObject
	if err := json.Unmarshal(resp.Body, &capture); err != nil {
		return nil, fmt.Errorf("decode capture response: %w", err)
	}

	view := &ports.PaymentView{
		ExternalID:  capture.ID,
		AmountMinor: valueToMinor(capture.Amount.Value),
		RawStatus:   capture.Status,
		Status:      normalizeCaptureStatus(capture.Status),
	}
	if b := capture.SellerReceivableBreakdown; b != nil && b.TotalRefunds != nil {
		view.RefundedMinor = valueToMinor(b.TotalRefunds.Value)
	}
	return view, nil
}

// ListRefunds lists refund events from the transaction reporting API.
// T1107 is PayPal's event code for payment refunds.
func (a *Adapter) ListRefunds(ctx context.Context, filter ports.RefundFilter) ([]ports.RefundView, error) {
	from := filter.From
	to := filter.To
	if from.IsZero() {
		from = time.Now().AddDate(0, -1, 0)
	}
	if to.IsZero() {
		to = time.Now()
	}

	query := url.Values{}
	query.Set("transaction_type", "T1107")
	query.Set("start_date", from.UTC().Format(time.RFC3339))
	query.Set("end_date", to.UTC().Format(time.RFC3339))
	query.Set("fields", "transaction_info")
	query.Set("page_size", "100")

	var views []ports.RefundView
	page := 1
	for {
		query.Set("page", strconv.Itoa(page))
		resp, err := a.do(ctx, http.MethodGet, "/v1/reporting/transactions?"+query.Encode(), nil, "", false)
		if err != nil {
			return nil, err
		}

		var out struct {
			TransactionDetails []struct {
				TransactionInfo struct {
					TransactionID        string      `json:"transaction_id"`
					PayPalReferenceID    string      `json:"paypal_reference_id"`
					TransactionStatus    string      `json:"transaction_status"`
					TransactionAmount    amountValue `json:"transaction_amount"`
					TransactionNote      string      `json:"transaction_note"`
					TransactionInitiated string      `json:"transaction_initiation_date"`
				} `json:"transaction_info"`
			} `json:"transaction_details"`
			TotalPages int `json:"total_pages"`
		}
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("decode transactions response: %w", err)
		}

		for _, d := range out.TransactionDetails {
			info := d.TransactionInfo
			if filter.ExternalPaymentID != "" && info.PayPalReferenceID != filter.ExternalPaymentID {
				continue
			}
			created, _ := time.Parse(time.RFC3339, info.TransactionInitiated)
			minor := valueToMinor(info.TransactionAmount.Value)
			if minor < 0 {
				minor = -minor // refunds report as negative amounts
			}
			views = append(views, ports.RefundView{
				ExternalRefundID:  info.TransactionID,
				ExternalPaymentID: info.PayPalReferenceID,
				AmountMinor:       minor,
				Reason:            info.TransactionNote,
				RawStatus:         info.TransactionStatus,
				Status:            normalizeTransactionStatus(info.TransactionStatus),
				CreatedAt:         created,
			})
		}

		if page >= out.TotalPages || out.TotalPages == 0 {
			return views, nil
		}
		page++
	}
}

// HealthCheck verifies the client credentials by acquiring a token
func (a *Adapter) HealthCheck(ctx context.Context) (*ports.HealthResult, error) {
	// Force a fresh token so stale cached credentials cannot mask a
	// revoked application.
	a.mu.Lock()
	a.accessToken = ""
	a.mu.Unlock()

	if _, err := a.token(ctx); err != nil {
		return &ports.HealthResult{OK: false, Details: err.Error()}, nil
	}
	return &ports.HealthResult{OK: true, Details: "oauth token issued"}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, payload interface{}, requestID string, mutating bool) (*processor.Response, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, err
	}

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		header.Set("PayPal-Request-Id", requestID)
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

// mapError translates a PayPal error envelope into the domain taxonomy
func (a *Adapter) mapError(resp *processor.Response) error {
	var body errorEnvelope
	_ = json.Unmarshal(resp.Body, &body)

	issue := ""
	detail := body.Message
	if len(body.Details) > 0 {
		issue = body.Details[0].Issue
		if body.Details[0].Description != "" {
			detail = body.Details[0].Description
		}
	}

	a.logger.Warn("paypal api error",
		zap.Int("status_code", resp.StatusCode),
		zap.String("name", body.Name),
		zap.String("issue", issue),
	)

	switch {
	case issue == "DUPLICATE_INVOICE_ID", issue == "DUPLICATE_REQUEST_ID":
		return domain.NewDomainError(domain.ErrorCodeDuplicate, "request id already used").
			WithDetail("processor_code", issue)
	case issue == "INSTRUMENT_DECLINED", issue == "PAYER_CANNOT_PAY",
		issue == "TRANSACTION_REFUSED", body.Name == "UNPROCESSABLE_ENTITY" && issue == "CARD_EXPIRED":
		return domain.NewDomainError(domain.ErrorCodeProcessorDeclined, detail).
			WithDetail("processor_code", issue)
	case resp.StatusCode == http.StatusUnauthorized, body.Name == "AUTHENTICATION_FAILURE":
		return domain.ErrConfigurationError.WithDetail("reason", "paypal rejected credentials")
	case resp.StatusCode == http.StatusNotFound, body.Name == "RESOURCE_NOT_FOUND":
		return domain.ErrPaymentNotFound.WithDetail("processor_code", issue)
	case body.Name == "INVALID_REQUEST", body.Name == "VALIDATION_ERROR":
		return domain.NewDomainError(domain.ErrorCodeValidation, detail).
			WithDetail("processor_code", issue)
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewDomainError(domain.ErrorCodeProcessorUnavailable, "paypal rate limit").
			WithDetail("processor_code", issue)
	default:
		if detail == "" {
			detail = fmt.Sprintf("paypal returned %d", resp.StatusCode)
		}
		return domain.NewDomainError(domain.ErrorCodeProcessorUnavailable, detail).
			WithDetail("processor_code", issue)
	}
}

func firstCapture(units []purchaseUnit) *captureObject {
	for _, u := range units {
		if len(u.Payments.Captures) > 0 {
			return &u.Payments.Captures[0]
		}
	}
	return nil
}

// normalizeCaptureStatus maps capture statuses into the local set
func normalizeCaptureStatus(raw string) domain.PaymentStatus {
	switch raw {
	case "COMPLETED":
		return domain.PaymentStatusCompleted
	case "PENDING":
		return domain.PaymentStatusPending
	case "DECLINED", "FAILED":
		return domain.PaymentStatusFailed
	case "REFUNDED", "PARTIALLY_REFUNDED":
		return domain.PaymentStatusCompleted
	default:
		return domain.PaymentStatusPending
	}
}

// normalizeRefundStatus maps refund statuses into the local set
func normalizeRefundStatus(raw string) domain.RefundRecordStatus {
	switch raw {
	case "COMPLETED":
		return domain.RefundRecordCompleted
	case "PENDING":
		return domain.RefundRecordPending
	case "FAILED":
		return domain.RefundRecordFailed
	case "CANCELLED":
		return domain.RefundRecordRejected
	default:
		return domain.RefundRecordPending
	}
}

// normalizeTransactionStatus maps reporting API status codes (S, P, D, V)
func normalizeTransactionStatus(raw string) domain.RefundRecordStatus {
	switch raw {
	case "S":
		return domain.RefundRecordCompleted
	case "P":
		return domain.RefundRecordPending
	case "D":
		return domain.RefundRecordFailed
	case "V":
		return domain.RefundRecordRejected
	default:
		return domain.RefundRecordCompleted
	}
}
