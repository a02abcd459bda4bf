// Package stripe implements the processor gateway for the Stripe API using
// PaymentIntents and Refunds. Stripe takes form-encoded bodies and an
// Idempotency-Key header.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/adapters/processor"
	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
)

const baseURL = "https://api.stripe.com"

// Adapter talks to one Stripe account. Stripe has no sandbox host; test
// mode is selected by the key itself.
type Adapter struct {
	client    *processor.Client
	logger    *zap.Logger
	secretKey string
	currency  string
}

// New creates a Stripe gateway for the given configuration
func New(cfg *domain.ProcessorConfig, clientCfg processor.ClientConfig, logger *zap.Logger) *Adapter {
	return &Adapter{
		client:    processor.NewClient(clientCfg, logger),
		logger:    logger,
		secretKey: cfg.Credentials.AccessToken,
		currency:  cfg.Currency,
	}
}

// Kind identifies the processor
func (a *Adapter) Kind() domain.ProcessorKind {
	return domain.ProcessorStripe
}

type chargeObject struct {
	ID                   string `json:"id"`
	ReceiptURL           string `json:"receipt_url"`
	PaymentMethodDetails struct {
		Card struct {
			Brand    string `json:"brand"`
			Last4    string `json:"last4"`
			ExpMonth int    `json:"exp_month"`
			ExpYear  int    `json:"exp_year"`
		} `json:"card"`
	} `json:"payment_method_details"`
}

type intentObject struct {
	ID             string        `json:"id"`
	Status         string        `json:"status"`
	Amount         int64         `json:"amount"`
	AmountReceived int64         `json:"amount_received"`
	LatestCharge   *chargeObject `json:"latest_charge"`
}

type refundObject struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	Created       int64  `json:"created"` // epoch seconds
}

type errorObject struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

// Charge creates and confirms a payment intent in one call
func (a *Adapter) Charge(ctx context.Context, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinor, 10))
	form.Set("currency", a.currency)
	form.Set("payment_method", req.SourceToken)
	form.Set("confirm", "true")
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("automatic_payment_methods[allow_redirects]", "never")
	form.Add("expand[]", "latest_charge")
	if req.BuyerEmail != "" {
		form.Set("receipt_email", req.BuyerEmail)
	}
	if req.Note != "" {
		form.Set("description", req.Note)
	}
	if req.Reference != "" {
		form.Set("metadata[reference]", req.Reference)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	resp, err := a.do(ctx, http.MethodPost, "/v1/payment_intents", form, req.IdempotencyKey, true)
	if err != nil {
		return nil, err
	}

	var intent intentObject
	if err := json.Unmarshal(resp.Body, &intent); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}

	result := &ports.ChargeResult{
		ExternalID: intent.ID,
		Status:     normalizeIntentStatus(intent.Status),
		RawStatus:  intent.Status,
	}
	if c := intent.LatestCharge; c != nil {
		result.OrderID = c.ID
		result.ReceiptURL = c.ReceiptURL
		result.Card = &domain.CardFingerprint{
			Brand:    c.PaymentMethodDetails.Card.Brand,
			Last4:    c.PaymentMethodDetails.Card.Last4,
			ExpMonth: c.PaymentMethodDetails.Card.ExpMonth,
			ExpYear:  c.PaymentMethodDetails.Card.ExpYear,
		}
	}
	return result, nil
}

// Refund returns part or all of a payment intent
func (a *Adapter) Refund(ctx context.Context, externalPaymentID string, amountMinor int64, reason, idempotencyKey string) (*ports.RefundResult, error) {
	form := url.Values{}
	form.Set("payment_intent", externalPaymentID)
	form.Set("amount", strconv.FormatInt(amountMinor, 10))
	if r := stripeReason(reason); r != "" {
		form.Set("reason", r)
	}

	resp, err := a.do(ctx, http.MethodPost, "/v1/refunds", form, idempotencyKey, true)
	if err != nil {
		return nil, err
	}

	var refund refundObject
	if err := json.Unmarshal(resp.Body, &refund); err != nil {
		return nil, fmt.Errorf("decode refund: %w", err)
	}
	return &ports.RefundResult{
		ExternalRefundID: refund.ID,
		Status:           normalizeRefundStatus(refund.Status),
		RawStatus:        refund.Status,
	}, nil
}

// FetchPayment returns Stripe's current view of a payment intent
func (a *Adapter) FetchPayment(ctx context.Context, externalPaymentID string) (*ports.PaymentView, error) {
	resp, err := a.do(ctx, http.MethodGet,
		"/v1/payment_intents/"+url.PathEscape(externalPaymentID), nil, "", false)
	if err != nil {
		return nil, err
	}

	var intent intentObject
	if err := json.Unmarshal(resp.Body, &intent); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}

	// Refunded total requires the refunds list; Stripe does not put it on
	// the intent itself.
	refunds, err := a.ListRefunds(ctx, ports.RefundFilter{ExternalPaymentID: intent.ID})
	if err != nil {
		return nil, err
	}
	var refunded int64
	for _, r := range refunds {
		if r.Status == domain.RefundRecordCompleted {
			refunded += r.AmountMinor
		}
	}

	return &ports.PaymentView{
		ExternalID:    intent.ID,
		AmountMinor:   intent.Amount,
		RefundedMinor: refunded,
		RawStatus:     intent.Status,
		Status:        normalizeIntentStatus(intent.Status),
	}, nil
}

// ListRefunds lists refunds for a payment intent or time window
func (a *Adapter) ListRefunds(ctx context.Context, filter ports.RefundFilter) ([]ports.RefundView, error) {
	query := url.Values{}
	query.Set("limit", "100")
	if filter.ExternalPaymentID != "" {
		query.Set("payment_intent", filter.ExternalPaymentID)
	}
	if !filter.From.IsZero() {
		query.Set("created[gte]", strconv.FormatInt(filter.From.Unix(), 10))
	}
	if !filter.To.IsZero() {
		query.Set("created[lte]", strconv.FormatInt(filter.To.Unix(), 10))
	}

	var views []ports.RefundView
	startingAfter := ""
	for {
		if startingAfter != "" {
			query.Set("starting_after", startingAfter)
		}
		resp, err := a.do(ctx, http.MethodGet, "/v1/refunds?"+query.Encode(), nil, "", false)
		if err != nil {
			return nil, err
		}

		var out struct {
			Data    []refundObject `json:"data"`
			HasMore bool           `json:"has_more"`
		}
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("decode refund list: %w", err)
		}

		for _, r := range out.Data {
			views = append(views, ports.RefundView{
				ExternalRefundID:  r.ID,
				ExternalPaymentID: r.PaymentIntent,
				AmountMinor:       r.Amount,
				Reason:            r.Reason,
				RawStatus:         r.Status,
				Status:            normalizeRefundStatus(r.Status),
				CreatedAt:         time.Unix(r.Created, 0).UTC(),
			})
		}

		if !out.HasMore || len(out.Data) == 0 {
			return views, nil
		}
		startingAfter = out.Data[len(out.Data)-1].ID
	}
}

// HealthCheck verifies the key by reading the account balance
func (a *Adapter) HealthCheck(ctx context.Context) (*ports.HealthResult, error) {
	resp, err := a.do(ctx, http.MethodGet, "/v1/balance", nil, "", false)
	if err != nil {
		return &ports.HealthResult{OK: false, Details: err.Error()}, nil
	}

	var balance struct {
		Livemode bool `json:"livemode"`
	}
	if err := json.Unmarshal(resp.Body, &balance); err != nil {
		return &ports.HealthResult{OK: false, Details: "unreadable balance response"}, nil
	}
	mode := "test"
	if balance.Livemode {
		mode = "live"
	}
	return &ports.HealthResult{OK: true, Details: "balance readable, " + mode + " mode"}, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, mutating bool) (*processor.Response, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.secretKey)

	var body []byte
	if form != nil {
		body = []byte(form.Encode())
		header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(ctx, &processor.Request{
		Method:   method,
		URL:      baseURL + path,
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

// mapError translates a Stripe error object into the domain taxonomy
func (a *Adapter) mapError(resp *processor.Response) error {
	var body errorObject
	_ = json.Unmarshal(resp.Body, &body)

	a.logger.Warn("stripe api error",
		zap.Int("status_code", resp.StatusCode),
		zap.String("type", body.Error.Type),
		zap.String("code", body.Error.Code),
	)

	switch {
	case body.Error.Type == "idempotency_error":
		return domain.NewDomainError(domain.ErrorCodeDuplicate, "idempotency key already used").
			WithDetail("processor_code", body.Error.Code)
	case body.Error.Type == "card_error":
		return domain.NewDomainError(domain.ErrorCodeProcessorDeclined, body.Error.Message).
			WithDetail("processor_code", body.Error.Code).
			WithDetail("decline_code", body.Error.DeclineCode)
	case body.Error.Type == "authentication_error", resp.StatusCode == http.StatusUnauthorized:
		return domain.ErrConfigurationError.WithDetail("reason", "stripe rejected credentials")
	case resp.StatusCode == http.StatusNotFound, body.Error.Code == "resource_missing":
		return domain.ErrPaymentNotFound.WithDetail("processor_code", body.Error.Code)
	case body.Error.Type == "invalid_request_error":
		return domain.NewDomainError(domain.ErrorCodeValidation, body.Error.Message).
			WithDetail("processor_code", body.Error.Code)
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewDomainError(domain.ErrorCodeProcessorUnavailable, "stripe rate limit").
			WithDetail("processor_code", body.Error.Code)
	default:
		msg := body.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("stripe returned %d", resp.StatusCode)
		}
		return domain.NewDomainError(domain.ErrorCodeProcessorUnavailable, msg).
			WithDetail("processor_code", body.Error.Code)
	}
}

// stripeReason maps free-form reasons onto Stripe's closed reason set
func stripeReason(reason string) string {
	switch reason {
	case "duplicate", "fraudulent", "requested_by_customer":
		return reason
	case "":
		return ""
	default:
		return "requested_by_customer"
	}
}

// normalizeIntentStatus maps payment intent statuses into the local set
func normalizeIntentStatus(raw string) domain.PaymentStatus {
	switch raw {
	case "succeeded":
		return domain.PaymentStatusCompleted
	case "processing", "requires_action", "requires_confirmation":
		return domain.PaymentStatusPending
	case "canceled", "requires_payment_method":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

// normalizeRefundStatus maps Stripe refund statuses into the local set
func normalizeRefundStatus(raw string) domain.RefundRecordStatus {
	switch raw {
	case "succeeded":
		return domain.RefundRecordCompleted
	case "pending", "requires_action":
		return domain.RefundRecordPending
	case "failed":
		return domain.RefundRecordFailed
	case "canceled":
		return domain.RefundRecordRejected
	default:
		return domain.RefundRecordPending
	}
}
