// Package clover implements the processor gateway for the Clover Ecommerce
// API. Charges run in two steps: create an order, then pay it with the
// tokenized card.
package clover

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

// Adapter talks to one Clover merchant account
type Adapter struct {
	client      *processor.Client
	logger      *zap.Logger
	baseURL     string
	platformURL string
	accessToken string
	merchantID  string
	currency    string
}

// New creates a Clover gateway for the given configuration
func New(cfg *domain.ProcessorConfig, clientCfg processor.ClientConfig, logger *zap.Logger) *Adapter {
	baseURL := "https://scl.clover.com"
	platformURL := "https://api.clover.com"
	if cfg.Environment == domain.EnvironmentSandbox {
		baseURL = "https://scl-sandbox.dev.clover.com"
		platformURL = "https://sandbox.dev.clover.com"
	}
	return &Adapter{
		client:      processor.NewClient(clientCfg, logger),
		logger:      logger,
		baseURL:     baseURL,
		platformURL: platformURL,
		accessToken: cfg.Credentials.AccessToken,
		merchantID:  cfg.Credentials.MerchantID,
		currency:    cfg.Currency,
	}
}

// Kind identifies the processor
func (a *Adapter) Kind() domain.ProcessorKind {
	return domain.ProcessorClover
}

type chargeBody struct {
	ID       string `json:"id"`
	RefNum   string `json:"ref_num"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Refunded int64  `json:"amount_refunded"`
	Source   struct {
		Brand    string `json:"brand"`
		Last4    string `json:"last4"`
		ExpMonth string `json:"exp_month"`
		ExpYear  string `json:"exp_year"`
	} `json:"source"`
}

type refundBody struct {
	ID      string `json:"id"`
	Charge  string `json:"charge"`
	Amount  int64  `json:"amount"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Created int64  `json:"created"` // epoch millis
}

type errorBody struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"`
	} `json:"error"`
}

// Charge creates an order and pays it with the tokenized card
func (a *Adapter) Charge(ctx context.Context, req *ports.ChargeRequest) (*ports.ChargeResult, error) {
	orderPayload := map[string]interface{}{
		"currency": a.currency,
		"email":    req.BuyerEmail,
		"items": []map[string]interface{}{
			{
				"amount":      req.AmountMinor,
				"currency":    a.currency,
				"description": req.Note,
			},
		},
	}
	if req.Reference != "" {
		orderPayload["ref_num"] = req.Reference
	}

	orderResp, err := a.do(ctx, http.MethodPost, a.baseURL+"/v1/orders", orderPayload, req.IdempotencyKey+"-order", true)
	if err != nil {
		return nil, err
	}
	var order struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(orderResp.Body, &order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	payPayload := map[string]interface{}{
		"source": req.SourceToken,
		"email":  req.BuyerEmail,
	}
	payResp, err := a.do(ctx, http.MethodPost,
		a.baseURL+"/v1/orders/"+url.PathEscape(order.ID)+"/pay", payPayload, req.IdempotencyKey, true)
	if err != nil {
		return nil, err
	}

	var charge chargeBody
	if err := json.Unmarshal(payResp.Body, &charge); err != nil {
		return nil, fmt.Errorf("decode pay response: %w", err)
	}

	expMonth, _ := strconv.Atoi(charge.Source.ExpMonth)
	expYear, _ := strconv.Atoi(charge.Source.ExpYear)
	return &ports.ChargeResult{
		ExternalID: charge.ID,
		OrderID:    order.ID,
		Status:     normalizeChargeStatus(charge.Status),
		RawStatus:  charge.Status,
		Card: &domain.CardFingerprint{
			Brand:    charge.Source.Brand,
			Last4:    charge.Source.Last4,
			ExpMonth: expMonth,
			ExpYear:  expYear,
		},
	}, nil
}

// Refund returns part or all of a charge
func (a *Adapter) Refund(ctx context.Context, externalPaymentID string, amountMinor int64, reason, idempotencyKey string) (*ports.RefundResult, error) {
	payload := map[string]interface{}{
		"charge": externalPaymentID,
		"amount": amountMinor,
	}
	if reason != "" {
		payload["reason"] = reason
	}

	resp, err := a.do(ctx, http.MethodPost, a.baseURL+"/v1/refunds", payload, idempotencyKey, true)
	if err != nil {
		return nil, err
	}

	var refund refundBody
	if err := json.Unmarshal(resp.Body, &refund); err != nil {
		return nil, fmt.Errorf("decode refund response: %w", err)
	}
	return &ports.RefundResult{
		ExternalRefundID: refund.ID,
		Status:           normalizeRefundStatus(refund.Status),
		RawStatus:        refund.Status,
	}, nil
}

// FetchPayment returns Clover's current view of a charge
func (a *Adapter) FetchPayment(ctx context.Context, externalPaymentID string) (*ports.PaymentView, error) {
	resp, err := a.do(ctx, http.MethodGet,
		a.baseURL+"/v1/charges/"+url.PathEscape(externalPaymentID), nil, "", false)
	if err != nil {
		return nil, err
	}

	var charge chargeBody
	if err := json.Unmarshal(resp.Body, &charge); err != nil {
		return nil, fmt.Errorf("decode charge response: %w", err)
	}
	return &ports.PaymentView{
		ExternalID:    charge.ID,
		AmountMinor:   charge.Amount,
		RefundedMinor: charge.Refunded,
		RawStatus:     charge.Status,
		Status:        normalizeChargeStatus(charge.Status),
	}, nil
}

// ListRefunds lists refunds for a charge, or across the account when no
// charge filter is given.
func (a *Adapter) ListRefunds(ctx context.Context, filter ports.RefundFilter) ([]ports.RefundView, error) {
	query := url.Values{}
	if filter.ExternalPaymentID != "" {
		query.Set("charge", filter.ExternalPaymentID)
	}

	resp, err := a.do(ctx, http.MethodGet, a.baseURL+"/v1/refunds?"+query.Encode(), nil, "", false)
	if err != nil {
		return nil, err
	}

	var out struct {
		Data []refundBody `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("decode refunds response: %w", err)
	}

	var views []ports.RefundView
	for _, r := range out.Data {
		created := time.UnixMilli(r.Created).UTC()
		if !filter.From.IsZero() && created.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && created.After(filter.To) {
			continue
		}
		views = append(views, ports.RefundView{
			ExternalRefundID:  r.ID,
			ExternalPaymentID: r.Charge,
			AmountMinor:       r.Amount,
			Reason:            r.Reason,
			RawStatus:         r.Status,
			Status:            normalizeRefundStatus(r.Status),
			CreatedAt:         created,
		})
	}
	return views, nil
}

// HealthCheck verifies the credentials can read the merchant record
func (a *Adapter) HealthCheck(ctx context.Context) (*ports.HealthResult, error) {
	resp, err := a.do(ctx, http.MethodGet,
		a.platformURL+"/v3/merchants/"+url.PathEscape(a.merchantID), nil, "", false)
	if err != nil {
		return &ports.HealthResult{OK: false, Details: err.Error()}, nil
	}

	var merchant struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp.Body, &merchant); err != nil {
		return &ports.HealthResult{OK: false, Details: "unreadable merchant response"}, nil
	}
	return &ports.HealthResult{OK: true, Details: "merchant " + merchant.ID + " reachable"}, nil
}

func (a *Adapter) do(ctx context.Context, method, fullURL string, payload interface{}, idempotencyKey string, mutating bool) (*processor.Response, error) {
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
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(ctx, &processor.Request{
		Method:   method,
		URL:      fullURL,
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

// mapError translates a Clover error body into the domain taxonomy
func (a *Adapter) mapError(resp *processor.Response) error {
	var body errorBody
	_ = json.Unmarshal(resp.Body, &body)

	a.logger.Warn("clover api error",
		zap.Int("status_code", resp.StatusCode),
		zap.String("type", body.Error.Type),
		zap.String("code", body.Error.Code),
	)

	switch {
	case body.Error.Code == "idempotency_key_in_use":
		return domain.NewDomainError(domain.ErrorCodeDuplicate, "idempotency key already used").
			WithDetail("processor_code", body.Error.Code)
	case body.Error.Type == "card_error", body.Error.Code == "card_declined",
		body.Error.DeclineCode != "":
		return domain.NewDomainError(domain.ErrorCodeProcessorDeclined, body.Error.Message).
			WithDetail("processor_code", body.Error.Code).
			WithDetail("decline_code", body.Error.DeclineCode)
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.ErrConfigurationError.WithDetail("reason", "clover rejected credentials")
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrPaymentNotFound.WithDetail("processor_code", body.Error.Code)
	case body.Error.Type == "invalid_request_error":
		return domain.NewDomainError(domain.ErrorCodeValidation, body.Error.Message).
			WithDetail("processor_code", body.Error.Code)
	default:
		msg := body.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("clover returned %d", resp.StatusCode)
		}
		return domain.NewDomainError(domain.ErrorCodeProcessorUnavailable, msg).
			WithDetail("processor_code", body.Error.Code)
	}
}

// normalizeChargeStatus maps Clover charge statuses into the local set.
// Both paid and authorized count as money captured.
func normalizeChargeStatus(raw string) domain.PaymentStatus {
	switch raw {
	case "succeeded", "paid", "authorized":
		return domain.PaymentStatusCompleted
	case "pending":
		return domain.PaymentStatusPending
	case "failed", "canceled":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

// normalizeRefundStatus maps Clover refund statuses into the local set
func normalizeRefundStatus(raw string) domain.RefundRecordStatus {
	switch raw {
	case "succeeded", "successful":
		return domain.RefundRecordCompleted
	case "pending", "processing":
		return domain.RefundRecordPending
	case "failed":
		return domain.RefundRecordFailed
	default:
		return domain.RefundRecordPending
	}
}
