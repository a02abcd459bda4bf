// Package payment exposes the charge, ledger query, and reconciliation
// endpoints.
package payment

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/api"
	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
	"github.com/clubhoops/payment-service/internal/services/charge"
	"github.com/clubhoops/payment-service/internal/services/reconcile"
)

// Handler serves /payments
type Handler struct {
	charges    *charge.Service
	payments   ports.PaymentRepository
	reconciler *reconcile.Reconciler
	rs         *api.Responder
	logger     *zap.Logger
}

// NewHandler creates the payments handler
func NewHandler(charges *charge.Service, payments ports.PaymentRepository,
	reconciler *reconcile.Reconciler, rs *api.Responder, logger *zap.Logger) *Handler {
	return &Handler{
		charges:    charges,
		payments:   payments,
		reconciler: reconciler,
		rs:         rs,
		logger:     logger,
	}
}

// Routes mounts the payment endpoints
func (h *Handler) Routes(r chi.Router) {
	r.Post("/charge", h.Charge)
	r.Get("/{paymentID}/details", h.Details)
	r.Get("/{paymentID}/refund-eligibility", h.RefundEligibility)
	r.Get("/parent/{parentID}", h.ListByParent)

	r.Group(func(r chi.Router) {
		r.Use(api.RequireAdmin(h.rs))
		r.Get("/", h.List)
		r.Post("/{paymentID}/sync-refunds", h.SyncOne)
		r.Post("/sync/refunds", h.SyncAll)
		r.Post("/sync/refunds/by-date", h.SyncByDateRange)
	})
}

type chargeRequest struct {
	SourceToken        string                  `json:"sourceToken"`
	Amount             int64                   `json:"amount"` // minor units
	ParentID           string                  `json:"parentId"`
	PlayerIDs          []string                `json:"playerIds,omitempty"`
	TeamIDs            []string                `json:"teamIds,omitempty"`
	RegistrationIDs    []string                `json:"registrationIds,omitempty"`
	Season             string                  `json:"season,omitempty"`
	Year               int                     `json:"year,omitempty"`
	TryoutID           string                  `json:"tryoutId,omitempty"`
	BuyerEmail         string                  `json:"buyerEmail"`
	Note               string                  `json:"note,omitempty"`
	CardDetails        *domain.CardFingerprint `json:"cardDetails,omitempty"`
	PreferredProcessor domain.ProcessorKind    `json:"preferredProcessor,omitempty"`
	Metadata           map[string]string       `json:"metadata,omitempty"`
}

type chargeResponse struct {
	Success bool           `json:"success"`
	Payment chargedPayment `json:"payment"`
}

type chargedPayment struct {
	ID             string          `json:"id"`
	ExternalID     string          `json:"externalId"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	ReceiptURL     string          `json:"receiptUrl,omitempty"`
	PlayersUpdated int             `json:"playersUpdated"`
	ParentUpdated  bool            `json:"parentUpdated"`
}

// Charge runs the charge orchestrator
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rs.Error(w, r, domain.ErrValidation.WithDetail("reason", "malformed request body"))
		return
	}

	ctx := r.Context()
	if !api.IsAdmin(ctx) && api.UserID(ctx) != req.ParentID {
		h.rs.Error(w, r, domain.ErrUnauthorized.WithDetail("reason", "caller may only charge their own account"))
		return
	}

	entry, err := h.charges.Charge(ctx, &charge.Input{
		SourceToken:     req.SourceToken,
		Amount:          domain.AmountFromMinorUnits(req.Amount),
		BuyerEmail:      req.BuyerEmail,
		ParentID:        req.ParentID,
		PlayerIDs:       req.PlayerIDs,
		TeamIDs:         req.TeamIDs,
		RegistrationIDs: req.RegistrationIDs,
		Season:          req.Season,
		Year:            req.Year,
		TryoutID:        req.TryoutID,
		Note:            req.Note,
		Processor:       req.PreferredProcessor,
		Card:            req.CardDetails,
		Metadata:        req.Metadata,
	})
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	completed := entry.Status == domain.PaymentStatusCompleted
	h.rs.JSON(w, http.StatusCreated, chargeResponse{
		Success: true,
		Payment: chargedPayment{
			ID:             entry.ID,
			ExternalID:     entry.ExternalPaymentID,
			Amount:         entry.Amount,
			Status:         string(entry.Status),
			ReceiptURL:     entry.ReceiptURL,
			PlayersUpdated: len(entry.PlayerIDs),
			ParentUpdated:  completed,
		},
	})
}

// Details returns a role-filtered ledger entry
func (h *Handler) Details(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, err := h.payments.GetByID(ctx, nil, chi.URLParam(r, "paymentID"))
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	if !api.IsAdmin(ctx) && entry.ParentID != api.UserID(ctx) {
		h.rs.Error(w, r, domain.ErrUnauthorized.WithDetail("reason", "caller does not own this payment"))
		return
	}

	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"payment": viewFor(entry, api.IsAdmin(ctx)),
	})
}

type eligibilityResponse struct {
	CanRefund       bool            `json:"canRefund"`
	AvailableAmount decimal.Decimal `json:"availableAmount"`
	OriginalAmount  decimal.Decimal `json:"originalAmount"`
	AlreadyRefunded decimal.Decimal `json:"alreadyRefunded"`
	RefundStatus    string          `json:"refundStatus"`
	Currency        string          `json:"currency"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// RefundEligibility reports how much of a payment can still be refunded.
// canRefund is true only for admins, who are the only role allowed to
// process refunds.
func (h *Handler) RefundEligibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, err := h.payments.GetByID(ctx, nil, chi.URLParam(r, "paymentID"))
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	if !api.IsAdmin(ctx) && entry.ParentID != api.UserID(ctx) {
		h.rs.Error(w, r, domain.ErrUnauthorized.WithDetail("reason", "caller does not own this payment"))
		return
	}

	h.rs.JSON(w, http.StatusOK, eligibilityResponse{
		CanRefund:       api.IsAdmin(ctx) && entry.CanBeRefunded(),
		AvailableAmount: entry.Refundable(),
		OriginalAmount:  entry.Amount,
		AlreadyRefunded: entry.RefundedAmount,
		RefundStatus:    string(entry.RefundStatus),
		Currency:        entry.Currency,
		CreatedAt:       entry.CreatedAt,
	})
}

// ListByParent lists a parent's ledger entries
func (h *Handler) ListByParent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	parentID := chi.URLParam(r, "parentID")
	if !api.IsAdmin(ctx) && parentID != api.UserID(ctx) {
		h.rs.Error(w, r, domain.ErrUnauthorized.WithDetail("reason", "caller may only list their own payments"))
		return
	}

	limit, offset := pagination(r)
	entries, err := h.payments.ListByParent(ctx, nil, parentID, limit, offset)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	admin := api.IsAdmin(ctx)
	views := make([]*domain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewFor(e, admin))
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"payments": views,
	})
}

// List is the admin ledger listing with pagination and filters
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	entries, err := h.payments.List(r.Context(), nil, ports.PaymentListFilter{
		ParentID: r.URL.Query().Get("parentId"),
		Status:   domain.PaymentStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"payments": entries,
		"limit":    limit,
		"offset":   offset,
	})
}

// SyncOne reconciles one payment
func (h *Handler) SyncOne(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.SyncOne(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{"success": true, "report": report})
}

// SyncAll reconciles every reconcilable payment
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.SyncAll(r.Context())
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{"success": true, "report": report})
}

type dateRangeRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SyncByDateRange reconciles payments created inside a window
func (h *Handler) SyncByDateRange(w http.ResponseWriter, r *http.Request) {
	var req dateRangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rs.Error(w, r, domain.ErrValidation.WithDetail("reason", "malformed request body"))
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		h.rs.Error(w, r, domain.ErrValidation.WithDetail("reason", "from and to are required"))
		return
	}

	report, err := h.reconciler.SyncByDateRange(r.Context(), req.From, req.To)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{"success": true, "report": report})
}

// viewFor returns the entry as-is for admins; for parents it strips
// processor internals and the card fingerprint.
func viewFor(entry *domain.LedgerEntry, admin bool) *domain.LedgerEntry {
	if admin {
		return entry
	}
	view := *entry
	view.ExternalPaymentID = ""
	view.ExternalOrderID = ""
	view.ConfigurationID = ""
	view.Card = domain.CardFingerprint{}
	view.Metadata = nil
	return &view
}

func pagination(r *http.Request) (limit, offset int32) {
	limit = 50
	page := int32(1)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parseInt32(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := parseInt32(v); err == nil && n > 0 {
			page = n
		}
	}
	return limit, (page - 1) * limit
}

func parseInt32(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return int32(n), err
}
