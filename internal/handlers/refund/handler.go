// Package refund exposes the refund request/process endpoints and the
// admin refund queues.
package refund

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/api"
	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/domain/ports"
	"github.com/clubhoops/payment-service/internal/services/refund"
)

// Handler serves /refunds
type Handler struct {
	refunds  *refund.Service
	payments ports.PaymentRepository
	rs       *api.Responder
	logger   *zap.Logger
}

// NewHandler creates the refunds handler
func NewHandler(refunds *refund.Service, payments ports.PaymentRepository,
	rs *api.Responder, logger *zap.Logger) *Handler {
	return &Handler{refunds: refunds, payments: payments, rs: rs, logger: logger}
}

// Routes mounts the refund endpoints
func (h *Handler) Routes(r chi.Router) {
	r.Post("/request", h.Request)

	r.Group(func(r chi.Router) {
		r.Use(api.RequireAdmin(h.rs))
		r.Post("/process", h.Process)
		r.Get("/all", h.All)
		r.Get("/pending", h.Pending)
	})
}

type requestBody struct {
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"` // minor units; 0 means full remaining
	Reason    string `json:"reason,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// Request records a pending refund. Parents may only request against their
// own payments; admins against any.
func (h *Handler) Request(w http.ResponseWriter, r *http.Request) {
	var req requestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rs.Error(w, r, domain.ErrValidation.WithDetail("reason", "malformed request body"))
		return
	}

	ctx := r.Context()
	source := domain.RefundSourceAdminDashboard
	if !api.IsAdmin(ctx) {
		source = domain.RefundSourceWeb
		entry, err := h.payments.GetByID(ctx, nil, req.PaymentID)
		if err != nil {
			h.rs.Error(w, r, err)
			return
		}
		if entry.ParentID != api.UserID(ctx) {
			h.rs.Error(w, r, domain.ErrUnauthorized.WithDetail("reason", "caller does not own this payment"))
			return
		}
	}

	record, err := h.refunds.Request(ctx, &refund.RequestInput{
		PaymentID:   req.PaymentID,
		Amount:      domain.AmountFromMinorUnits(req.Amount),
		Reason:      req.Reason,
		Notes:       req.Notes,
		RequestedBy: api.UserID(ctx),
		Source:      source,
	})
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"refund":  record,
	})
}

type processBody struct {
	PaymentID  string `json:"paymentId"`
	RefundID   string `json:"refundId"`
	Action     string `json:"action"` // approve | reject
	AdminNotes string `json:"adminNotes,omitempty"`
}

// Process approves or rejects a pending refund
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req processBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rs.Error(w, r, domain.ErrValidation.WithDetail("reason", "malformed request body"))
		return
	}
	if req.Action != "approve" && req.Action != "reject" {
		h.rs.Error(w, r, domain.ErrValidation.WithDetail("reason", `action must be "approve" or "reject"`))
		return
	}

	record, err := h.refunds.Process(r.Context(), &refund.ProcessInput{
		PaymentID:  req.PaymentID,
		RefundID:   req.RefundID,
		Approve:    req.Action == "approve",
		RefundedBy: api.UserID(r.Context()),
		Notes:      req.AdminNotes,
	})
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"refund":  record,
	})
}

// All lists every refund record across the ledger
func (h *Handler) All(w http.ResponseWriter, r *http.Request) {
	items, err := h.payments.ListRefundRecords(r.Context(), nil, "", 500)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"refunds": queueViews(items),
	})
}

// Pending lists refund records awaiting processing
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	items, err := h.refunds.PendingQueue(r.Context(), 500)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"refunds": queueViews(items),
	})
}

type queueView struct {
	PaymentID  string               `json:"paymentId"`
	ParentID   string               `json:"parentId"`
	BuyerEmail string               `json:"buyerEmail"`
	Processor  domain.ProcessorKind `json:"processor"`
	Refund     domain.RefundRecord  `json:"refund"`
}

func queueViews(items []ports.RefundListItem) []queueView {
	views := make([]queueView, 0, len(items))
	for _, item := range items {
		views = append(views, queueView{
			PaymentID:  item.Payment.ID,
			ParentID:   item.Payment.ParentID,
			BuyerEmail: item.Payment.BuyerEmail,
			Processor:  item.Payment.Processor,
			Refund:     item.Refund,
		})
	}
	return views
}
