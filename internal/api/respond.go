package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/domain"
)

// ErrorResponse is the error envelope returned on every failure
type ErrorResponse struct {
	Success bool                   `json:"success"`
	Code    domain.ErrorCode       `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Responder serializes responses and maps domain errors to HTTP statuses.
// Details are echoed only outside production so processor internals cannot
// leak to end users.
type Responder struct {
	logger        *zap.Logger
	exposeDetails bool
}

// NewResponder creates a responder. exposeDetails should be false in production.
func NewResponder(logger *zap.Logger, exposeDetails bool) *Responder {
	return &Responder{logger: logger, exposeDetails: exposeDetails}
}

// JSON writes a JSON body with the given status
func (rs *Responder) JSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		rs.logger.Error("encode response failed", zap.Error(err))
	}
}

// Error maps a domain error onto the HTTP surface
func (rs *Responder) Error(w http.ResponseWriter, r *http.Request, err error) {
	domErr := domain.AsDomainError(err)
	status := statusFor(domErr.Code)

	if status >= 500 {
		rs.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(domErr.Code)),
			zap.Error(err),
		)
	} else {
		rs.logger.Info("request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(domErr.Code)),
		)
	}

	resp := ErrorResponse{
		Success: false,
		Code:    domErr.Code,
		Message: domErr.Message,
	}
	if rs.exposeDetails && len(domErr.Details) > 0 {
		resp.Details = domErr.Details
	}
	rs.JSON(w, status, resp)
}

// statusFor maps the error taxonomy onto HTTP statuses
func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.ErrorCodeValidation,
		domain.ErrorCodeAlreadyRefunded,
		domain.ErrorCodeRefundAlreadyPending,
		domain.ErrorCodeAmountExceedsRefundable,
		domain.ErrorCodeConfigurationError:
		return http.StatusBadRequest
	case domain.ErrorCodeProcessorDeclined:
		return http.StatusPaymentRequired
	case domain.ErrorCodeUnauthorized:
		return http.StatusForbidden
	case domain.ErrorCodePaymentNotFound, domain.ErrorCodeRefundNotFound:
		return http.StatusNotFound
	case domain.ErrorCodeProcessorUnavailable:
		return http.StatusRequestTimeout
	case domain.ErrorCodeAlreadyProcessed, domain.ErrorCodeDuplicate:
		return http.StatusConflict
	case domain.ErrorCodeIndeterminate, domain.ErrorCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
