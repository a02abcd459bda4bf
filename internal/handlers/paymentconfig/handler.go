// Package paymentconfig exposes processor configuration management and the
// public frontend configuration endpoint. Credentials never leave the
// service: admin responses are redacted, the frontend view is a fixed
// non-sensitive projection.
package paymentconfig

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/internal/api"
	"github.com/clubhoops/payment-service/internal/domain"
	"github.com/clubhoops/payment-service/internal/services/registry"
)

// Handler serves /payment-config
type Handler struct {
	registry *registry.Registry
	rs       *api.Responder
	logger   *zap.Logger
}

// NewHandler creates the configuration handler
func NewHandler(reg *registry.Registry, rs *api.Responder, logger *zap.Logger) *Handler {
	return &Handler{registry: reg, rs: rs, logger: logger}
}

// Routes mounts the configuration endpoints
func (h *Handler) Routes(r chi.Router) {
	r.Get("/frontend/config", h.Frontend)

	r.Group(func(r chi.Router) {
		r.Use(api.RequireAdmin(h.rs))
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{configID}", h.Get)
		r.Put("/{configID}", h.Update)
		r.Delete("/{configID}", h.Delete)
		r.Post("/{configID}/default", h.SetDefault)
		r.Post("/{configID}/test", h.Test)
		r.Post("/test/all", h.TestAll)
	})
}

// Frontend is the public projection for the browser payment SDK
func (h *Handler) Frontend(w http.ResponseWriter, r *http.Request) {
	view, err := h.registry.Frontend(r.Context())
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, view)
}

// List returns all configurations, redacted
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	configs, err := h.registry.List(r.Context())
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	redacted := make([]domain.ProcessorConfig, 0, len(configs))
	for _, cfg := range configs {
		redacted = append(redacted, cfg.Redacted())
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"configurations": redacted,
	})
}

// Get returns one configuration, redacted
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.registry.Get(r.Context(), chi.URLParam(r, "configID"))
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"configuration": cfg.Redacted(),
	})
}

// Create persists a new configuration
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var cfg domain.ProcessorConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.rs.Error(w, r, domain.ErrValidation.WithDetail("reason", "malformed request body"))
		return
	}

	created, err := h.registry.Create(r.Context(), &cfg, api.UserID(r.Context()))
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusCreated, map[string]interface{}{
		"success":       true,
		"configuration": created.Redacted(),
	})
}

// Update rewrites a configuration
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var cfg domain.ProcessorConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.rs.Error(w, r, domain.ErrValidation.WithDetail("reason", "malformed request body"))
		return
	}
	cfg.ID = chi.URLParam(r, "configID")

	updated, err := h.registry.Update(r.Context(), &cfg, api.UserID(r.Context()))
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"configuration": updated.Redacted(),
	})
}

// Delete removes a configuration
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "configID")); err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// SetDefault promotes a configuration to charging default
func (h *Handler) SetDefault(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "configID")
	if err := h.registry.SetDefault(r.Context(), id, api.UserID(r.Context())); err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type testResult struct {
	ConfigurationID string `json:"configurationId"`
	Kind            string `json:"kind"`
	OK              bool   `json:"ok"`
	Details         string `json:"details,omitempty"`
}

// Test runs the health probe for one configuration
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "configID")
	cfg, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	health, err := h.registry.Test(r.Context(), id)
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result": testResult{
			ConfigurationID: id,
			Kind:            string(cfg.Kind),
			OK:              health.OK,
			Details:         health.Details,
		},
	})
}

// TestAll runs the health probe for every configuration. Probe failures
// are reported per configuration; the request itself succeeds.
func (h *Handler) TestAll(w http.ResponseWriter, r *http.Request) {
	configs, err := h.registry.List(r.Context())
	if err != nil {
		h.rs.Error(w, r, err)
		return
	}

	results := make([]testResult, 0, len(configs))
	for _, cfg := range configs {
		health, err := h.registry.Test(r.Context(), cfg.ID)
		result := testResult{ConfigurationID: cfg.ID, Kind: string(cfg.Kind)}
		if err != nil {
			result.Details = err.Error()
		} else {
			result.OK = health.OK
			result.Details = health.Details
		}
		results = append(results, result)
	}
	h.rs.JSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": results,
	})
}
