package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/clubhoops/payment-service/pkg/observability"
)

// Mountable is implemented by handler groups that register their own routes
type Mountable interface {
	Routes(r chi.Router)
}

// NewRouter assembles the API router: request id, logging, recovery,
// metrics, identity extraction, then the handler groups.
func NewRouter(logger *zap.Logger, payments, refunds, configs Mountable) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(observability.Middleware)
	r.Use(Identity)

	r.Route("/payments", payments.Routes)
	r.Route("/refunds", refunds.Routes)
	r.Route("/payment-config", configs.Routes)

	return r
}

// requestLogger logs each request with zap at completion
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
