package api

import (
	"context"
	"net/http"

	"github.com/clubhoops/payment-service/internal/domain"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	userRoleKey contextKey = "user_role"
)

// RoleAdmin marks club administrators; everyone else is a parent-side caller
const RoleAdmin = "admin"

// Identity extracts the caller identity set upstream by the auth gateway.
// This service trusts the X-User-Id and X-User-Role headers; the gateway
// strips them from external traffic.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = context.WithValue(ctx, userIDKey, r.Header.Get("X-User-Id"))
		ctx = context.WithValue(ctx, userRoleKey, r.Header.Get("X-User-Role"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the calling user's id, or ""
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// IsAdmin reports whether the caller has the admin role
func IsAdmin(ctx context.Context) bool {
	role, _ := ctx.Value(userRoleKey).(string)
	return role == RoleAdmin
}

// RequireAdmin rejects non-admin callers with UNAUTHORIZED
func RequireAdmin(rs *Responder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsAdmin(r.Context()) {
				rs.Error(w, r, domain.ErrUnauthorized.WithDetail("reason", "admin role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
