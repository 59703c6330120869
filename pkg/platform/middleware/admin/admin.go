// Package admin gates routes to identities whose effective role set carries
// admin. Impersonation counts: an admin viewing as a non-admin is locked out
// of these routes for the duration.
package admin

import (
	"context"
	"log/slog"
	"net/http"

	dErrors "opsgate/pkg/domain-errors"
	"opsgate/pkg/platform/httputil"
	"opsgate/pkg/requestcontext"
)

// Checker answers the admin question for the request's effective identity.
type Checker interface {
	IsAdmin(ctx context.Context) bool
}

// RequireAdmin rejects requests whose effective identity is not an admin.
// Must run after auth middleware.
func RequireAdmin(checker Checker, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !checker.IsAdmin(ctx) {
				logger.WarnContext(ctx, "admin route denied",
					"request_id", requestcontext.RequestID(ctx),
					"user_id", requestcontext.UserID(ctx).String(),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
