// Package auth guards routes behind a validated access token and a live
// session.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	id "opsgate/pkg/domain"
	dErrors "opsgate/pkg/domain-errors"
	"opsgate/pkg/platform/httputil"
	"opsgate/pkg/requestcontext"
)

// Claims is what the middleware needs from a validated token.
type Claims struct {
	UserID    id.UserID
	SessionID id.SessionID
}

// TokenValidator verifies an access token and returns its claims.
type TokenValidator interface {
	Validate(tokenString string) (Claims, error)
}

// SessionChecker reports whether the session behind a token is still live.
// A signed token outlives a revoked session; this check closes that gap.
type SessionChecker interface {
	IsActive(ctx context.Context, sessionID id.SessionID) bool
}

// RequireAuth rejects requests without a valid bearer token backed by a live
// session, and stores the authenticated identity in the context.
func RequireAuth(validator TokenValidator, sessions SessionChecker, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := requestcontext.RequestID(ctx)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token", "request_id", requestID)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			claims, err := validator.Validate(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"request_id", requestID, "error", err)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			if sessions != nil && !sessions.IsActive(ctx, claims.SessionID) {
				logger.WarnContext(ctx, "unauthorized access - session revoked",
					"request_id", requestID, "session_id", claims.SessionID.String())
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "session has been revoked"))
				return
			}

			ctx = requestcontext.WithUserID(ctx, claims.UserID)
			ctx = requestcontext.WithSessionID(ctx, claims.SessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
