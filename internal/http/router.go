// Package httpapi composes the public HTTP surface: middleware chain,
// health and metrics endpoints, and the versioned API routes.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authzhandler "opsgate/internal/authz/handler"
	"opsgate/internal/session"
	sessionhandler "opsgate/internal/session/handler"
	"opsgate/pkg/platform/middleware/auth"
	"opsgate/pkg/platform/middleware/metadata"
	"opsgate/pkg/platform/middleware/request"
	"opsgate/pkg/platform/middleware/requesttime"
)

// Deps collects everything the router needs.
type Deps struct {
	Sessions       *session.Service
	Tokens         *session.TokenManager
	SessionHandler *sessionhandler.Handler
	AuthzHandler   *authzhandler.Handler
	Logger         *slog.Logger
}

// NewRouter builds the full router: request ID, request time, and client
// metadata run on everything; the /v1 API splits into public and
// session-guarded groups.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(request.Middleware)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		d.SessionHandler.RegisterPublic(r)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokenValidator{tokens: d.Tokens}, d.Sessions, d.Logger))
			d.SessionHandler.RegisterAuthed(r)
			d.AuthzHandler.Register(r)
		})
	})

	return r
}

// tokenValidator adapts the session token manager to the auth middleware.
type tokenValidator struct {
	tokens *session.TokenManager
}

func (v tokenValidator) Validate(tokenString string) (auth.Claims, error) {
	claims, err := v.tokens.Validate(tokenString)
	if err != nil {
		return auth.Claims{}, err
	}
	return auth.Claims{UserID: claims.UserID, SessionID: claims.SessionID}, nil
}
