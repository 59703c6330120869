// Package handler wires the sign-in and sign-out endpoints.
package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"opsgate/internal/authz/routing"
	"opsgate/internal/authz/runtime"
	"opsgate/internal/session"
	dErrors "opsgate/pkg/domain-errors"
	"opsgate/pkg/platform/httputil"
	"opsgate/pkg/requestcontext"
)

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	if strings.TrimSpace(r.Email) == "" || r.Password == "" {
		return dErrors.New(dErrors.CodeBadRequest, "email and password required")
	}
	return nil
}

// LoginResponse carries the minted session back to the dashboard.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Device      string    `json:"device"`
}

// LogoutResponse tells the dashboard where to navigate after sign-out.
type LogoutResponse struct {
	Redirect string `json:"redirect"`
}

// Handler wires session endpoints to the session service and the runtime
// manager.
type Handler struct {
	sessions *session.Service
	runtimes *runtime.Manager
	logger   *slog.Logger
}

// New constructs a session handler with its dependencies.
func New(sessions *session.Service, runtimes *runtime.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		runtimes: runtimes,
		logger:   logger,
	}
}

// RegisterPublic mounts the unauthenticated endpoints.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/auth/login", h.HandleLogin)
}

// RegisterAuthed mounts the endpoints requiring a live session.
func (h *Handler) RegisterAuthed(r chi.Router) {
	r.Post("/auth/logout", h.HandleLogout)
}

// HandleLogin handles POST /auth/login.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[LoginRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	live, err := h.sessions.Login(ctx, req.Email, req.Password)
	if err != nil {
		h.logger.WarnContext(ctx, "login rejected", "request_id", requestID, "error", err)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "login succeeded",
		"request_id", requestID,
		"user_id", live.UserID.String(),
		"session_id", live.ID.String(),
	)
	httputil.WriteJSON(w, http.StatusOK, LoginResponse{
		AccessToken: live.AccessToken,
		SessionID:   live.ID.String(),
		UserID:      live.UserID.String(),
		ExpiresAt:   live.ExpiresAt,
		Device:      live.Device,
	})
}

// HandleLogout handles POST /auth/logout. Sign-out is global: impersonation
// ends first, local state drops, then every session of the credential is
// revoked, and the dashboard is pointed at the sign-in surface.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	sessionID := requestcontext.SessionID(ctx)
	if userID.IsNil() || sessionID.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	rt := h.runtimes.Get(ctx, sessionID, userID)
	rt.Provider.SignOut(ctx)
	h.runtimes.Evict(sessionID)

	h.logger.InfoContext(ctx, "logout completed",
		"request_id", requestcontext.RequestID(ctx),
		"user_id", userID.String(),
	)
	httputil.WriteJSON(w, http.StatusOK, LogoutResponse{Redirect: routing.PathSignIn})
}
