// Package handler wires the identity and authorization endpoints: the /me
// surface the dashboards boot from, the impersonation controls, and the
// admin mutation routes.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"opsgate/internal/authz/models"
	"opsgate/internal/authz/runtime"
	"opsgate/internal/authz/service"
	id "opsgate/pkg/domain"
	dErrors "opsgate/pkg/domain-errors"
	"opsgate/pkg/platform/httputil"
	"opsgate/pkg/platform/middleware/admin"
	"opsgate/pkg/requestcontext"
)

// readyWait bounds how long a read endpoint waits for resolvers to settle.
const readyWait = 5 * time.Second

// Handler wires authorization endpoints to the authz service and the
// per-session runtimes.
type Handler struct {
	authz    *service.Service
	runtimes *runtime.Manager
	logger   *slog.Logger
}

// New constructs an authorization handler with its dependencies.
func New(authz *service.Service, runtimes *runtime.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		authz:    authz,
		runtimes: runtimes,
		logger:   logger,
	}
}

// Register mounts the endpoints on an authenticated router. Admin routes get
// the effective-admin gate on top.
func (h *Handler) Register(r chi.Router) {
	r.Get("/me", h.HandleMe)
	r.Get("/me/roles", h.HandleMyRoles)
	r.Get("/me/permissions", h.HandleMyPermissions)
	r.Get("/me/default-route", h.HandleDefaultRoute)

	r.Post("/impersonation/start", h.HandleImpersonationStart)
	r.Post("/impersonation/stop", h.HandleImpersonationStop)

	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdmin(h.AdminChecker(), h.logger))
		r.Get("/admin/users/{userID}/roles", h.HandleListRoles)
		r.Post("/admin/users/{userID}/roles", h.HandleAssignRole)
		r.Delete("/admin/users/{userID}/roles/{role}", h.HandleRemoveRole)
		r.Get("/admin/users/{userID}/permissions", h.HandleListGrants)
		r.Put("/admin/users/{userID}/permissions/{module}", h.HandleUpsertGrant)
		r.Delete("/admin/users/{userID}/permissions/{module}", h.HandleDeleteGrant)
	})
}

// AdminChecker gates admin routes on the caller's effective role set.
func (h *Handler) AdminChecker() admin.Checker {
	return adminChecker{handler: h}
}

type adminChecker struct {
	handler *Handler
}

func (c adminChecker) IsAdmin(ctx context.Context) bool {
	rt, err := c.handler.callerRuntime(ctx)
	if err != nil {
		return false
	}
	waitCtx, cancel := context.WithTimeout(ctx, readyWait)
	defer cancel()
	rt.Roles.WaitReady(waitCtx)
	return rt.EffectiveRoles.IsAdmin()
}

// HandleMe handles GET /me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rt, err := h.callerRuntime(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.awaitResolved(ctx, rt)

	impState := rt.Impersonation.Snapshot()
	resp := MeResponse{
		UserID:          rt.UserID.String(),
		SessionID:       rt.SessionID.String(),
		Impersonating:   impState.Active,
		EffectiveUserID: rt.UserID.String(),
		DefaultRoute:    rt.DefaultRoute(),
	}
	if impState.Active {
		resp.EffectiveUserID = impState.Identity.UserID.String()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleMyRoles handles GET /me/roles.
func (h *Handler) HandleMyRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rt, err := h.callerRuntime(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.awaitResolved(ctx, rt)

	httputil.WriteJSON(w, http.StatusOK,
		FromRoleSnapshot(rt.EffectiveRoles.Snapshot(), rt.Impersonation.Active()))
}

// HandleMyPermissions handles GET /me/permissions.
func (h *Handler) HandleMyPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rt, err := h.callerRuntime(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.awaitResolved(ctx, rt)

	httputil.WriteJSON(w, http.StatusOK,
		FromPermissionSnapshot(rt.EffectivePermissions.Snapshot(), rt.Impersonation.Active()))
}

// HandleDefaultRoute handles GET /me/default-route.
func (h *Handler) HandleDefaultRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rt, err := h.callerRuntime(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.awaitResolved(ctx, rt)

	httputil.WriteJSON(w, http.StatusOK, RouteResponse{Route: rt.DefaultRoute()})
}

// HandleImpersonationStart handles POST /impersonation/start. Only a real
// admin may start; the effective identity switches atomically.
func (h *Handler) HandleImpersonationStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	rt, err := h.callerRuntime(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.awaitResolved(ctx, rt)

	// The real role set decides, not the effective one: an admin already
	// impersonating a non-admin may still switch targets.
	if !rt.Roles.IsAdmin() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "admin role required"))
		return
	}

	req, ok := httputil.DecodeAndPrepare[ImpersonateRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	identity, err := h.authz.BeginImpersonation(ctx, rt.UserID, req.ParsedUserID())
	if err != nil {
		h.logger.ErrorContext(ctx, "impersonation start failed",
			"request_id", requestID, "target_user_id", req.UserID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	rt.Impersonation.Start(identity)

	h.logger.InfoContext(ctx, "impersonation started",
		"request_id", requestID,
		"actor_user_id", rt.UserID.String(),
		"target_user_id", identity.UserID.String(),
	)

	roles := make([]string, 0, len(identity.Roles))
	for _, role := range identity.Roles {
		roles = append(roles, string(role))
	}
	httputil.WriteJSON(w, http.StatusOK, ImpersonationResponse{
		Active:       true,
		TargetUserID: identity.UserID.String(),
		Roles:        roles,
		DefaultRoute: rt.DefaultRoute(),
	})
}

// HandleImpersonationStop handles POST /impersonation/stop. Stopping when
// not impersonating is a no-op.
func (h *Handler) HandleImpersonationStop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rt, err := h.callerRuntime(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if state := rt.Impersonation.Snapshot(); state.Active {
		h.authz.EndImpersonation(ctx, rt.UserID, state.Identity.UserID)
		rt.Impersonation.Stop()
	}

	h.awaitResolved(ctx, rt)
	httputil.WriteJSON(w, http.StatusOK, ImpersonationResponse{
		Active:       false,
		DefaultRoute: rt.DefaultRoute(),
	})
}

// HandleListRoles handles GET /admin/users/{userID}/roles.
func (h *Handler) HandleListRoles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	targetID, err := pathUserID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	assignments, err := h.authz.ListRoles(ctx, targetID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromAssignments(targetID.String(), assignments))
}

// HandleAssignRole handles POST /admin/users/{userID}/roles.
func (h *Handler) HandleAssignRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	targetID, err := pathUserID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[AssignRoleRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	actorID := requestcontext.UserID(ctx)
	if err := h.authz.AssignRole(ctx, actorID, targetID, models.Role(req.Role)); err != nil {
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "role assigned",
		"request_id", requestID,
		"actor_user_id", actorID.String(),
		"target_user_id", targetID.String(),
		"role", req.Role,
	)
	w.WriteHeader(http.StatusNoContent)
}

// HandleRemoveRole handles DELETE /admin/users/{userID}/roles/{role}.
func (h *Handler) HandleRemoveRole(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	targetID, err := pathUserID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	actorID := requestcontext.UserID(ctx)
	role := models.Role(chi.URLParam(r, "role"))
	if err := h.authz.RemoveRole(ctx, actorID, targetID, role); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListGrants handles GET /admin/users/{userID}/permissions.
func (h *Handler) HandleListGrants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	targetID, err := pathUserID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	grants, err := h.authz.ListGrants(ctx, targetID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, UserGrantsResponse{
		UserID: targetID.String(),
		Grants: grantResponses(grants),
	})
}

// HandleUpsertGrant handles PUT /admin/users/{userID}/permissions/{module}.
func (h *Handler) HandleUpsertGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	targetID, err := pathUserID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[GrantRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	actorID := requestcontext.UserID(ctx)
	grant := models.PermissionGrant{
		UserID:    targetID,
		Module:    models.Module(chi.URLParam(r, "module")),
		CanView:   req.CanView,
		CanCreate: req.CanCreate,
		CanEdit:   req.CanEdit,
		CanDelete: req.CanDelete,
	}
	if err := h.authz.UpsertGrant(ctx, actorID, grant); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteGrant handles DELETE /admin/users/{userID}/permissions/{module}.
func (h *Handler) HandleDeleteGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	targetID, err := pathUserID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	actorID := requestcontext.UserID(ctx)
	module := models.Module(chi.URLParam(r, "module"))
	if err := h.authz.DeleteGrant(ctx, actorID, targetID, module); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// callerRuntime resolves the per-session runtime for the authenticated
// caller.
func (h *Handler) callerRuntime(ctx context.Context) (*runtime.Runtime, error) {
	userID := requestcontext.UserID(ctx)
	sessionID := requestcontext.SessionID(ctx)
	if userID.IsNil() || sessionID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	return h.runtimes.Get(ctx, sessionID, userID), nil
}

// awaitResolved gives the resolvers a bounded window to settle. Endpoints
// still answer from whatever state exists when it elapses.
func (h *Handler) awaitResolved(ctx context.Context, rt *runtime.Runtime) {
	waitCtx, cancel := context.WithTimeout(ctx, readyWait)
	defer cancel()
	if rt.Roles.WaitReady(waitCtx) {
		rt.Permissions.WaitReady(waitCtx)
	}
}

func pathUserID(r *http.Request) (id.UserID, error) {
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		return id.UserID{}, dErrors.New(dErrors.CodeBadRequest, "invalid user ID")
	}
	return userID, nil
}
