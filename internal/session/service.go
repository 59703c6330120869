package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mssola/useragent"
	"golang.org/x/crypto/bcrypt"

	"opsgate/internal/platform/metrics"
	id "opsgate/pkg/domain"
	dErrors "opsgate/pkg/domain-errors"
	pkgemail "opsgate/pkg/email"
	audit "opsgate/pkg/platform/audit"
	"opsgate/pkg/platform/sentinel"
	"opsgate/pkg/requestcontext"
)

// AuditPublisher is the slice of the audit pipeline the service needs.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Deps collects the service's collaborators.
type Deps struct {
	Users      UserStore
	Sessions   SessionStore
	Tokens     *TokenManager
	Limiter    *LoginLimiter
	Events     *EventBroker
	Audit      AuditPublisher
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	SessionTTL time.Duration
}

// Service owns the session lifecycle: sign-in mints a session and token,
// sign-out destroys sessions and notifies subscribed providers.
type Service struct {
	users      UserStore
	sessions   SessionStore
	tokens     *TokenManager
	limiter    *LoginLimiter
	events     *EventBroker
	audit      AuditPublisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sessionTTL time.Duration
}

// NewService wires a session service from its dependencies.
func NewService(d Deps) *Service {
	return &Service{
		users:      d.Users,
		sessions:   d.Sessions,
		tokens:     d.Tokens,
		limiter:    d.Limiter,
		events:     d.Events,
		audit:      d.Audit,
		logger:     d.Logger,
		metrics:    d.Metrics,
		sessionTTL: d.SessionTTL,
	}
}

// Login verifies the credential and creates a session. Failed attempts feed
// the lockout window; the error message never reveals whether the email
// exists.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "email and password required")
	}

	now := requestcontext.Now(ctx)

	if s.limiter.LockedOut(email, now) {
		s.metrics.LoginAttemptsLocked.Inc()
		s.logAudit(ctx, audit.Event{Action: string(audit.EventLoginLockedOut), Reason: "lockout_window_exhausted"})
		return nil, dErrors.New(dErrors.CodeForbidden, "too many failed sign-in attempts")
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "credential lookup failed")
		}
		return nil, s.failLogin(ctx, email, now, "unknown_email")
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, s.failLogin(ctx, email, now, "invalid_password")
	}

	s.limiter.Clear(email)

	sessionID := id.NewSessionID()
	token, err := s.tokens.Mint(user.ID, sessionID, now, s.sessionTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to mint access token")
	}

	session := Session{
		ID:          sessionID,
		UserID:      user.ID,
		AccessToken: token,
		ExpiresAt:   now.Add(s.sessionTTL),
		Device:      deviceSummary(requestcontext.UserAgent(ctx)),
		IPAddress:   requestcontext.ClientIP(ctx),
		CreatedAt:   now,
	}
	if err := s.sessions.Save(ctx, session); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save session")
	}

	s.logAudit(ctx, audit.Event{UserID: user.ID, Action: string(audit.EventLogin)})
	s.events.Publish(AuthEvent{Type: AuthEventSignedIn, UserID: user.ID, Session: &session})

	return &session, nil
}

// SessionByID returns the session, treating expiry as absence.
func (s *Service) SessionByID(ctx context.Context, sessionID id.SessionID) (*Session, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "session lookup failed")
	}
	if session.Expired(requestcontext.Now(ctx)) {
		_ = s.sessions.Delete(ctx, sessionID)
		return nil, dErrors.New(dErrors.CodeNotFound, "session expired")
	}
	return &session, nil
}

// IsActive reports whether the session still exists and has not expired.
// Lookup failures count as inactive: revocation checks fail closed.
func (s *Service) IsActive(ctx context.Context, sessionID id.SessionID) bool {
	_, err := s.SessionByID(ctx, sessionID)
	return err == nil
}

// SignOut ends a single session.
func (s *Service) SignOut(ctx context.Context, sessionID id.SessionID) error {
	session, err := s.SessionByID(ctx, sessionID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil // already gone
		}
		return err
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to delete session")
	}
	s.events.Publish(AuthEvent{Type: AuthEventSignedOut, UserID: session.UserID})
	return nil
}

// SignOutGlobal invalidates every session the user holds, across devices.
// Returns the number of sessions removed.
func (s *Service) SignOutGlobal(ctx context.Context, userID id.UserID) (int, error) {
	if userID.IsNil() {
		return 0, dErrors.New(dErrors.CodeUnauthorized, "user ID required")
	}

	removed, err := s.sessions.DeleteAllForUser(ctx, userID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke sessions")
	}

	s.logAudit(ctx, audit.Event{
		UserID: userID,
		Action: string(audit.EventLogoutGlobal),
		Reason: fmt.Sprintf("revoked %d sessions", removed),
	})
	s.events.Publish(AuthEvent{Type: AuthEventSignedOut, UserID: userID})

	return removed, nil
}

// CreateUser registers a credential with a bcrypt-hashed password.
// Used by the dev seed and the user admin surface.
func (s *Service) CreateUser(ctx context.Context, email, password, displayName string) (User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return User{}, dErrors.New(dErrors.CodeBadRequest, "email and password required")
	}

	if displayName == "" {
		first, last := pkgemail.DeriveNameFromEmail(email)
		displayName = first + " " + last
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash password")
	}

	user := User{
		ID:           id.NewUserID(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		CreatedAt:    requestcontext.Now(ctx),
	}
	if err := s.users.Save(ctx, user); err != nil {
		return User{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save user")
	}
	return user, nil
}

// failLogin records the failure and returns the uniform unauthorized error.
func (s *Service) failLogin(ctx context.Context, email string, now time.Time, reason string) error {
	s.limiter.RecordFailure(email, now)
	s.logAudit(ctx, audit.Event{Action: string(audit.EventLoginFailed), Reason: reason})
	return dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
}

func (s *Service) logAudit(ctx context.Context, event audit.Event) {
	event.RequestID = requestcontext.RequestID(ctx)
	if err := s.audit.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "audit emit failed", "action", event.Action, "error", err)
	}
}

// deviceSummary condenses a User-Agent header into the short device label
// shown on session lists.
func deviceSummary(ua string) string {
	if ua == "" {
		return "unknown device"
	}
	parsed := useragent.New(ua)
	name, version := parsed.Browser()
	os := parsed.OSInfo().Name
	switch {
	case name == "" && os == "":
		return "unknown device"
	case name == "":
		return os
	case os == "":
		return strings.TrimSpace(name + " " + version)
	default:
		return strings.TrimSpace(name+" "+version) + " on " + os
	}
}
