// Package session owns sign-in, sign-out, and the session provider that the
// dashboard runtimes consult for "is anyone logged in, and who".
package session

import (
	"time"

	id "opsgate/pkg/domain"
)

// User is the credential record behind a session. PasswordHash is a bcrypt
// hash; the clear text never leaves the login handler.
type User struct {
	ID           id.UserID
	Email        string
	DisplayName  string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Session models one authenticated session. Exactly one session is live per
// provider instance; the same user may hold sessions on other devices.
type Session struct {
	ID          id.SessionID
	UserID      id.UserID
	AccessToken string
	ExpiresAt   time.Time
	Device      string
	IPAddress   string
	CreatedAt   time.Time
}

// Expired reports whether the session's token lifetime has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// AuthEventType classifies auth-state-change notifications.
type AuthEventType string

const (
	AuthEventSignedIn  AuthEventType = "signed_in"
	AuthEventSignedOut AuthEventType = "signed_out"
	AuthEventRevoked   AuthEventType = "revoked"
)

// AuthEvent is one auth-state-change notification. Session is nil for
// signed_out and revoked events.
type AuthEvent struct {
	Type    AuthEventType
	UserID  id.UserID
	Session *Session
}

// SignOutScope controls how far a sign-out reaches.
type SignOutScope string

const (
	// ScopeLocal ends only the calling session.
	ScopeLocal SignOutScope = "local"
	// ScopeGlobal invalidates every session held by the credential.
	ScopeGlobal SignOutScope = "global"
)
