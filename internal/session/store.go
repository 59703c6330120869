package session

import (
	"context"

	id "opsgate/pkg/domain"
)

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks

// UserStore resolves credential records.
type UserStore interface {
	Save(ctx context.Context, user User) error
	FindByID(ctx context.Context, userID id.UserID) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
}

// SessionStore persists live sessions. A session that is absent from the
// store is revoked: the auth middleware treats lookup misses as "signed out".
type SessionStore interface {
	Save(ctx context.Context, session Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (Session, error)
	ListByUser(ctx context.Context, userID id.UserID) ([]Session, error)
	Delete(ctx context.Context, sessionID id.SessionID) error

	// DeleteAllForUser implements sign-out with global scope. Returns the
	// number of sessions removed.
	DeleteAllForUser(ctx context.Context, userID id.UserID) (int, error)
}
