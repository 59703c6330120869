package session

import (
	"context"

	id "opsgate/pkg/domain"
	dErrors "opsgate/pkg/domain-errors"
)

// AuthClient is the session backend a Provider talks to. GetSession returns
// (nil, nil) when the caller is simply signed out; errors mean the check
// itself failed.
type AuthClient interface {
	GetSession(ctx context.Context) (*Session, error)
	AuthStateChanges(ctx context.Context) (<-chan AuthEvent, func(), error)
	SignOut(ctx context.Context, scope SignOutScope) error
}

// LocalClient adapts the in-process Service and EventBroker to the
// AuthClient interface for one authenticated session.
type LocalClient struct {
	svc       *Service
	broker    *EventBroker
	sessionID id.SessionID
	userID    id.UserID
}

// NewLocalClient binds a client to one session of one user.
func NewLocalClient(svc *Service, broker *EventBroker, sessionID id.SessionID, userID id.UserID) *LocalClient {
	return &LocalClient{svc: svc, broker: broker, sessionID: sessionID, userID: userID}
}

func (c *LocalClient) GetSession(ctx context.Context) (*Session, error) {
	session, err := c.svc.SessionByID(ctx, c.sessionID)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (c *LocalClient) AuthStateChanges(ctx context.Context) (<-chan AuthEvent, func(), error) {
	ch, cancel := c.broker.Subscribe(c.userID)
	return ch, cancel, nil
}

func (c *LocalClient) SignOut(ctx context.Context, scope SignOutScope) error {
	if scope == ScopeGlobal {
		_, err := c.svc.SignOutGlobal(ctx, c.userID)
		return err
	}
	return c.svc.SignOut(ctx, c.sessionID)
}
