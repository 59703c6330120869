// Package feed carries row-change notifications for authorization data.
//
// Subscriptions are scoped server-side to a single user ID, so one user's
// resolver never wakes up for another user's changes. Consumers treat a
// change as an invalidation signal and refetch the whole set; the payload
// deliberately carries no row data.
package feed

import (
	"context"
	"time"

	id "opsgate/pkg/domain"
)

//go:generate mockgen -source=feed.go -destination=mocks/mocks.go -package=mocks

// Table names the logical table a change happened on.
type Table string

const (
	TableRoles       Table = "user_roles"
	TablePermissions Table = "permission_grants"
)

// Kind is the mutation kind observed on the table.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Change is one observed mutation, scoped to one user's rows.
type Change struct {
	Table  Table     `json:"table"`
	Kind   Kind      `json:"kind"`
	UserID id.UserID `json:"user_id"`
	At     time.Time `json:"at"`
}

// Subscription is a live, user-scoped change stream. Close releases the
// underlying resources; the Changes channel is closed afterwards.
type Subscription interface {
	Changes() <-chan Change
	Close()
}

// Feed publishes and subscribes to authorization changes.
type Feed interface {
	// Publish delivers a change to every subscription for change.UserID.
	Publish(ctx context.Context, change Change) error

	// Subscribe opens a change stream scoped to the given user.
	Subscribe(ctx context.Context, userID id.UserID) (Subscription, error)
}
