package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	platformredis "opsgate/internal/platform/redis"
	id "opsgate/pkg/domain"
)

// RedisFeed implements Feed over Redis pub/sub so every node observes
// mutations made on any node. One channel per user keeps the server-side
// scoping: subscribers only receive their own user's changes.
type RedisFeed struct {
	client *platformredis.Client
	logger *slog.Logger
}

// NewRedisFeed creates a Redis-backed feed.
func NewRedisFeed(client *platformredis.Client, logger *slog.Logger) *RedisFeed {
	return &RedisFeed{client: client, logger: logger}
}

func channelFor(userID id.UserID) string {
	return "authz:changes:" + userID.String()
}

// Publish sends the change to the user's channel.
func (f *RedisFeed) Publish(ctx context.Context, change Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, channelFor(change.UserID), payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the user's channel. The returned
// subscription's channel closes once Close is called and the pump drains.
func (f *RedisFeed) Subscribe(ctx context.Context, userID id.UserID) (Subscription, error) {
	pubsub := f.client.Subscribe(ctx, channelFor(userID))

	// Force the SUBSCRIBE round-trip so a publish racing with Subscribe is
	// not silently lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to changes: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Change, subscriptionBuffer),
	}

	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				f.logger.Warn("dropping malformed change payload",
					"channel", msg.Channel,
					"error", err,
				)
				continue
			}
			select {
			case sub.ch <- change:
			default:
				// Consumer coalesces by refetching; dropping here only delays
				// the refetch until the next change lands.
			}
		}
	}()

	return sub, nil
}

type redisSubscription struct {
	pubsub interface{ Close() error }
	ch     chan Change
	once   sync.Once
}

func (s *redisSubscription) Changes() <-chan Change { return s.ch }

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
	})
}
