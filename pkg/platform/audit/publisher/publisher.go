// Package publisher emits audit events to a backing store, either inline or
// through a buffered worker.
package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	id "opsgate/pkg/domain"
	audit "opsgate/pkg/platform/audit"
)

// Publisher writes audit events to a Store. In sync mode Emit appends
// inline; with an async buffer Emit enqueues and a worker drains. Close
// drains the buffer before returning.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	queue chan audit.Event
	wg    sync.WaitGroup
	once  sync.Once
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to async mode with the given
// queue size. Emit never blocks the caller on store latency.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.queue = make(chan audit.Event, size)
	}
}

// WithLogger sets the logger used for drop/flush warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher over the given store.
func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.queue != nil {
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records one audit event. Timestamps default to now. In async mode a
// full queue drops the event with a warning; audit must never block or fail
// the operation it describes.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}

	if p.queue == nil {
		return p.store.Append(ctx, event)
	}

	select {
	case p.queue <- event:
	default:
		p.logger.Warn("audit queue full, dropping event", "action", event.Action)
	}
	return nil
}

// List returns the user's audit events from the backing store.
func (p *Publisher) List(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	return p.store.ListByUser(ctx, userID)
}

// Close stops the worker after draining queued events. Safe to call twice.
func (p *Publisher) Close() {
	p.once.Do(func() {
		if p.queue != nil {
			close(p.queue)
			p.wg.Wait()
		}
	})
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.queue {
		// Detached context: the emitting request may be long gone.
		if err := p.store.Append(context.Background(), event); err != nil {
			p.logger.Error("audit append failed", "action", event.Action, "error", err)
		}
	}
}
