package audit

import (
	"context"
	"errors"

	id "opsgate/pkg/domain"
)

// Fanout appends every event to all stores and serves queries from the
// first. Used to pair a queryable local store with the Kafka sink.
type Fanout struct {
	stores []Store
}

// NewFanout creates a fanout over the given stores. The first store answers
// ListByUser.
func NewFanout(stores ...Store) *Fanout {
	return &Fanout{stores: stores}
}

func (f *Fanout) Append(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f.stores {
		if err := s.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) ListByUser(ctx context.Context, userID id.UserID) ([]Event, error) {
	return f.stores[0].ListByUser(ctx, userID)
}
