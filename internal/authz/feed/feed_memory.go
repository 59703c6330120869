package feed

import (
	"context"
	"sync"

	id "opsgate/pkg/domain"
)

const subscriptionBuffer = 16

// InMemoryFeed implements Feed for single-node deployments and tests.
type InMemoryFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[id.UserID]map[int]*memorySubscription
}

// NewInMemoryFeed creates an empty in-memory feed.
func NewInMemoryFeed() *InMemoryFeed {
	return &InMemoryFeed{subs: make(map[id.UserID]map[int]*memorySubscription)}
}

type memorySubscription struct {
	feed   *InMemoryFeed
	userID id.UserID
	subID  int
	ch     chan Change
	once   sync.Once
}

func (s *memorySubscription) Changes() <-chan Change { return s.ch }

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.feed.mu.Lock()
		defer s.feed.mu.Unlock()
		if byID := s.feed.subs[s.userID]; byID != nil {
			delete(byID, s.subID)
			if len(byID) == 0 {
				delete(s.feed.subs, s.userID)
			}
		}
		close(s.ch)
	})
}

// Publish fans the change out to the user's subscriptions. Delivery is
// best-effort: a subscriber that has fallen subscriptionBuffer changes behind
// misses the change. Consumers refetch the full set per change, so a missed
// change is corrected by the next one.
func (f *InMemoryFeed) Publish(_ context.Context, change Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, sub := range f.subs[change.UserID] {
		select {
		case sub.ch <- change:
		default:
		}
	}
	return nil
}

// Subscribe opens a buffered change stream for the user.
func (f *InMemoryFeed) Subscribe(_ context.Context, userID id.UserID) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	sub := &memorySubscription{
		feed:   f,
		userID: userID,
		subID:  f.nextID,
		ch:     make(chan Change, subscriptionBuffer),
	}
	byID := f.subs[userID]
	if byID == nil {
		byID = make(map[int]*memorySubscription)
		f.subs[userID] = byID
	}
	byID[sub.subID] = sub
	return sub, nil
}
