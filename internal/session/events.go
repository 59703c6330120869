package session

import (
	"sync"

	id "opsgate/pkg/domain"
)

const eventBuffer = 16

// EventBroker fans auth-state-change events out to per-user subscribers.
// The service publishes on sign-in and sign-out; providers subscribe.
type EventBroker struct {
	mu     sync.Mutex
	nextID int
	subs   map[id.UserID]map[int]chan AuthEvent
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{subs: make(map[id.UserID]map[int]chan AuthEvent)}
}

// Subscribe opens an event stream for the user. The returned cancel func
// closes the stream; it is safe to call more than once.
func (b *EventBroker) Subscribe(userID id.UserID) (<-chan AuthEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	subID := b.nextID
	ch := make(chan AuthEvent, eventBuffer)

	byID := b.subs[userID]
	if byID == nil {
		byID = make(map[int]chan AuthEvent)
		b.subs[userID] = byID
	}
	byID[subID] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if byID := b.subs[userID]; byID != nil {
				delete(byID, subID)
				if len(byID) == 0 {
					delete(b.subs, userID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber for event.UserID.
// Best-effort: subscribers that fell eventBuffer events behind miss it.
func (b *EventBroker) Publish(event AuthEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[event.UserID] {
		select {
		case ch <- event:
		default:
		}
	}
}
