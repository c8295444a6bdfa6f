package session

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"kilometers.ai/authlayer/internal/core/domain"
)

// EventName identifies a session event
type EventName string

const (
	// EventLogout announces that the session cannot be recovered and the
	// user has to sign in again.
	EventLogout EventName = "auth:logout"
)

// Event is published on the EventBus
type Event struct {
	Name   EventName
	Reason error
	At     time.Time
}

// NewLogoutEvent creates a logout event carrying the reason the session ended
func NewLogoutEvent(reason error) Event {
	return Event{
		Name:   EventLogout,
		Reason: reason,
		At:     time.Now(),
	}
}

// State is the session state as seen by the hosting application
type State string

const (
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
	StateExpired       State = "expired"
)

// StateOf derives the session state from the stored pair. Expired means the
// access token's exp claim has passed; the next request will refresh it.
func StateOf(cred domain.Credential, now time.Time) State {
	switch {
	case !cred.IsAuthenticated():
		return StateAnonymous
	case cred.AccessExpired(now):
		return StateExpired
	default:
		return StateAuthenticated
	}
}

// EventBus is a minimal publish/subscribe point for session events.
// Subscribers attached after an event was published do not see it.
type EventBus struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]func(Event)
	logger      hclog.Logger
}

// NewEventBus creates an empty event bus
func NewEventBus(logger hclog.Logger) *EventBus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &EventBus{
		subscribers: make(map[uint64]func(Event)),
		logger:      logger,
	}
}

// Subscribe registers fn for every future event. The returned function
// removes the subscription and may be called more than once.
func (b *EventBus) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers evt to a snapshot of the current subscribers on the
// caller's goroutine. A panicking subscriber is logged and skipped.
func (b *EventBus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.Lock()
	snapshot := make([]func(Event), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		snapshot = append(snapshot, fn)
	}
	b.mu.Unlock()

	b.logger.Debug("publishing session event", "event", string(evt.Name), "subscribers", len(snapshot))

	for _, fn := range snapshot {
		b.deliver(fn, evt)
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *EventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *EventBus) deliver(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("session event subscriber panicked", "event", string(evt.Name), "panic", r)
		}
	}()
	fn(evt)
}
