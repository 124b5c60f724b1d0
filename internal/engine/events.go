package engine

import (
	"sync"

	"github.com/hookchat/hookchat/internal/database"
)

// EventType identifies what happened to a message.
type EventType string

const (
	// EventMessagePending fires after a user message is durably saved in
	// pending state, before any dispatch.
	EventMessagePending EventType = "message_pending"
	// EventMessageDelivered fires after the user message is durably marked
	// delivered. Observers always see pending first.
	EventMessageDelivered EventType = "message_delivered"
	// EventMessageFailed fires after the user message is durably marked
	// failed. Observers always see pending first.
	EventMessageFailed EventType = "message_failed"
	// EventResponseReceived fires after an agent response message is
	// durably saved.
	EventResponseReceived EventType = "response_received"
)

// Event is a state-change notification. Events are emitted only after the
// corresponding write has been committed, so observers never see state that
// is not durable.
type Event struct {
	Type           EventType
	ConversationID string
	Message        *database.Message
}

// eventBus fans events out to subscriber channels.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

const subscriberBuffer = 64

// subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// publish delivers the event to all subscribers. A subscriber that has
// fallen behind its buffer misses the event rather than blocking senders.
func (b *eventBus) publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
