package session

import (
	"sync"

	v1 "github.com/mux-run/mux/pkg/api/v1"
)

// chatEventBus fans out ChatEvents to every currently subscribed listener
// in emission order, with no re-ordering across subscribers.
// Each subscriber gets its own buffered channel so a slow reader can't
// stall delivery to the others; a full channel drops the oldest event
// rather than blocking the session's event loop.
type chatEventBus struct {
	mu          sync.Mutex
	subscribers map[int]chan v1.ChatEvent
	nextID      int
}

const subscriberBuffer = 256

func newChatEventBus() *chatEventBus {
	return &chatEventBus{subscribers: make(map[int]chan v1.ChatEvent)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function.
func (b *chatEventBus) Subscribe() (<-chan v1.ChatEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan v1.ChatEvent, subscriberBuffer)
	b.subscribers[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, unsubscribe
}

// Emit delivers event to every current subscriber. Non-blocking: a
// subscriber whose buffer is full has its oldest queued event dropped to
// make room, favoring delivery of the newest state over perfect history.
func (b *chatEventBus) Emit(event v1.ChatEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount reports how many listeners are currently attached.
func (b *chatEventBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
