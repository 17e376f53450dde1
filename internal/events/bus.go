// Package events is an in-process pub/sub so status changes and crawl
// progress can be broadcast over WebSocket without the pipeline stages
// depending on the HTTP layer.
package events

import (
	"sync"

	"github.com/ternarybob/crawler/internal/models"
)

// Bus fans out RunEvents to every current subscriber. Subscribers that
// cannot keep up have events dropped for them rather than blocking
// publishers -- an event stream is best-effort observability, never a
// durability contract.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan models.RunEvent]struct{}
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan models.RunEvent]struct{})}
}

// Subscribe registers a new channel and returns it along with an unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan models.RunEvent, func()) {
	ch := make(chan models.RunEvent, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish fans evt out to every current subscriber.
func (b *Bus) Publish(evt models.RunEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// subscriber is backed up; drop rather than block the publisher.
		}
	}
}
