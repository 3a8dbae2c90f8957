// Package eventbus fans RuntimeState changes out to WebSocket subscribers.
// Grounded on original_source/backend/services/event_bus.py: a bounded,
// drop-oldest queue per subscriber so one slow reader never blocks a
// publish or backs up the runtime loop that triggered it.
package eventbus

import (
	"sync"

	"github.com/fisaks/scalegate/internal/model"
)

const queueCapacity = 200

// Bus is safe for concurrent Subscribe/Unsubscribe/Publish from any number
// of goroutines.
type Bus struct {
	mu   sync.Mutex
	subs map[chan model.EventMessage]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[chan model.EventMessage]struct{})}
}

// Subscribe returns a buffered channel the caller should range over (or
// select with a timeout, per the WebSocket fan-out's ping loop) until it
// calls Unsubscribe.
func (b *Bus) Subscribe() chan model.EventMessage {
	ch := make(chan model.EventMessage, queueCapacity)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan model.EventMessage) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Publish never blocks: a full subscriber queue has its oldest message
// dropped to make room, so a stalled reader loses history rather than
// stalling the publisher.
func (b *Bus) Publish(msg model.EventMessage) {
	b.mu.Lock()
	targets := make([]chan model.EventMessage, 0, len(b.subs))
	for ch := range b.subs {
		targets = append(targets, ch)
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
			default:
			}
		}
	}
}
