package bus

import (
	"log"
	"sync"

	"github.com/haricheung/fairdispatch/internal/types"
)

const (
	subscriberBufSize = 64
	ringSize          = 100
)

// Bus is the in-process event bus. Every agent publishes STARTED/COMPLETED/
// ERROR events through it; subscribers (SSE bridges, the CLI display) receive
// them on independent buffered channels. A bounded ring buffer keeps the last
// 100 events for late subscribers. All mutation happens under one lock.
//
// Publish order is preserved per publisher; cross-publisher order is
// best-effort.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan types.Event
	ring        []types.Event // newest last, at most ringSize entries
	closed      bool
}

// New creates a Bus. There is no hidden package-level instance; callers own
// construction and teardown.
func New() *Bus {
	return &Bus{}
}

// Publish fans out ev to all subscribers and records it in the ring buffer.
// Non-blocking: if a subscriber's channel is full, the event is dropped for
// that subscriber with a warning.
func (b *Bus) Publish(ev types.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.ring = append(b.ring, ev)
	if len(b.ring) > ringSize {
		b.ring = b.ring[len(b.ring)-ringSize:]
	}
	subs := make([]chan types.Event, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full, event dropped run=%s agent=%s step=%s",
				ev.RunID, ev.Agent, ev.Step)
		}
	}
}

// Subscribe returns a receive-only channel delivering all subsequent events.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe() <-chan types.Event {
	ch := make(chan types.Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Recent returns a copy of the ring buffer, oldest first.
//
// Expectations:
//   - Returns at most the last 100 published events
//   - Returned slice is a copy; mutating it does not affect the bus
func (b *Bus) Recent() []types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.Event, len(b.ring))
	copy(out, b.ring)
	return out
}

// Close tears the bus down: closes all subscriber channels and drops further
// publishes. Safe to call once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
