package pipeline

import (
	"sync"
	"time"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
)

// Bus fans pipeline events out to subscribers. Slow subscribers drop
// events rather than stall the coordinator.
type Bus struct {
	mu   sync.Mutex
	subs map[chan domain.Event]struct{}
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[chan domain.Event]struct{})}
}

// Subscribe registers a listener. The returned channel is buffered; call
// the cancel func to detach.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking
func (b *Bus) Publish(e domain.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
