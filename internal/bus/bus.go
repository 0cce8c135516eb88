// Package bus provides the in-process event bus connecting adapters, the delivery pipelines, and
// the live event stream. Publishing never blocks: slow subscribers lose events rather than holding
// up platform ingest.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
)

// Event is a single item of bus traffic. Envelope is set for raw platform ingress; Name and
// Payload are set for lifecycle events headed to webhook subscribers and the event stream.
type Event struct {
	Name      string
	Timestamp time.Time
	ProjectID uuid.UUID
	Envelope  *envelope.Envelope
	Payload   any
}

// IsEnvelope reports whether the event carries a raw inbound envelope.
func (e Event) IsEnvelope() bool {
	return e.Envelope != nil
}

// Bus is a non-blocking broadcast bus. Safe to call on a nil receiver, so wiring can omit it in
// tests without guard checks.
type Bus struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// PublishEnvelope fans an inbound envelope out to all subscribers.
func (b *Bus) PublishEnvelope(env *envelope.Envelope) {
	if b == nil || env == nil {
		return
	}
	b.publish(Event{
		Timestamp: time.Now().UTC(),
		ProjectID: env.ProjectID,
		Envelope:  env,
	})
}

// Publish fans a lifecycle event out to all subscribers.
func (b *Bus) Publish(name string, projectID uuid.UUID, payload any) {
	if b == nil {
		return
	}
	b.publish(Event{
		Name:      name,
		Timestamp: time.Now().UTC(),
		ProjectID: projectID,
		Payload:   payload,
	})
}

func (b *Bus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving all published events. bufSize bounds how far the
// subscriber may fall behind before it starts missing events. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling it twice is a no-op.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many events have been discarded because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
