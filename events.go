package cascade

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind names a lifecycle event on the callback bus.
type EventKind string

const (
	EventQueryStart         EventKind = "QUERY_START"
	EventComplexityDetected EventKind = "COMPLEXITY_DETECTED"
	EventDomainDetected     EventKind = "DOMAIN_DETECTED"
	EventModelCallStart     EventKind = "MODEL_CALL_START"
	EventModelCallComplete  EventKind = "MODEL_CALL_COMPLETE"
	EventModelCallError     EventKind = "MODEL_CALL_ERROR"
	EventCascadeDecision    EventKind = "CASCADE_DECISION"
	EventBudgetWarning      EventKind = "BUDGET_WARNING"
	EventBudgetExceeded     EventKind = "BUDGET_EXCEEDED"
	EventQueryComplete      EventKind = "QUERY_COMPLETE"
	EventQueryError         EventKind = "QUERY_ERROR"
)

// Event is one lifecycle notification. Payload keys are event-specific.
type Event struct {
	Kind    EventKind              `json:"kind"`
	TS      time.Time              `json:"ts"`
	QueryID string                 `json:"query_id"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Subscriber receives events. Delivery is fire-and-forget on the publisher's
// goroutine: subscribers that must perform I/O should offload to their own
// worker.
type Subscriber func(Event)

type subscription struct {
	id   uint64
	kind EventKind // "" subscribes to every kind
	fn   Subscriber
}

// Bus fans lifecycle events out to registered subscribers. The subscriber
// table is copy-on-write: publishes read an immutable snapshot without
// locking. A panicking subscriber is logged and removed, never affecting the
// query. Events for one query are delivered in publication order; there is
// no ordering across queries.
type Bus struct {
	mu     sync.Mutex
	nextID atomic.Uint64
	subs   atomic.Value // []*subscription
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	b := &Bus{}
	b.subs.Store([]*subscription{})
	return b
}

// Subscribe registers fn for one event kind. The returned function cancels
// the subscription.
func (b *Bus) Subscribe(kind EventKind, fn Subscriber) (unsubscribe func()) {
	return b.add(kind, fn)
}

// SubscribeAll registers fn for every event kind.
func (b *Bus) SubscribeAll(fn Subscriber) (unsubscribe func()) {
	return b.add("", fn)
}

func (b *Bus) add(kind EventKind, fn Subscriber) func() {
	sub := &subscription{id: b.nextID.Add(1), kind: kind, fn: fn}
	b.mu.Lock()
	old := b.subs.Load().([]*subscription)
	next := make([]*subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, sub)
	b.subs.Store(next)
	b.mu.Unlock()
	return func() { b.remove(sub.id) }
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.subs.Load().([]*subscription)
	next := make([]*subscription, 0, len(old))
	for _, s := range old {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.subs.Store(next)
}

// Publish delivers an event to every matching subscriber, in registration
// order, on the caller's goroutine.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	subs := b.subs.Load().([]*subscription)
	for _, s := range subs {
		if s.kind != "" && s.kind != ev.Kind {
			continue
		}
		b.deliver(s, ev)
	}
}

// deliver invokes one subscriber with panic isolation.
func (b *Bus) deliver(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bus] Subscriber panicked on %s: %v, removing", ev.Kind, r)
			b.remove(s.id)
		}
	}()
	s.fn(ev)
}

// emit is the internal publish helper used throughout the engine.
func (b *Bus) emit(kind EventKind, queryID string, payload map[string]interface{}) {
	b.Publish(Event{Kind: kind, QueryID: queryID, Payload: payload})
}
