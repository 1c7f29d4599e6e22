package cascade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPerKindSubscription(t *testing.T) {
	bus := NewBus()

	var starts, errors int
	bus.Subscribe(EventQueryStart, func(ev Event) { starts++ })
	bus.Subscribe(EventQueryError, func(ev Event) { errors++ })

	bus.emit(EventQueryStart, "q1", nil)
	bus.emit(EventQueryComplete, "q1", nil)
	bus.emit(EventQueryStart, "q2", nil)

	assert.Equal(t, 2, starts)
	assert.Equal(t, 0, errors)
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus()

	var kinds []EventKind
	bus.SubscribeAll(func(ev Event) { kinds = append(kinds, ev.Kind) })

	bus.emit(EventQueryStart, "q1", nil)
	bus.emit(EventModelCallStart, "q1", nil)
	bus.emit(EventQueryComplete, "q1", nil)

	// Publication order is preserved within a query.
	assert.Equal(t, []EventKind{EventQueryStart, EventModelCallStart, EventQueryComplete}, kinds)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	cancel := bus.SubscribeAll(func(ev Event) { count++ })

	bus.emit(EventQueryStart, "q1", nil)
	cancel()
	bus.emit(EventQueryStart, "q2", nil)

	assert.Equal(t, 1, count)
}

func TestBusPanicIsolation(t *testing.T) {
	bus := NewBus()

	var survivorEvents int
	bus.SubscribeAll(func(ev Event) { panic("bad subscriber") })
	bus.SubscribeAll(func(ev Event) { survivorEvents++ })

	// The panicking subscriber must not affect delivery to the others.
	require.NotPanics(t, func() { bus.emit(EventQueryStart, "q1", nil) })
	assert.Equal(t, 1, survivorEvents)

	// And it is removed: the next publish reaches only the survivor.
	bus.emit(EventQueryStart, "q2", nil)
	assert.Equal(t, 2, survivorEvents)
	assert.Len(t, bus.subs.Load().([]*subscription), 1)
}

func TestBusPublishSetsTimestamp(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.SubscribeAll(func(ev Event) { got = ev })
	bus.emit(EventQueryStart, "q1", map[string]interface{}{"k": "v"})

	assert.False(t, got.TS.IsZero())
	assert.Equal(t, "q1", got.QueryID)
	assert.Equal(t, "v", got.Payload["k"])
}
