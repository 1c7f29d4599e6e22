package cascade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBudgetCheckNoBudgetAlwaysPasses(t *testing.T) {
	bl := NewBudgetLedger()
	defer bl.Close()

	d := bl.Check("nobody", 1000)
	assert.True(t, d.Allowed)
	assert.False(t, d.Warned)
}

func TestBudgetWarnAndBlockBoundaries(t *testing.T) {
	bl := NewBudgetLedger()
	defer bl.Close()
	bl.SetBudget("u1", WindowDay, 10)

	// Below the warn fraction: clean admit.
	d := bl.Check("u1", 7.99)
	assert.True(t, d.Allowed)
	assert.False(t, d.Warned)

	// Exactly at the warn threshold: admit with a warning.
	d = bl.Check("u1", 8)
	assert.True(t, d.Allowed)
	assert.True(t, d.Warned)
	assert.Equal(t, WindowDay, d.Window)

	// Exactly at the block threshold: deny.
	d = bl.Check("u1", 10)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowDay, d.Window)
}

func TestBudgetRecordAccumulates(t *testing.T) {
	bl := NewBudgetLedger()
	defer bl.Close()
	bl.SetBudget("u1", WindowDay, 1)

	bl.Record("u1", 0.25)
	bl.Record("u1", 0.25)
	assert.InDelta(t, 0.5, bl.Consumed("u1", WindowDay), 1e-9)

	// Consumed counts are monotone within the window.
	bl.Record("u1", -1)
	assert.InDelta(t, 0.5, bl.Consumed("u1", WindowDay), 1e-9)

	d := bl.Check("u1", 0.6)
	assert.False(t, d.Allowed)
}

func TestBudgetMultipleWindows(t *testing.T) {
	bl := NewBudgetLedger()
	defer bl.Close()
	bl.SetBudget("u1", WindowDay, 100)
	bl.SetBudget("u1", WindowMonth, 10)

	bl.Record("u1", 9)

	// The day window is fine, the month window blocks.
	d := bl.Check("u1", 2)
	assert.False(t, d.Allowed)
	assert.Equal(t, WindowMonth, d.Window)
}

func TestBudgetLazyRollover(t *testing.T) {
	bl := NewBudgetLedger()
	defer bl.Close()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	bl.now = func() time.Time { return now }

	bl.SetBudget("u1", WindowDay, 1)
	bl.SetBudget("u1", WindowLifetime, 100)
	bl.Record("u1", 0.9)
	assert.InDelta(t, 0.9, bl.Consumed("u1", WindowDay), 1e-9)

	// Next UTC day: the daily window resets, lifetime never does.
	now = now.Add(13 * time.Hour)
	assert.Equal(t, 0.0, bl.Consumed("u1", WindowDay))
	assert.InDelta(t, 0.9, bl.Consumed("u1", WindowLifetime), 1e-9)

	d := bl.Check("u1", 0.5)
	assert.True(t, d.Allowed)
}

func TestBudgetSnapshotRestoreRoundTrip(t *testing.T) {
	bl := NewBudgetLedger()
	defer bl.Close()
	bl.SetBudgetWithThresholds("u1", WindowDay, 10, 0.7, 0.95)
	bl.SetBudget("u2", WindowWeek, 50)
	bl.Record("u1", 3.5)

	snap := bl.Snapshot()

	restored := NewBudgetLedger()
	defer restored.Close()
	restored.Restore(snap)

	assert.Equal(t, snap, restored.Snapshot())
	assert.InDelta(t, 3.5, restored.Consumed("u1", WindowDay), 1e-9)

	// Thresholds survive the round trip: 3.5 + 6 = 9.5 hits block 0.95*10.
	d := restored.Check("u1", 6)
	assert.False(t, d.Allowed)
}

func TestStartOfWindow(t *testing.T) {
	// A Wednesday.
	now := time.Date(2026, 8, 19, 15, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC), startOfWindow(WindowDay, now))
	assert.Equal(t, time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC), startOfWindow(WindowWeek, now))
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), startOfWindow(WindowMonth, now))
	assert.True(t, startOfWindow(WindowLifetime, now).IsZero())
}
