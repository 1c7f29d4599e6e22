package cascade

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetStoreRoundTrip(t *testing.T) {
	store, err := OpenBudgetStore(filepath.Join(t.TempDir(), "budgets.db"))
	require.NoError(t, err)
	defer store.Close()

	bl := NewBudgetLedger()
	defer bl.Close()
	bl.SetBudgetWithThresholds("u1", WindowDay, 10, 0.7, 0.95)
	bl.SetBudget("u2", WindowMonth, 200)
	bl.Record("u1", 1.25)

	snap := bl.Snapshot()
	require.NoError(t, store.Save(snap))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, snap, loaded)

	restored := NewBudgetLedger()
	defer restored.Close()
	restored.Restore(loaded)
	assert.InDelta(t, 1.25, restored.Consumed("u1", WindowDay), 1e-9)
}

func TestBudgetStoreSaveReplacesPreviousState(t *testing.T) {
	store, err := OpenBudgetStore(filepath.Join(t.TempDir(), "budgets.db"))
	require.NoError(t, err)
	defer store.Close()

	first := NewBudgetLedger()
	defer first.Close()
	first.SetBudget("u1", WindowDay, 10)
	require.NoError(t, store.Save(first.Snapshot()))

	second := NewBudgetLedger()
	defer second.Close()
	second.SetBudget("u2", WindowWeek, 5)
	require.NoError(t, store.Save(second.Snapshot()))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, loaded, "u1")
	assert.Contains(t, loaded, "u2")
}

func TestBudgetStoreLoadEmpty(t *testing.T) {
	store, err := OpenBudgetStore(filepath.Join(t.TempDir(), "budgets.db"))
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}
