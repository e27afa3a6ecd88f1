package ha

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P1: for every persisted item, timesTried never exceeds maxRetries —
// applyResult must force a Done terminal the moment the cap is hit rather
// than reschedule past it.
func TestApplyResultNeverExceedsMaxRetries(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	sm := NewStateMachine(StateMachineDeps{Store: store, Config: cfg})

	item, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID: "vm-1",
		WorkType:   types.WorkTypeHA,
		Step:       types.StepScheduled,
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)

	for i := 0; i < cfg.MaxRetries+3; i++ {
		err := sm.applyResult(nil, item, &stepResult{rescheduleAfter: time.Minute})
		require.NoError(t, err)
		assert.LessOrEqual(t, item.TimesTried, cfg.MaxRetries)
		if item.IsTerminal() {
			break
		}
	}

	assert.True(t, item.IsTerminal())
	assert.LessOrEqual(t, item.TimesTried, cfg.MaxRetries)
}

// P2: at most one worker may hold a given item at a time.
func TestTakeWorkItemAtMostOneHolder(t *testing.T) {
	store := newFakeStore()
	_, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID: "vm-1",
		WorkType:   types.WorkTypeHA,
		Step:       types.StepScheduled,
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*types.WorkItem, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			item, err := store.TakeWorkItem("server-" + string(rune('a'+idx)))
			require.NoError(t, err)
			results[idx] = item
		}(i)
	}
	wg.Wait()

	holders := 0
	for _, r := range results {
		if r != nil {
			holders++
		}
	}
	assert.Equal(t, 1, holders)
}

// P5: cleanup preserves every non-terminal item, regardless of age.
func TestCleanupPreservesNonTerminalItems(t *testing.T) {
	store := newFakeStore()
	old := time.Now().Add(-48 * time.Hour)

	pending, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID: "vm-pending",
		WorkType:   types.WorkTypeHA,
		Step:       types.StepScheduled,
		CreatedAt:  old,
	})
	require.NoError(t, err)

	done, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID:  "vm-done",
		WorkType:    types.WorkTypeHA,
		Step:        types.StepDone,
		CreatedAt:   old,
		CompletedAt: &old,
	})
	require.NoError(t, err)

	purged, err := store.Cleanup(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	remaining, err := store.ListWorkItems()
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, pending.ID, remaining[0].ID)
	assert.NotEqual(t, done.ID, remaining[0].ID)
}

// P8: releaseWorkItems is idempotent.
func TestReleaseWorkItemsIdempotent(t *testing.T) {
	store := newFakeStore()
	item, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID: "vm-1",
		WorkType:   types.WorkTypeHA,
		Step:       types.StepInvestigating,
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)

	taken, err := store.TakeWorkItem("server-a")
	require.NoError(t, err)
	require.NotNil(t, taken)
	assert.Equal(t, item.ID, taken.ID)

	require.NoError(t, store.ReleaseWorkItems("server-a"))
	require.NoError(t, store.ReleaseWorkItems("server-a"))

	items, err := store.ListWorkItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "", items[0].ServerID)
	assert.Nil(t, items[0].DateTaken)
}
