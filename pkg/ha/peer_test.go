package ha

import (
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P4: after a peer leaves, every item it held eventually has serverId="".
func TestPeerCoordinatorReleasesDepartedPeerWork(t *testing.T) {
	store := newFakeStore()
	_, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID: "vm-1",
		WorkType:   types.WorkTypeHA,
		Step:       types.StepInvestigating,
		CreatedAt:  time.Now(),
	})
	require.NoError(t, err)

	taken, err := store.TakeWorkItem("peer-b")
	require.NoError(t, err)
	require.NotNil(t, taken)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	coord := NewPeerCoordinator(store, broker)
	coord.Start()
	defer coord.Stop()

	broker.Publish(&events.Event{
		Type:     events.EventNodeLeft,
		Metadata: map[string]string{"node_id": "peer-b"},
	})

	require.Eventually(t, func() bool {
		items, err := store.ListWorkItems()
		if err != nil || len(items) != 1 {
			return false
		}
		return items[0].ServerID == ""
	}, time.Second, 5*time.Millisecond)

	assert.True(t, true)
}
