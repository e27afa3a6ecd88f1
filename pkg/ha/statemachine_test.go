package ha

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/warden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateMachine(store Store, orch *fakeOrchestrator, investigators *InvestigatorSet, fencers *FencerSet, gate *FeatureGate, cfg *Config) *StateMachine {
	return NewStateMachine(StateMachineDeps{
		Store:           store,
		Orchestrator:    orch,
		FeatureGate:     gate,
		Investigators:   investigators,
		Fencers:         fencers,
		OrdinaryPlanner: NewLeastLoadedPlanner(func(hostID string) ([]*types.VM, error) { return nil, nil }),
		Config:          cfg,
	})
}

// P6: while the feature gate is off for a VM's zone, its HA WorkItem never
// leaves Scheduled except via cleanup.
func TestGateOffKeepsItemScheduled(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	gate := NewFeatureGate(cfg, nil)
	gate.SetHaEnabled("zone-1", false)

	vm := testVM("vm-1", "host-1")
	vm.UpdateTime = 1
	store.putVM(vm)
	store.putHost(testHost("host-1"))

	item, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID:    vm.ID,
		WorkType:      types.WorkTypeHA,
		Step:          types.StepScheduled,
		HostID:        "host-1",
		PreviousState: vm.State,
		UpdateTime:    vm.UpdateTime,
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)

	orch := &fakeOrchestrator{}
	sm := newTestStateMachine(store, orch, NewInvestigatorSet(), NewFencerSet(), gate, cfg)

	require.NoError(t, sm.ProcessWork(context.Background(), item))

	stored, err := store.ListWorkItems()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, types.StepScheduled, stored[0].Step)
	assert.Empty(t, orch.stopCalls)
	assert.Empty(t, orch.startCalls)
}

// P9: on staleness, the restart path mutates no external state and marks
// the item Done.
func TestStalenessMarksDoneWithoutSideEffects(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	gate := NewFeatureGate(cfg, nil)

	vm := testVM("vm-1", "host-1")
	vm.UpdateTime = 2 // live VM has moved on since the item was scheduled
	store.putVM(vm)
	store.putHost(testHost("host-1"))

	item, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID:    vm.ID,
		WorkType:      types.WorkTypeHA,
		Step:          types.StepScheduled,
		HostID:        "host-1",
		PreviousState: vm.State,
		UpdateTime:    1, // stale relative to the live VM
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)

	orch := &fakeOrchestrator{}
	sm := newTestStateMachine(store, orch, NewInvestigatorSet(), NewFencerSet(), gate, cfg)

	require.NoError(t, sm.ProcessWork(context.Background(), item))

	stored, err := store.ListWorkItems()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, types.StepDone, stored[0].Step)
	assert.Empty(t, orch.stopCalls)
	assert.Empty(t, orch.startCalls)
}

// P10: CheckStop never force-stops when the guard fails.
func TestCheckStopNeverForceStopsOnGuardFailure(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	gate := NewFeatureGate(cfg, nil)

	vm := testVM("vm-1", "host-1")
	vm.UpdateTime = 2
	vm.HostID = "host-2" // VM has since moved off the recorded source host
	store.putVM(vm)

	item, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID:    vm.ID,
		WorkType:      types.WorkTypeCheckStop,
		Step:          types.StepScheduled,
		HostID:        "host-1",
		PreviousState: types.VMStateRunning,
		UpdateTime:    1,
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)

	orch := &fakeOrchestrator{}
	sm := newTestStateMachine(store, orch, NewInvestigatorSet(), NewFencerSet(), gate, cfg)

	require.NoError(t, sm.ProcessWork(context.Background(), item))

	assert.Empty(t, orch.stopCalls, "CheckStop must not force-stop when the guard (state/updateTime/hostID) fails")

	stored, err := store.ListWorkItems()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, types.StepDone, stored[0].Step)
}

func TestHAFlowFencesUnknownLivenessAndAlertsOnFailure(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	alerts := &fakeAlertManager{}
	gate := NewFeatureGate(cfg, alerts)

	vm := testVM("vm-1", "host-1")
	store.putVM(vm)
	store.putHost(testHost("host-1"))

	item, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID:    vm.ID,
		WorkType:      types.WorkTypeHA,
		Step:          types.StepScheduled,
		HostID:        "host-1",
		PreviousState: vm.State,
		UpdateTime:    vm.UpdateTime,
		ReasonType:    types.ReasonHostDown,
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)

	orch := &fakeOrchestrator{}
	investigators := NewInvestigatorSet(&fakeInvestigator{agentStatus: types.AgentStatusUnknown, vmLiveness: LivenessUnknown})
	fencers := NewFencerSet(&fakeFencer{result: FenceFailure})
	sm := newTestStateMachine(store, orch, investigators, fencers, gate, cfg)

	require.NoError(t, sm.ProcessWork(context.Background(), item))

	assert.Empty(t, orch.stopCalls)
	assert.Equal(t, 1, alerts.count())

	stored, err := store.ListWorkItems()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].IsTerminal())
	assert.Equal(t, 1, stored[0].TimesTried)
}

func TestHAFlowRestartsDeadVM(t *testing.T) {
	store := newFakeStore()
	cfg := testConfig()
	gate := NewFeatureGate(cfg, nil)

	vm := testVM("vm-1", "host-1")
	vm.HaEnabled = true // only HA-managed VMs are restarted
	store.putVM(vm)
	store.putHost(testHost("host-1"))

	item, err := store.PersistWorkItem(&types.WorkItem{
		InstanceID:    vm.ID,
		WorkType:      types.WorkTypeHA,
		Step:          types.StepScheduled,
		HostID:        "host-1",
		PreviousState: vm.State,
		UpdateTime:    vm.UpdateTime,
		ReasonType:    types.ReasonHostDown,
		CreatedAt:     time.Now(),
	})
	require.NoError(t, err)

	orch := &fakeOrchestrator{
		onStart: func(vmID string) {
			running := store.vms[vmID]
			running.State = types.VMStateRunning
		},
	}
	investigators := NewInvestigatorSet(&fakeInvestigator{agentStatus: types.AgentStatusDown, vmLiveness: LivenessDead})
	sm := newTestStateMachine(store, orch, investigators, NewFencerSet(), gate, cfg)

	require.NoError(t, sm.ProcessWork(context.Background(), item))

	assert.Equal(t, []string{"vm-1"}, orch.stopCalls)
	require.Len(t, orch.startCalls, 1)

	stored, err := store.ListWorkItems()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, types.StepDone, stored[0].Step)
}
