package ha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// StateMachine drives a single WorkItem through spec §4.4's per-workType
// recovery flow. It holds no in-memory state about items between
// invocations: every decision is made from the item and a fresh read of
// the VM/host it concerns, consistent with the Store being the only
// shared mutable resource (spec §5).
type StateMachine struct {
	store           Store
	orchestrator    Orchestrator
	volumes         VolumeOrchestrator
	dataStore       DataStoreDriver
	resources       ResourceManager
	alerts          AlertManager
	featureGate     *FeatureGate
	investigators   *InvestigatorSet
	fencers         *FencerSet
	ordinaryPlanner Planner
	config          *Config
	broker          *events.Broker
}

// StateMachineDeps bundles StateMachine's external collaborators.
type StateMachineDeps struct {
	Store           Store
	Orchestrator    Orchestrator
	Volumes         VolumeOrchestrator
	DataStore       DataStoreDriver
	Resources       ResourceManager
	Alerts          AlertManager
	FeatureGate     *FeatureGate
	Investigators   *InvestigatorSet
	Fencers         *FencerSet
	OrdinaryPlanner Planner
	Config          *Config
	Broker          *events.Broker
}

// NewStateMachine builds a StateMachine over deps. Broker may be nil in
// tests that don't care about event publication.
func NewStateMachine(deps StateMachineDeps) *StateMachine {
	return &StateMachine{
		store:           deps.Store,
		orchestrator:    deps.Orchestrator,
		volumes:         deps.Volumes,
		dataStore:       deps.DataStore,
		resources:       deps.Resources,
		alerts:          deps.Alerts,
		featureGate:     deps.FeatureGate,
		investigators:   deps.Investigators,
		fencers:         deps.Fencers,
		ordinaryPlanner: deps.OrdinaryPlanner,
		config:          deps.Config,
		broker:          deps.Broker,
	}
}

// stepResult is what a per-workType step function reports back to the
// shared post-execution logic (spec §4.4 "Shared post-execution logic").
type stepResult struct {
	terminal        types.Step // non-"" means the item moves directly to this terminal step
	rescheduleAfter time.Duration
	refreshFromVM   bool
}

// ProcessWork advances item by one step according to its workType,
// tolerating any error from the step function by forcing a generic
// reschedule rather than propagating (spec §4.5: "workers must tolerate
// any throwable from processWork").
func (sm *StateMachine) ProcessWork(ctx context.Context, item *types.WorkItem) error {
	logger := log.WithWorkID(item.ID)
	timer := metrics.NewTimer()

	var result *stepResult
	var err error

	switch item.WorkType {
	case types.WorkTypeHA:
		result, err = sm.processHA(ctx, item)
	case types.WorkTypeMigration:
		result, err = sm.processMigration(ctx, item)
	case types.WorkTypeStop:
		result, err = sm.processStop(ctx, item, false, false)
	case types.WorkTypeCheckStop:
		result, err = sm.processStop(ctx, item, true, false)
	case types.WorkTypeForceStop:
		result, err = sm.processStop(ctx, item, true, true)
	case types.WorkTypeDestroy:
		result, err = sm.processDestroy(ctx, item)
	default:
		err = fmt.Errorf("unknown work type %q", item.WorkType)
	}

	if err != nil {
		logger.Error().Err(err).Str("work_type", string(item.WorkType)).Msg("work step failed, forcing generic reschedule")
		result = &stepResult{rescheduleAfter: sm.genericRetryInterval(item.WorkType), refreshFromVM: true}
	}

	applyErr := sm.applyResult(ctx, item, result)
	if result != nil && result.terminal != "" {
		timer.ObserveDurationVec(metrics.RecoveryDuration, string(item.WorkType))
	}
	return applyErr
}

func (sm *StateMachine) genericRetryInterval(wt types.WorkType) time.Duration {
	switch wt {
	case types.WorkTypeHA:
		return sm.config.RestartRetryInterval
	case types.WorkTypeMigration:
		return sm.config.MigrateRetryInterval
	default:
		return sm.config.StopRetryInterval
	}
}

// applyResult implements spec §4.4's shared post-execution logic: nil
// means Done, a terminal step moves the item there directly, and a
// positive rescheduleAfter reschedules with timesTried incremented,
// force-terminating as Done once timesTried reaches maxRetries.
func (sm *StateMachine) applyResult(ctx context.Context, item *types.WorkItem, result *stepResult) error {
	now := time.Now()

	if result == nil || (result.terminal == "" && result.rescheduleAfter == 0) {
		return sm.finish(item, types.StepDone, now)
	}

	if result.terminal != "" {
		return sm.finish(item, result.terminal, now)
	}

	item.TimesTried++
	if item.TimesTried >= sm.config.MaxRetries {
		log.WithWorkID(item.ID).Warn().Int("times_tried", item.TimesTried).Msg("gave up after reaching max retries")
		return sm.finish(item, types.StepDone, now)
	}

	if result.refreshFromVM {
		if vm, err := sm.store.GetVM(item.InstanceID); err == nil {
			item.PreviousState = vm.State
			item.UpdateTime = vm.UpdateTime
		}
	}

	item.TimeToTry = now.Add(result.rescheduleAfter).Unix()
	item.ServerID = ""
	item.DateTaken = nil
	metrics.WorkItemRetries.WithLabelValues(string(item.WorkType)).Inc()
	return sm.store.UpdateWorkItem(item)
}

func (sm *StateMachine) finish(item *types.WorkItem, step types.Step, now time.Time) error {
	item.Step = step
	item.ServerID = ""
	item.DateTaken = nil
	terminal := step == types.StepDone || step == types.StepCancelled || step == types.StepError
	if terminal {
		item.CompletedAt = &now
	}
	metrics.WorkItemsCompleted.WithLabelValues(string(item.WorkType), string(step)).Inc()
	if err := sm.store.UpdateWorkItem(item); err != nil {
		return err
	}
	if terminal && sm.broker != nil {
		sm.broker.Publish(&events.Event{
			Type:     events.EventWorkItemCompleted,
			Message:  fmt.Sprintf("work item %d completed as %s", item.ID, step),
			Metadata: map[string]string{"instance_id": item.InstanceID, "work_type": string(item.WorkType), "step": string(step)},
		})
	}
	return nil
}

func isRetryableErr(err error) bool {
	var cerr *types.CollaboratorError
	if errors.As(err, &cerr) {
		return cerr.Kind.IsRetryable()
	}
	return false
}

func isInsufficientCapacity(err error) bool {
	var cerr *types.CollaboratorError
	if errors.As(err, &cerr) {
		return cerr.Kind == types.KindInsufficientCapacity
	}
	return false
}

// --- HA (restart) flow, spec §4.4 "HA (restart) flow" ---

func (sm *StateMachine) processHA(ctx context.Context, item *types.WorkItem) (*stepResult, error) {
	vm, err := sm.store.GetVM(item.InstanceID)
	if err != nil {
		return nil, err
	}

	// 1. Gate.
	if !sm.featureGate.HaEnabled(vm.ZoneID) {
		return &stepResult{rescheduleAfter: sm.config.RestartRetryInterval}, nil
	}

	// 2. Supersede.
	futures, err := sm.store.ListFutureHaWorkForVm(vm.ID, item.ID)
	if err != nil {
		return nil, err
	}
	if len(futures) > 0 {
		return &stepResult{terminal: types.StepCancelled}, nil
	}

	// 3. Serialize.
	running, err := sm.store.ListRunningHaWorkForVm(vm.ID)
	if err != nil {
		return nil, err
	}
	for _, other := range running {
		if other.ID != item.ID {
			return &stepResult{rescheduleAfter: sm.config.InvestigateRetryInterval}, nil
		}
	}

	// 4. Staleness check (P9).
	if vm.State != item.PreviousState || vm.UpdateTime != item.UpdateTime {
		return &stepResult{terminal: types.StepDone}, nil
	}

	host, err := sm.store.GetHost(item.HostID)
	if err != nil {
		return nil, err
	}

	// 5. Policy exclusions.
	if sm.config.hasHostSideHA(host.Hypervisor) {
		return &stepResult{terminal: types.StepDone}, nil
	}
	if local, lerr := sm.orchestrator.IsRootVolumeOnLocalStorage(ctx, vm.ID); lerr == nil && local {
		if sm.volumes != nil {
			if canRestart, verr := sm.volumes.CanVmRestartOnAnotherServer(ctx, vm.ID); verr == nil && !canRestart {
				return &stepResult{terminal: types.StepDone}, nil
			}
		}
	}

	// 6. Cancellable reasons.
	if item.Step == types.StepInvestigating && item.ReasonType.Cancellable() {
		status, ierr := sm.investigators.InvestigateHost(ctx, host)
		if ierr == nil && status == types.AgentStatusUp {
			return &stepResult{terminal: types.StepCancelled}, nil
		}
	}

	// 7. Investigate.
	item.Step = types.StepInvestigating
	liveness, err := sm.investigators.InvestigateVm(ctx, vm, host)
	if err != nil {
		return nil, err
	}
	switch liveness {
	case LivenessAlive:
		status, _ := sm.investigators.InvestigateHost(ctx, host)
		if status == types.AgentStatusUp {
			return &stepResult{terminal: types.StepDone}, nil
		}
		return &stepResult{rescheduleAfter: sm.config.InvestigateRetryInterval}, nil
	case LivenessUnknown:
		fenced, ferr := sm.fencers.Fence(ctx, vm, host)
		if ferr != nil {
			return nil, ferr
		}
		if fenced {
			metrics.FencingAttempts.WithLabelValues("success").Inc()
		} else {
			metrics.FencingAttempts.WithLabelValues("failure").Inc()
			_ = sm.featureGate.AlertHostDown(ctx, host, item.ReasonType,
				fmt.Sprintf("fencing failed for VM %s", vm.ID),
				fmt.Sprintf("all fencers failed to isolate VM %s from host %s", vm.ID, host.ID))
			return &stepResult{rescheduleAfter: sm.config.RestartRetryInterval}, nil
		}
	case LivenessDead:
		// proceed to stop+restart below
	}

	// 8. Stop. The force-stop always re-enters Scheduled first. There is
	// no separate host-removed branch: a host whose record cannot be
	// loaded fails GetHost above and the item is rescheduled without a
	// force-stop.
	item.Step = types.StepScheduled
	if err := sm.orchestrator.AdvanceStop(ctx, vm.ID, true); err != nil {
		return nil, fmt.Errorf("force stop during HA restart: %w", err)
	}

	// 9. Start.
	haManaged := sm.config.ForceHA || vm.HaEnabled
	if haManaged {
		if err := sm.startForHA(ctx, vm, item, host); err != nil {
			return &stepResult{rescheduleAfter: sm.config.RestartRetryInterval}, nil
		}
	}

	// 10. Result.
	refreshed, err := sm.store.GetVM(vm.ID)
	if err != nil {
		return nil, err
	}
	if refreshed.State == types.VMStateRunning {
		if sm.alerts != nil && sm.featureGate.AlertsEnabled(refreshed.ZoneID) {
			_ = sm.alerts.SendAlert(ctx, "HAStarted", refreshed.ZoneID, refreshed.PodID,
				fmt.Sprintf("HA starting VM %s", refreshed.ID), "")
		}
		return &stepResult{terminal: types.StepDone}, nil
	}
	return &stepResult{rescheduleAfter: sm.config.RestartRetryInterval, refreshFromVM: true}, nil
}

func (sm *StateMachine) startForHA(ctx context.Context, vm *types.VM, item *types.WorkItem, failedHost *types.Host) error {
	if err := sm.preDetachIfNeeded(ctx, vm); err != nil {
		return err
	}

	startErr := sm.orchestrator.AdvanceStart(ctx, vm.ID, vm.InstanceType, sm.ordinaryPlanner, sm.config.HaTag)
	if startErr == nil {
		return nil
	}
	if !isInsufficientCapacity(startErr) {
		return startErr
	}

	haPlanner := NewEmergencyHAPlanner(failedHost.ID)
	return sm.orchestrator.AdvanceStart(ctx, vm.ID, vm.InstanceType, haPlanner, sm.config.HaTag)
}

func (sm *StateMachine) preDetachIfNeeded(ctx context.Context, vm *types.VM) error {
	if vm.RootVolume == nil || sm.dataStore == nil {
		return nil
	}
	if !vm.RootVolume.StorageType.RequiresPreDetach() {
		return nil
	}
	return sm.dataStore.DetachVolumeFromAllStorageNodes(ctx, vm.RootVolume)
}

// --- Migration flow, spec §4.4 "Migration flow" ---

func (sm *StateMachine) processMigration(ctx context.Context, item *types.WorkItem) (*stepResult, error) {
	vm, err := sm.store.GetVM(item.InstanceID)
	if err != nil {
		return nil, err
	}

	if vm.State == types.VMStateStopped || vm.HostID != item.HostID {
		return &stepResult{terminal: types.StepDone}, nil
	}

	err = sm.orchestrator.MigrateAway(ctx, vm.ID, item.HostID)
	if err == nil {
		return &stepResult{terminal: types.StepDone}, nil
	}

	if isInsufficientCapacity(err) {
		if sm.resources != nil {
			_ = sm.resources.MigrateAwayFailed(ctx, item.HostID, vm.ID)
		}
		return &stepResult{rescheduleAfter: sm.config.MigrateRetryInterval}, nil
	}
	return nil, err
}

// --- Stop / CheckStop / ForceStop flow, spec §4.4 ---

func (sm *StateMachine) processStop(ctx context.Context, item *types.WorkItem, guarded, force bool) (*stepResult, error) {
	vm, err := sm.store.GetVM(item.InstanceID)
	if err != nil {
		return nil, err
	}

	if guarded {
		// P10: never force-stop when the guard fails.
		if vm.State != item.PreviousState || vm.UpdateTime != item.UpdateTime || vm.HostID != item.HostID {
			return &stepResult{terminal: types.StepDone}, nil
		}
	}

	if err := sm.orchestrator.AdvanceStop(ctx, vm.ID, force); err != nil {
		if isRetryableErr(err) {
			return &stepResult{rescheduleAfter: sm.config.StopRetryInterval}, nil
		}
		return nil, err
	}
	return &stepResult{terminal: types.StepDone}, nil
}

// --- Destroy flow, spec §4.4 "Destroy flow" ---

func (sm *StateMachine) processDestroy(ctx context.Context, item *types.WorkItem) (*stepResult, error) {
	vm, err := sm.store.GetVM(item.InstanceID)
	if err != nil {
		return nil, err
	}

	if item.PreviousState == types.VMStateDestroyed && !vm.InstanceType.IsSystemVM() {
		return &stepResult{terminal: types.StepDone}, nil
	}

	if vm.State == types.VMStateRunning {
		if err := sm.orchestrator.AdvanceStop(ctx, vm.ID, true); err != nil {
			if isRetryableErr(err) {
				return &stepResult{rescheduleAfter: sm.config.StopRetryInterval}, nil
			}
			return nil, err
		}
	}

	expunge := vm.InstanceType.IsSystemVM()
	if err := sm.orchestrator.Destroy(ctx, vm.ID, expunge); err != nil {
		if isRetryableErr(err) {
			return &stepResult{rescheduleAfter: sm.config.StopRetryInterval}, nil
		}
		return nil, err
	}
	return &stepResult{terminal: types.StepDone}, nil
}
