package ha

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// wakeupNotifier lets Scheduler nudge idle workers without depending on
// the concrete WorkerPool type, so tests can assert scheduling behavior
// without spinning up real goroutines.
type wakeupNotifier interface {
	Wakeup()
}

// Scheduler is the coordinator's public API (spec §4.7): code that
// decides "this VM/host needs recovery work" goes through it rather than
// persisting a WorkItem directly. In this repository its callers are the
// investigate and schedule-restart commands in cmd/warden.
type Scheduler struct {
	store         Store
	investigators *InvestigatorSet
	featureGate   *FeatureGate
	orchestrator  Orchestrator
	config        *Config
	workers       wakeupNotifier
	broker        *events.Broker
}

// NewScheduler builds a Scheduler. workers and broker may be nil in tests
// that don't care about the wakeup nudge or event publication.
func NewScheduler(store Store, investigators *InvestigatorSet, featureGate *FeatureGate, orchestrator Orchestrator, config *Config, workers wakeupNotifier, broker *events.Broker) *Scheduler {
	return &Scheduler{
		store:         store,
		investigators: investigators,
		featureGate:   featureGate,
		orchestrator:  orchestrator,
		config:        config,
		workers:       workers,
		broker:        broker,
	}
}

func (s *Scheduler) publish(eventType events.EventType, message string, metadata map[string]string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: eventType, Message: message, Metadata: metadata})
}

func (s *Scheduler) wakeup() {
	if s.workers != nil {
		s.workers.Wakeup()
	}
}

// Investigate is the entry point for a detected host problem: it
// re-confirms the host is actually down before committing to recovery
// (a host that already recovered by the time this runs needs no work),
// then schedules HA work for every VM on it and raises one throttled
// alert (spec §4.7, §4.9).
func (s *Scheduler) Investigate(ctx context.Context, host *types.Host, reason types.ReasonType) error {
	status, err := s.investigators.InvestigateHost(ctx, host)
	if err != nil {
		return err
	}
	if status == types.AgentStatusUp {
		return nil
	}

	if err := s.ScheduleRestartForVmsOnHost(ctx, host, true, reason); err != nil {
		return err
	}
	return nil
}

// ScheduleRestartForVmsOnHost schedules HA WorkItems for the VMs on host
// that are actually restart candidates (spec §4.6): non-routing hosts
// (storage, secondary storage, console proxy) hold nothing the scheduler
// restarts, and hypervisors in hypervisorsWithHostSideHa already handle
// their own VM restart, so both are skipped outright. Of the remaining
// VMs, local-storage-rooted ones are skipped (their root volume pins them
// to the dead host) and system VMs are scheduled before user VMs so
// infrastructure (routers, proxies) comes back first. One aggregate
// host-down alert is sent regardless of how many VMs ended up scheduled.
func (s *Scheduler) ScheduleRestartForVmsOnHost(ctx context.Context, host *types.Host, investigate bool, reason types.ReasonType) error {
	if !host.Type.IsRouting() {
		return nil
	}
	if s.config.hasHostSideHA(host.Hypervisor) {
		return nil
	}

	vms, err := s.store.ListVMsByHost(host.ID)
	if err != nil {
		return err
	}

	candidates := make([]*types.VM, 0, len(vms))
	for _, vm := range vms {
		if vm.State != types.VMStateRunning {
			continue
		}
		if vm.RootVolume != nil && vm.RootVolume.IsLocalStorage {
			continue
		}
		candidates = append(candidates, vm)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].InstanceType.IsSystemVM() && !candidates[j].InstanceType.IsSystemVM()
	})

	for _, vm := range candidates {
		if err := s.ScheduleRestart(ctx, vm, investigate, reason); err != nil {
			log.WithVmID(vm.ID).Error().Err(err).Msg("failed to schedule HA restart")
		}
	}

	if err := s.featureGate.AlertHostDown(ctx, host, reason,
		fmt.Sprintf("host %s is down", host.ID),
		fmt.Sprintf("host %s (%s) in zone %s pod %s failed liveness checks, reason=%s", host.ID, host.Hostname, host.ZoneID, host.PodID, reason)); err != nil {
		return err
	}
	s.publish(events.EventHostDownAlert, fmt.Sprintf("host %s is down", host.ID), map[string]string{"host_id": host.ID, "reason": string(reason)})
	return nil
}

// ScheduleRestart schedules a single HA WorkItem for vm, skipping if one
// is already pending (HasBeenScheduled) and carrying over the previous
// attempt's timesTried if a prior HA WorkItem for the same VM completed
// within TimeBetweenFailures (spec's HA retry carry-over). It requires
// the zone's feature gate to be on. If vm has no current host and this
// call did not arrive via Investigate, the VM's last known state can't be
// trusted, so it is force-stopped through the orchestrator first to
// normalize it before the restart work is queued.
func (s *Scheduler) ScheduleRestart(ctx context.Context, vm *types.VM, investigate bool, reason types.ReasonType) error {
	if !s.featureGate.HaEnabled(vm.ZoneID) {
		return nil
	}

	scheduled, err := s.store.HasBeenScheduled(vm.ID, types.WorkTypeHA)
	if err != nil {
		return err
	}
	if scheduled {
		return nil
	}

	if vm.HostID == "" && !investigate {
		if err := s.orchestrator.AdvanceStop(ctx, vm.ID, true); err != nil {
			return err
		}
	}

	timesTried := 0
	if prev, perr := s.store.FindPreviousHA(vm.ID); perr == nil && prev != nil && prev.CompletedAt != nil {
		if time.Since(*prev.CompletedAt) < s.config.TimeBetweenFailures {
			timesTried = prev.TimesTried
		}
	}

	item := &types.WorkItem{
		InstanceID:    vm.ID,
		InstanceType:  vm.InstanceType,
		WorkType:      types.WorkTypeHA,
		Step:          types.StepScheduled,
		HostID:        vm.HostID,
		PreviousState: vm.State,
		UpdateTime:    vm.UpdateTime,
		TimesTried:    timesTried,
		ReasonType:    reason,
		CreatedAt:     time.Now(),
	}

	if _, err := s.store.PersistWorkItem(item); err != nil {
		return err
	}
	metrics.WorkItemsScheduled.WithLabelValues(string(types.WorkTypeHA), string(reason)).Inc()
	s.publish(events.EventWorkItemScheduled, fmt.Sprintf("HA work scheduled for vm %s", vm.ID), map[string]string{"vm_id": vm.ID, "work_type": string(types.WorkTypeHA)})
	s.wakeup()
	return nil
}

// ScheduleStop schedules a Stop, CheckStop, or ForceStop WorkItem for vm
// against hostID, rejecting duplicates of the same (vm, workType) pair via
// HasBeenScheduled.
func (s *Scheduler) ScheduleStop(ctx context.Context, vm *types.VM, hostID string, workType types.WorkType, reason types.ReasonType) error {
	switch workType {
	case types.WorkTypeStop, types.WorkTypeCheckStop, types.WorkTypeForceStop:
	default:
		return fmt.Errorf("scheduleStop: invalid work type %q", workType)
	}

	scheduled, err := s.store.HasBeenScheduled(vm.ID, workType)
	if err != nil {
		return err
	}
	if scheduled {
		return nil
	}

	item := &types.WorkItem{
		InstanceID:    vm.ID,
		InstanceType:  vm.InstanceType,
		WorkType:      workType,
		Step:          types.StepScheduled,
		HostID:        hostID,
		PreviousState: vm.State,
		UpdateTime:    vm.UpdateTime,
		ReasonType:    reason,
		CreatedAt:     time.Now(),
	}

	if _, err := s.store.PersistWorkItem(item); err != nil {
		return err
	}
	metrics.WorkItemsScheduled.WithLabelValues(string(workType), string(reason)).Inc()
	s.publish(events.EventWorkItemScheduled, fmt.Sprintf("%s work scheduled for vm %s", workType, vm.ID), map[string]string{"vm_id": vm.ID, "work_type": string(workType)})
	s.wakeup()
	return nil
}

// ScheduleMigration schedules a Migration WorkItem moving vm off
// sourceHostID.
func (s *Scheduler) ScheduleMigration(ctx context.Context, vm *types.VM, sourceHostID string, reason types.ReasonType) error {
	pending, err := s.store.ListPendingMigrationsForVm(vm.ID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}

	item := &types.WorkItem{
		InstanceID:    vm.ID,
		InstanceType:  vm.InstanceType,
		WorkType:      types.WorkTypeMigration,
		Step:          types.StepScheduled,
		HostID:        sourceHostID,
		PreviousState: vm.State,
		UpdateTime:    vm.UpdateTime,
		ReasonType:    reason,
		CreatedAt:     time.Now(),
	}

	if _, err := s.store.PersistWorkItem(item); err != nil {
		return err
	}
	metrics.WorkItemsScheduled.WithLabelValues(string(types.WorkTypeMigration), string(reason)).Inc()
	s.wakeup()
	return nil
}

// ScheduleDestroy schedules a Destroy WorkItem for vm.
func (s *Scheduler) ScheduleDestroy(ctx context.Context, vm *types.VM) error {
	item := &types.WorkItem{
		InstanceID:    vm.ID,
		InstanceType:  vm.InstanceType,
		WorkType:      types.WorkTypeDestroy,
		Step:          types.StepScheduled,
		HostID:        vm.HostID,
		PreviousState: vm.State,
		UpdateTime:    vm.UpdateTime,
		ReasonType:    types.ReasonUserRequested,
		CreatedAt:     time.Now(),
	}

	if _, err := s.store.PersistWorkItem(item); err != nil {
		return err
	}
	metrics.WorkItemsScheduled.WithLabelValues(string(types.WorkTypeDestroy), string(types.ReasonUserRequested)).Inc()
	s.wakeup()
	return nil
}

// CancelDestroy removes every Destroy WorkItem for vmID, if any exists,
// whatever its step and whether or not a peer has taken it.
func (s *Scheduler) CancelDestroy(ctx context.Context, vmID string) error {
	return s.store.Delete(vmID, types.WorkTypeDestroy)
}

// CancelScheduledMigrations removes work sourced from host that would
// otherwise race with a maintenance evacuation: on a storage-type host
// that means Stop items (storage hosts never hold Migration work), and on
// a routing host it means Migration items. A non-empty serverID limits
// the removal to items currently taken by that server; an empty one
// removes all of them.
func (s *Scheduler) CancelScheduledMigrations(ctx context.Context, host *types.Host, serverID string) error {
	workType := types.WorkTypeMigration
	if host.Type.IsStorage() {
		workType = types.WorkTypeStop
	}
	return s.store.DeleteMigrationWorkItems(host.ID, workType, serverID)
}

// FindTakenMigrationWork lists Migration WorkItems currently leased by any
// peer, i.e. the migrations in flight.
func (s *Scheduler) FindTakenMigrationWork(ctx context.Context) ([]*types.WorkItem, error) {
	return s.store.FindTakenWorkItems(types.WorkTypeMigration)
}

// ExpungeWorkItemsByVmList purges WorkItems (in any step) for the given
// VMs, at most batchSize per call (0 means no cap), used when those VMs
// are being permanently removed from the cluster.
func (s *Scheduler) ExpungeWorkItemsByVmList(ctx context.Context, vmIDs []string, batchSize int) (int, error) {
	return s.store.ExpungeByVmList(vmIDs, batchSize)
}
