package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// fakeStore is an in-memory Store used across this package's tests. It
// mimics the subset of manager.Manager's semantics each test needs:
// monotonic IDs, at-most-one TakeWorkItem, and the query helpers the
// scheduler and state machine depend on.
type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	items    map[int64]*types.WorkItem
	hosts    map[string]*types.Host
	vms      map[string]*types.VM
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items: make(map[int64]*types.WorkItem),
		hosts: make(map[string]*types.Host),
		vms:   make(map[string]*types.VM),
	}
}

func (s *fakeStore) PersistWorkItem(item *types.WorkItem) (*types.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	clone := *item
	clone.ID = s.nextID
	s.items[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (s *fakeStore) TakeWorkItem(serverID string) (*types.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, item := range s.items {
		if item.IsTaken() || item.IsTerminal() {
			continue
		}
		if item.TimeToTry != 0 && item.TimeToTry > now.Unix() {
			continue
		}
		item.ServerID = serverID
		item.DateTaken = &now
		out := *item
		return &out, nil
	}
	return nil, nil
}

func (s *fakeStore) UpdateWorkItem(item *types.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return fmt.Errorf("work item %d not found", item.ID)
	}
	clone := *item
	s.items[item.ID] = &clone
	return nil
}

func (s *fakeStore) ListWorkItems() ([]*types.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WorkItem
	for _, item := range s.items {
		clone := *item
		out = append(out, &clone)
	}
	return out, nil
}

func (s *fakeStore) HasBeenScheduled(vmID string, workType types.WorkType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.InstanceID == vmID && item.WorkType == workType && !item.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ListPendingHaWorkForVm(vmID string) ([]*types.WorkItem, error) {
	return s.filter(func(i *types.WorkItem) bool {
		return i.InstanceID == vmID && i.WorkType == types.WorkTypeHA && !i.IsTerminal()
	})
}

func (s *fakeStore) ListPendingMigrationsForVm(vmID string) ([]*types.WorkItem, error) {
	return s.filter(func(i *types.WorkItem) bool {
		return i.InstanceID == vmID && i.WorkType == types.WorkTypeMigration && !i.IsTerminal()
	})
}

func (s *fakeStore) FindPreviousHA(vmID string) (*types.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *types.WorkItem
	for _, item := range s.items {
		if item.InstanceID != vmID || item.WorkType != types.WorkTypeHA || !item.IsTerminal() {
			continue
		}
		if latest == nil || item.ID > latest.ID {
			latest = item
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (s *fakeStore) ListFutureHaWorkForVm(vmID string, excludeID int64) ([]*types.WorkItem, error) {
	return s.filter(func(i *types.WorkItem) bool {
		return i.InstanceID == vmID && i.WorkType == types.WorkTypeHA && i.ID != excludeID && !i.IsTerminal() && i.ID > excludeID
	})
}

func (s *fakeStore) ListRunningHaWorkForVm(vmID string) ([]*types.WorkItem, error) {
	return s.filter(func(i *types.WorkItem) bool {
		return i.InstanceID == vmID && i.WorkType == types.WorkTypeHA && !i.IsTerminal()
	})
}

func (s *fakeStore) FindTakenWorkItems(workType types.WorkType) ([]*types.WorkItem, error) {
	return s.filter(func(i *types.WorkItem) bool {
		return i.WorkType == workType && i.IsTaken()
	})
}

func (s *fakeStore) DeleteMigrationWorkItems(hostID string, workType types.WorkType, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.items {
		if item.HostID == hostID && item.WorkType == workType && !item.IsTaken() {
			delete(s.items, id)
		}
	}
	return nil
}

func (s *fakeStore) ReleaseWorkItems(serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ServerID == serverID {
			item.ServerID = ""
			item.DateTaken = nil
		}
	}
	return nil
}

func (s *fakeStore) MarkPendingWorksAsInvestigating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.WorkType == types.WorkTypeHA && item.Step == types.StepScheduled {
			item.Step = types.StepInvestigating
		}
	}
	return nil
}

func (s *fakeStore) MarkServerPendingWorksAsInvestigating(serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ServerID == serverID && item.WorkType == types.WorkTypeHA && item.Step == types.StepScheduled {
			item.Step = types.StepInvestigating
		}
	}
	return nil
}

func (s *fakeStore) Cleanup(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, item := range s.items {
		if item.IsTerminal() && item.CompletedAt != nil && item.CompletedAt.Before(olderThan) {
			delete(s.items, id)
			purged++
		}
	}
	return purged, nil
}

func (s *fakeStore) ExpungeByVmList(vmIDs []string, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(vmIDs))
	for _, id := range vmIDs {
		want[id] = true
	}
	purged := 0
	for id, item := range s.items {
		if want[item.InstanceID] {
			delete(s.items, id)
			purged++
		}
	}
	return purged, nil
}

func (s *fakeStore) Delete(vmID string, workType types.WorkType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, item := range s.items {
		if item.InstanceID == vmID && item.WorkType == workType && !item.IsTaken() {
			delete(s.items, id)
		}
	}
	return nil
}

func (s *fakeStore) GetHost(id string) (*types.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	host, ok := s.hosts[id]
	if !ok {
		return nil, fmt.Errorf("host %s not found", id)
	}
	out := *host
	return &out, nil
}

func (s *fakeStore) ListHosts() ([]*types.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Host
	for _, h := range s.hosts {
		clone := *h
		out = append(out, &clone)
	}
	return out, nil
}

func (s *fakeStore) GetVM(id string) (*types.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, fmt.Errorf("vm %s not found", id)
	}
	out := *vm
	return &out, nil
}

func (s *fakeStore) ListVMs() ([]*types.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.VM
	for _, vm := range s.vms {
		clone := *vm
		out = append(out, &clone)
	}
	return out, nil
}

func (s *fakeStore) ListVMsByHost(hostID string) ([]*types.VM, error) {
	return func() ([]*types.VM, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []*types.VM
		for _, vm := range s.vms {
			if vm.HostID == hostID {
				clone := *vm
				out = append(out, &clone)
			}
		}
		return out, nil
	}()
}

func (s *fakeStore) filter(pred func(*types.WorkItem) bool) ([]*types.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.WorkItem
	for _, item := range s.items {
		if pred(item) {
			clone := *item
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeStore) putHost(h *types.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[h.ID] = h
}

func (s *fakeStore) putVM(vm *types.VM) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vms[vm.ID] = vm
}

// fakeOrchestrator records calls and lets tests script failures.
type fakeOrchestrator struct {
	mu sync.Mutex

	stopCalls  []string
	startCalls []string

	startErr     error
	startErrOnce bool
	stopErr      error
	migrateErr   error
	destroyErr   error
	localStorage bool

	onStart func(vmID string)
}

func (o *fakeOrchestrator) AdvanceStop(ctx context.Context, vmID string, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopCalls = append(o.stopCalls, vmID)
	return o.stopErr
}

func (o *fakeOrchestrator) AdvanceStart(ctx context.Context, vmID string, instanceType types.InstanceType, planner Planner, haTag string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startCalls = append(o.startCalls, fmt.Sprintf("%s/%s", vmID, planner.Name()))
	if o.onStart != nil {
		o.onStart(vmID)
	}
	if o.startErr != nil {
		err := o.startErr
		if o.startErrOnce {
			o.startErr = nil
		}
		return err
	}
	return nil
}

func (o *fakeOrchestrator) MigrateAway(ctx context.Context, vmID, sourceHostID string) error {
	return o.migrateErr
}

func (o *fakeOrchestrator) Destroy(ctx context.Context, vmID string, expunge bool) error {
	return o.destroyErr
}

func (o *fakeOrchestrator) FindByID(ctx context.Context, vmID string) (*types.VM, error) {
	return nil, fmt.Errorf("not implemented in fake")
}

func (o *fakeOrchestrator) IsRootVolumeOnLocalStorage(ctx context.Context, vmID string) (bool, error) {
	return o.localStorage, nil
}

type fakeVolumeOrchestrator struct {
	canRestart bool
}

func (v *fakeVolumeOrchestrator) CanVmRestartOnAnotherServer(ctx context.Context, vmID string) (bool, error) {
	return v.canRestart, nil
}

type fakeAlertManager struct {
	mu    sync.Mutex
	sent  []string
}

func (a *fakeAlertManager) SendAlert(ctx context.Context, alertType, zoneID, podID, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, fmt.Sprintf("%s:%s:%s", alertType, zoneID, subject))
	return nil
}

func (a *fakeAlertManager) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

// fakeInvestigator lets a test script host/VM liveness verdicts.
type fakeInvestigator struct {
	agentStatus types.AgentStatus
	vmLiveness  Liveness
}

func (f *fakeInvestigator) Name() string { return "fake" }

func (f *fakeInvestigator) IsAgentAlive(ctx context.Context, host *types.Host) (types.AgentStatus, error) {
	return f.agentStatus, nil
}

func (f *fakeInvestigator) IsVmAlive(ctx context.Context, vm *types.VM, host *types.Host) (Liveness, error) {
	return f.vmLiveness, nil
}

// fakeFencer lets a test script a fixed fencing outcome.
type fakeFencer struct {
	result FenceResult
}

func (f *fakeFencer) Name() string { return "fake" }

func (f *fakeFencer) Fence(ctx context.Context, vm *types.VM, host *types.Host) (FenceResult, error) {
	return f.result, nil
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.RestartRetryInterval = time.Minute
	cfg.InvestigateRetryInterval = time.Minute
	cfg.MigrateRetryInterval = time.Minute
	cfg.StopRetryInterval = time.Minute
	cfg.TimeBetweenFailures = time.Hour
	return &cfg
}
