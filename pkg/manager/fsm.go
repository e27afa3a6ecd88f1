package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
	"github.com/hashicorp/raft"
)

// WardenFSM implements the Raft finite state machine that replicates
// host, VM, and WorkItem mutations to every management-server peer. It
// is the linearization point referenced throughout spec §3's invariants:
// because every claim/release/reschedule flows through a single Raft
// leader applying commands in log order, two peers can never observe the
// same "take" outcome for one WorkItem.
type WardenFSM struct {
	mu    sync.Mutex
	store storage.Store
}

// NewWardenFSM creates a new FSM instance over store.
func NewWardenFSM(store storage.Store) *WardenFSM {
	return &WardenFSM{store: store}
}

// Command represents one state-change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type takeWorkItemPayload struct {
	ServerID string    `json:"serverId"`
	Now      time.Time `json:"now"`
}

type releasePayload struct {
	ServerID string `json:"serverId"`
}

type cleanupPayload struct {
	OlderThan time.Time `json:"olderThan"`
}

type expungePayload struct {
	VMIDs     []string `json:"vmIds"`
	BatchSize int      `json:"batchSize"`
}

type deleteMigrationPayload struct {
	HostID   string        `json:"hostId"`
	WorkType types.WorkType `json:"workType"`
	ServerID string        `json:"serverId"`
}

type deleteByTypePayload struct {
	VMID     string        `json:"vmId"`
	WorkType types.WorkType `json:"workType"`
}

// Apply applies one committed Raft log entry to the FSM.
func (f *WardenFSM) Apply(log *raft.Log) interface{} {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "create_host":
		var host types.Host
		if err := json.Unmarshal(cmd.Data, &host); err != nil {
			return err
		}
		return f.store.CreateHost(&host)

	case "update_host":
		var host types.Host
		if err := json.Unmarshal(cmd.Data, &host); err != nil {
			return err
		}
		return f.store.UpdateHost(&host)

	case "create_vm":
		var vm types.VM
		if err := json.Unmarshal(cmd.Data, &vm); err != nil {
			return err
		}
		return f.store.CreateVM(&vm)

	case "update_vm":
		var vm types.VM
		if err := json.Unmarshal(cmd.Data, &vm); err != nil {
			return err
		}
		return f.store.UpdateVM(&vm)

	case "ha_persist_work_item":
		var item types.WorkItem
		if err := json.Unmarshal(cmd.Data, &item); err != nil {
			return err
		}
		// spec §4.1 persist(): step/timesTried/timeToTry always start fresh,
		// regardless of what the caller populated them with.
		item.ID = 0
		item.Step = types.StepScheduled
		item.TimesTried = 0
		item.TimeToTry = 0
		item.ServerID = ""
		item.DateTaken = nil
		if err := f.store.CreateWorkItem(&item); err != nil {
			return err
		}
		return &item

	case "ha_update_work_item":
		var item types.WorkItem
		if err := json.Unmarshal(cmd.Data, &item); err != nil {
			return err
		}
		return f.store.UpdateWorkItem(&item)

	case "ha_take_work_item":
		var p takeWorkItemPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		item, err := f.store.ClaimNextWorkItem(p.ServerID, p.Now)
		if err != nil {
			return err
		}
		return item // may be nil: no eligible item

	case "ha_release_work_items":
		var p releasePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.releaseWorkItems(p.ServerID)

	case "ha_mark_pending_investigating":
		return f.releaseAllInStep(types.StepInvestigating, "")

	case "ha_mark_server_pending_investigating":
		var p releasePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.releaseAllInStep(types.StepInvestigating, p.ServerID)

	case "ha_cleanup_work_items":
		var p cleanupPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		count, err := f.cleanup(p.OlderThan)
		if err != nil {
			return err
		}
		return count

	case "ha_expunge_work_items":
		var p expungePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		count, err := f.expungeByVMList(p.VMIDs, p.BatchSize)
		if err != nil {
			return err
		}
		return count

	case "ha_delete_migration_work_items":
		var p deleteMigrationPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.deleteMigrationWorkItems(p.HostID, p.WorkType, p.ServerID)

	case "ha_delete_by_type":
		var p deleteByTypePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.deleteByType(p.VMID, p.WorkType)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// releaseWorkItems clears serverID/dateTaken on every item owned by
// serverID (spec §4.1 releaseWorkItems, invariant 6/P8: idempotent).
func (f *WardenFSM) releaseWorkItems(serverID string) error {
	items, err := f.store.ListWorkItems()
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ServerID != serverID {
			continue
		}
		item.ServerID = ""
		item.DateTaken = nil
		if err := f.store.UpdateWorkItem(item); err != nil {
			return err
		}
	}
	return nil
}

// releaseAllInStep clears the lease on every item in the given step,
// optionally scoped to one serverID (empty means all servers). Used by
// markPendingWorksAsInvestigating/markServerPendingWorksAsInvestigating.
func (f *WardenFSM) releaseAllInStep(step types.Step, serverID string) error {
	items, err := f.store.ListWorkItems()
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Step != step {
			continue
		}
		if serverID != "" && item.ServerID != serverID {
			continue
		}
		if item.ServerID == "" {
			continue
		}
		item.ServerID = ""
		item.DateTaken = nil
		if err := f.store.UpdateWorkItem(item); err != nil {
			return err
		}
	}
	return nil
}

// cleanup purges terminal items older than olderThan (P5: non-terminal
// items are never touched).
func (f *WardenFSM) cleanup(olderThan time.Time) (int, error) {
	items, err := f.store.ListWorkItems()
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, item := range items {
		if !item.IsTerminal() {
			continue
		}
		completed := item.CompletedAt
		if completed == nil || completed.After(olderThan) {
			continue
		}
		if err := f.store.DeleteWorkItem(item.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (f *WardenFSM) expungeByVMList(vmIDs []string, batchSize int) (int, error) {
	want := make(map[string]bool, len(vmIDs))
	for _, id := range vmIDs {
		want[id] = true
	}

	items, err := f.store.ListWorkItems()
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, item := range items {
		if batchSize > 0 && purged >= batchSize {
			break
		}
		if !want[item.InstanceID] {
			continue
		}
		if err := f.store.DeleteWorkItem(item.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func (f *WardenFSM) deleteMigrationWorkItems(hostID string, workType types.WorkType, serverID string) error {
	items, err := f.store.ListWorkItems()
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.HostID != hostID || item.WorkType != workType {
			continue
		}
		if serverID != "" && item.ServerID != serverID {
			continue
		}
		if err := f.store.DeleteWorkItem(item.ID); err != nil {
			return err
		}
	}
	return nil
}

func (f *WardenFSM) deleteByType(vmID string, workType types.WorkType) error {
	items, err := f.store.ListWorkItems()
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.InstanceID == vmID && item.WorkType == workType {
			if err := f.store.DeleteWorkItem(item.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Snapshot captures a point-in-time copy of all replicated state.
func (f *WardenFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	hosts, err := f.store.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	vms, err := f.store.ListVMs()
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}
	items, err := f.store.ListWorkItems()
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}

	return &WardenSnapshot{Hosts: hosts, VMs: vms, WorkItems: items}, nil
}

// Restore replaces local state with a decoded snapshot, used when a node
// restarts or joins and must catch up.
func (f *WardenFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot WardenSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, host := range snapshot.Hosts {
		if err := f.store.CreateHost(host); err != nil {
			return fmt.Errorf("failed to restore host: %w", err)
		}
	}
	for _, vm := range snapshot.VMs {
		if err := f.store.CreateVM(vm); err != nil {
			return fmt.Errorf("failed to restore vm: %w", err)
		}
	}
	for _, item := range snapshot.WorkItems {
		if err := f.store.CreateWorkItem(item); err != nil {
			return fmt.Errorf("failed to restore work item: %w", err)
		}
	}
	return nil
}

// WardenSnapshot is a point-in-time copy of cluster state.
type WardenSnapshot struct {
	Hosts     []*types.Host
	VMs       []*types.VM
	WorkItems []*types.WorkItem
}

// Persist writes the snapshot to sink.
func (s *WardenSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases snapshot resources. Nothing to do: the snapshot holds
// no external handles.
func (s *WardenSnapshot) Release() {}
