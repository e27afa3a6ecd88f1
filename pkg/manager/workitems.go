package manager

import (
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// This file implements the WorkItem operations from spec §4.1 on top of
// Manager, so that *Manager satisfies pkg/ha.Store. Mutations are routed
// through Raft (apply); queries read the local replica directly, which is
// safe because every replica's FSM applies the same command sequence.

// PersistWorkItem assigns an ID, resets step/timesTried/timeToTry, and
// replicates the new item to the cluster.
func (m *Manager) PersistWorkItem(item *types.WorkItem) (*types.WorkItem, error) {
	resp, err := m.apply("ha_persist_work_item", item)
	if err != nil {
		return nil, err
	}
	persisted, ok := resp.(*types.WorkItem)
	if !ok {
		return nil, nil
	}
	return persisted, nil
}

// TakeWorkItem claims the next eligible item for serverID, or returns
// (nil, nil) if none is eligible (spec §4.1 take()).
func (m *Manager) TakeWorkItem(serverID string) (*types.WorkItem, error) {
	resp, err := m.apply("ha_take_work_item", takeWorkItemPayload{ServerID: serverID, Now: time.Now()})
	if err != nil {
		return nil, err
	}
	item, _ := resp.(*types.WorkItem)
	return item, nil
}

// UpdateWorkItem writes item back without changing its ID.
func (m *Manager) UpdateWorkItem(item *types.WorkItem) error {
	_, err := m.apply("ha_update_work_item", item)
	return err
}

// ReleaseWorkItems clears the lease on every item owned by serverID.
// Idempotent (P8): calling it twice in a row is a no-op the second time.
func (m *Manager) ReleaseWorkItems(serverID string) error {
	_, err := m.apply("ha_release_work_items", releasePayload{ServerID: serverID})
	return err
}

// MarkPendingWorksAsInvestigating releases the lease on every Investigating
// item cluster-wide, run once at startup so ownerless work re-enters the
// eligible pool.
func (m *Manager) MarkPendingWorksAsInvestigating() error {
	_, err := m.apply("ha_mark_pending_investigating", struct{}{})
	return err
}

// MarkServerPendingWorksAsInvestigating releases this server's own
// Investigating items, run on graceful shutdown.
func (m *Manager) MarkServerPendingWorksAsInvestigating(serverID string) error {
	_, err := m.apply("ha_mark_server_pending_investigating", releasePayload{ServerID: serverID})
	return err
}

// Cleanup purges terminal items completed before olderThan and returns
// the number purged (P5: non-terminal items are untouched).
func (m *Manager) Cleanup(olderThan time.Time) (int, error) {
	resp, err := m.apply("ha_cleanup_work_items", cleanupPayload{OlderThan: olderThan})
	if err != nil {
		return 0, err
	}
	count, _ := resp.(int) // the FSM's return value is handed back as-is, not JSON-encoded
	return count, nil
}

// ExpungeByVmList purges every WorkItem for the given VM IDs, capped at
// batchSize per call (0 means unlimited), and returns the number purged.
func (m *Manager) ExpungeByVmList(vmIDs []string, batchSize int) (int, error) {
	resp, err := m.apply("ha_expunge_work_items", expungePayload{VMIDs: vmIDs, BatchSize: batchSize})
	if err != nil {
		return 0, err
	}
	count, _ := resp.(int)
	return count, nil
}

// DeleteMigrationWorkItems deletes WorkItems of workType for hostID,
// scoped to serverID when non-empty; used when a host is taken out of
// service.
func (m *Manager) DeleteMigrationWorkItems(hostID string, workType types.WorkType, serverID string) error {
	_, err := m.apply("ha_delete_migration_work_items", deleteMigrationPayload{
		HostID: hostID, WorkType: workType, ServerID: serverID,
	})
	return err
}

// Delete cancels every WorkItem for (vmID, workType) regardless of step;
// used by Destroy cancellation.
func (m *Manager) Delete(vmID string, workType types.WorkType) error {
	_, err := m.apply("ha_delete_by_type", deleteByTypePayload{VMID: vmID, WorkType: workType})
	return err
}

// ListWorkItems returns every WorkItem on this replica.
func (m *Manager) ListWorkItems() ([]*types.WorkItem, error) {
	return m.store.ListWorkItems()
}

// HasBeenScheduled reports whether a non-terminal item exists for
// (vmID, workType) — spec invariant 3, precondition of most schedule*
// APIs.
func (m *Manager) HasBeenScheduled(vmID string, workType types.WorkType) (bool, error) {
	items, err := m.store.ListWorkItems()
	if err != nil {
		return false, err
	}
	for _, item := range items {
		if item.InstanceID == vmID && item.WorkType == workType && !item.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

// ListPendingHaWorkForVm returns non-terminal HA items for vmID.
func (m *Manager) ListPendingHaWorkForVm(vmID string) ([]*types.WorkItem, error) {
	return m.filterWorkItems(func(i *types.WorkItem) bool {
		return i.InstanceID == vmID && i.WorkType == types.WorkTypeHA && !i.IsTerminal()
	})
}

// ListPendingMigrationsForVm returns non-terminal Migration items for vmID.
func (m *Manager) ListPendingMigrationsForVm(vmID string) ([]*types.WorkItem, error) {
	return m.filterWorkItems(func(i *types.WorkItem) bool {
		return i.InstanceID == vmID && i.WorkType == types.WorkTypeMigration && !i.IsTerminal()
	})
}

// FindPreviousHA returns the most recently created terminal HA item for
// vmID, used to carry forward a flapping VM's retry count, or nil if
// none exists.
func (m *Manager) FindPreviousHA(vmID string) (*types.WorkItem, error) {
	items, err := m.filterWorkItems(func(i *types.WorkItem) bool {
		return i.InstanceID == vmID && i.WorkType == types.WorkTypeHA && i.IsTerminal()
	})
	if err != nil || len(items) == 0 {
		return nil, err
	}
	latest := items[0]
	for _, item := range items[1:] {
		if item.CreatedAt.After(latest.CreatedAt) {
			latest = item
		}
	}
	return latest, nil
}

// ListFutureHaWorkForVm returns non-terminal HA items for vmID created
// after excludeID (higher ID), used to detect supersession by a newer
// schedule.
func (m *Manager) ListFutureHaWorkForVm(vmID string, excludeID int64) ([]*types.WorkItem, error) {
	return m.filterWorkItems(func(i *types.WorkItem) bool {
		return i.InstanceID == vmID && i.WorkType == types.WorkTypeHA && !i.IsTerminal() && i.ID > excludeID
	})
}

// ListRunningHaWorkForVm returns currently-leased HA items for vmID.
func (m *Manager) ListRunningHaWorkForVm(vmID string) ([]*types.WorkItem, error) {
	return m.filterWorkItems(func(i *types.WorkItem) bool {
		return i.InstanceID == vmID && i.WorkType == types.WorkTypeHA && i.IsTaken()
	})
}

// FindTakenWorkItems returns every currently-leased item of workType,
// cluster-wide.
func (m *Manager) FindTakenWorkItems(workType types.WorkType) ([]*types.WorkItem, error) {
	return m.filterWorkItems(func(i *types.WorkItem) bool {
		return i.WorkType == workType && i.IsTaken()
	})
}

func (m *Manager) filterWorkItems(pred func(*types.WorkItem) bool) ([]*types.WorkItem, error) {
	items, err := m.store.ListWorkItems()
	if err != nil {
		return nil, err
	}
	var out []*types.WorkItem
	for _, item := range items {
		if pred(item) {
			out = append(out, item)
		}
	}
	return out, nil
}
