package ha

import (
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// Store is the WorkItem Store contract (spec §4.1) the coordinator
// depends on. *manager.Manager satisfies this by routing every mutation
// through its Raft log; tests use an in-memory fake.
type Store interface {
	PersistWorkItem(item *types.WorkItem) (*types.WorkItem, error)
	TakeWorkItem(serverID string) (*types.WorkItem, error)
	UpdateWorkItem(item *types.WorkItem) error
	ListWorkItems() ([]*types.WorkItem, error)

	HasBeenScheduled(vmID string, workType types.WorkType) (bool, error)
	ListPendingHaWorkForVm(vmID string) ([]*types.WorkItem, error)
	ListPendingMigrationsForVm(vmID string) ([]*types.WorkItem, error)
	FindPreviousHA(vmID string) (*types.WorkItem, error)
	ListFutureHaWorkForVm(vmID string, excludeID int64) ([]*types.WorkItem, error)
	ListRunningHaWorkForVm(vmID string) ([]*types.WorkItem, error)
	FindTakenWorkItems(workType types.WorkType) ([]*types.WorkItem, error)

	DeleteMigrationWorkItems(hostID string, workType types.WorkType, serverID string) error
	ReleaseWorkItems(serverID string) error
	MarkPendingWorksAsInvestigating() error
	MarkServerPendingWorksAsInvestigating(serverID string) error
	Cleanup(olderThan time.Time) (int, error)
	ExpungeByVmList(vmIDs []string, batchSize int) (int, error)
	Delete(vmID string, workType types.WorkType) error

	GetHost(id string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	GetVM(id string) (*types.VM, error)
	ListVMs() ([]*types.VM, error)
	ListVMsByHost(hostID string) ([]*types.VM, error)
}
