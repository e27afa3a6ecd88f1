package storage

import (
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// Store defines the interface for HA coordinator state storage. It is
// the raw, per-node persistence layer; cluster-wide linearizability of
// mutating operations is provided by routing them through the Raft FSM
// in pkg/manager, which applies them to every replica's Store in the
// same order.
type Store interface {
	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(host *types.Host) error
	DeleteHost(id string) error

	// VMs
	CreateVM(vm *types.VM) error
	GetVM(id string) (*types.VM, error)
	ListVMs() ([]*types.VM, error)
	ListVMsByHost(hostID string) ([]*types.VM, error)
	UpdateVM(vm *types.VM) error
	DeleteVM(id string) error

	// WorkItems
	CreateWorkItem(item *types.WorkItem) error
	GetWorkItem(id int64) (*types.WorkItem, error)
	ListWorkItems() ([]*types.WorkItem, error)
	UpdateWorkItem(item *types.WorkItem) error
	DeleteWorkItem(id int64) error

	// ClaimNextWorkItem atomically selects the oldest-by-(timeToTry,id)
	// unclaimed, eligible WorkItem, marks it taken by serverID at now,
	// persists the claim, and returns it. Returns (nil, nil) when no
	// item is eligible. Concurrent callers on the SAME store never
	// observe the same item (the selection and the write happen inside
	// one bbolt write transaction).
	ClaimNextWorkItem(serverID string, now time.Time) (*types.WorkItem, error)

	Close() error
}
