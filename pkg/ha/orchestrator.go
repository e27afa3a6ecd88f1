package ha

import (
	"context"

	"github.com/cuemby/warden/pkg/types"
)

// Orchestrator is the VM lifecycle collaborator the state machine drives
// but never implements itself (spec §1's "out of scope: the VM
// orchestrator"). A production deployment backs this with its hypervisor
// control plane; tests back it with an in-memory fake.
type Orchestrator interface {
	// AdvanceStop stops vmID, forcibly when force is true.
	AdvanceStop(ctx context.Context, vmID string, force bool) error

	// AdvanceStart starts vmID using planner to choose a host, with an
	// optional ha tag threaded into start parameters. The VM-type-specific
	// starters (startRouterForHA, startProxyForHA, startSecStorageVmForHA,
	// startVirtualMachineForHA) are the orchestrator's concern, selected
	// internally by instanceType; the coordinator only ever calls AdvanceStart.
	AdvanceStart(ctx context.Context, vmID string, instanceType types.InstanceType, planner Planner, haTag string) error

	// MigrateAway migrates vmID off sourceHostID onto any viable host.
	MigrateAway(ctx context.Context, vmID, sourceHostID string) error

	// Destroy destroys vmID, expunging its resources when expunge is true.
	Destroy(ctx context.Context, vmID string, expunge bool) error

	// FindByID reloads a VM's current state, used for staleness checks.
	FindByID(ctx context.Context, vmID string) (*types.VM, error)

	// IsRootVolumeOnLocalStorage reports whether vmID's root volume lives
	// on local (non-shared) storage, which makes cross-host restart
	// impossible.
	IsRootVolumeOnLocalStorage(ctx context.Context, vmID string) (bool, error)
}

// VolumeOrchestrator answers whether a VM can be restarted on a different
// host at all, independent of the specific storage pool it currently sits on.
type VolumeOrchestrator interface {
	CanVmRestartOnAnotherServer(ctx context.Context, vmID string) (bool, error)
}

// DataStoreDriver detaches a volume from every storage node ahead of a
// cross-host restart, required by storage pool types that would otherwise
// leave a stale export pinning the volume to its old host.
type DataStoreDriver interface {
	DetachVolumeFromAllStorageNodes(ctx context.Context, volume *types.Volume) error
}

// ResourceManager is notified when a migration fails for lack of target
// capacity, so it can adjust its own admission accounting.
type ResourceManager interface {
	MigrateAwayFailed(ctx context.Context, hostID, vmID string) error
}

// AlertManager is the sole sink for operator-facing notifications the
// coordinator raises; it must be safe for concurrent use by workers and
// schedulers alike.
type AlertManager interface {
	SendAlert(ctx context.Context, alertType, zoneID, podID, subject, body string) error
}
