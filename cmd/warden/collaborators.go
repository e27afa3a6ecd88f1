package main

import (
	"context"

	"github.com/cuemby/warden/pkg/ha"
	"github.com/cuemby/warden/pkg/types"
)

// noopFencer satisfies ha.Fencer without isolating anything. Fencing
// requires a storage/network control plane this binary does not embed
// (same out-of-scope boundary as unconfiguredOrchestrator); an operator
// deployment registers a real fencer (SAN zoning, switch port shutdown,
// IPMI power-off, ...) ahead of this one in the FencerSet.
type noopFencer struct{}

func (noopFencer) Name() string { return "noop" }

func (noopFencer) Fence(ctx context.Context, vm *types.VM, host *types.Host) (ha.FenceResult, error) {
	return ha.FenceNotApplicable, nil
}

// unconfiguredVolumeOrchestrator reports every VM as restartable
// elsewhere; a deployment with local-storage-pinned VMs wires a real
// implementation that checks the VM's root volume placement.
type unconfiguredVolumeOrchestrator struct{}

func (unconfiguredVolumeOrchestrator) CanVmRestartOnAnotherServer(ctx context.Context, vmID string) (bool, error) {
	return true, nil
}

// unconfiguredDataStoreDriver is a no-op pre-detach hook for storage pool
// types that need it (spec's RequiresPreDetach); wire a real volume
// backend's detach call here when one is available.
type unconfiguredDataStoreDriver struct{}

func (unconfiguredDataStoreDriver) DetachVolumeFromAllStorageNodes(ctx context.Context, volume *types.Volume) error {
	return nil
}

// unconfiguredResourceManager drops migration-capacity-failure
// notifications; a deployment with its own admission accounting wires a
// real implementation here.
type unconfiguredResourceManager struct{}

func (unconfiguredResourceManager) MigrateAwayFailed(ctx context.Context, hostID, vmID string) error {
	return nil
}
