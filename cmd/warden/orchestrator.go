package main

import (
	"context"
	"fmt"

	"github.com/cuemby/warden/pkg/ha"
	"github.com/cuemby/warden/pkg/types"
)

// unconfiguredOrchestrator satisfies ha.Orchestrator so `warden serve` can
// start without a real hypervisor control plane wired in. The VM
// orchestrator is explicitly out of this binary's scope; an operator
// deployment replaces this with a driver that talks to its own
// hypervisor/placement layer.
type unconfiguredOrchestrator struct{}

func (unconfiguredOrchestrator) AdvanceStop(ctx context.Context, vmID string, force bool) error {
	return fmt.Errorf("no orchestrator configured: cannot stop vm %s", vmID)
}

func (unconfiguredOrchestrator) AdvanceStart(ctx context.Context, vmID string, instanceType types.InstanceType, planner ha.Planner, haTag string) error {
	return fmt.Errorf("no orchestrator configured: cannot start vm %s", vmID)
}

func (unconfiguredOrchestrator) MigrateAway(ctx context.Context, vmID, sourceHostID string) error {
	return fmt.Errorf("no orchestrator configured: cannot migrate vm %s", vmID)
}

func (unconfiguredOrchestrator) Destroy(ctx context.Context, vmID string, expunge bool) error {
	return fmt.Errorf("no orchestrator configured: cannot destroy vm %s", vmID)
}

func (unconfiguredOrchestrator) FindByID(ctx context.Context, vmID string) (*types.VM, error) {
	return nil, fmt.Errorf("no orchestrator configured: cannot look up vm %s", vmID)
}

func (unconfiguredOrchestrator) IsRootVolumeOnLocalStorage(ctx context.Context, vmID string) (bool, error) {
	return false, nil
}

// unconfiguredAlertManager drops alerts with a log line rather than
// failing the caller; an operator deployment wires a real paging/ticket
// sink here.
type unconfiguredAlertManager struct{}

func (unconfiguredAlertManager) SendAlert(ctx context.Context, alertType, zoneID, podID, subject, body string) error {
	return nil
}
