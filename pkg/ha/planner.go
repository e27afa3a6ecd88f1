package ha

import (
	"context"
	"errors"

	"github.com/cuemby/warden/pkg/types"
)

// ErrNoSchedulableHost is returned when a Planner cannot find any host to
// place a VM on (spec §4.4 step 9's "capacity failure" trigger for the HA
// planner retry).
var ErrNoSchedulableHost = errors.New("no schedulable host available")

// Planner picks a target host to start or restart a VM on. The restart
// path always tries the VM's ordinary planner first and, on capacity
// exhaustion, retries once with an HA planner (spec §4.3: never more than
// two attempts per execution slot).
type Planner interface {
	Name() string
	SelectHost(ctx context.Context, vm *types.VM, hosts []*types.Host) (*types.Host, error)
}

// LeastLoadedPlanner is the ordinary planner: it places a VM on the
// schedulable host currently running the fewest VMs, the same
// least-loaded selection the cluster's own placement scheduler uses.
type LeastLoadedPlanner struct {
	vmsByHost func(hostID string) ([]*types.VM, error)
}

// NewLeastLoadedPlanner builds a planner that consults vmsByHost to count
// load per candidate host.
func NewLeastLoadedPlanner(vmsByHost func(hostID string) ([]*types.VM, error)) *LeastLoadedPlanner {
	return &LeastLoadedPlanner{vmsByHost: vmsByHost}
}

func (p *LeastLoadedPlanner) Name() string { return "ordinary" }

func (p *LeastLoadedPlanner) SelectHost(ctx context.Context, vm *types.VM, hosts []*types.Host) (*types.Host, error) {
	schedulable := filterSchedulableHosts(hosts)
	if len(schedulable) == 0 {
		return nil, ErrNoSchedulableHost
	}

	var selected *types.Host
	minVMs := int(^uint(0) >> 1)

	for _, host := range schedulable {
		vms, err := p.vmsByHost(host.ID)
		if err != nil {
			continue
		}
		count := len(vms)
		if count < minVMs {
			minVMs = count
			selected = host
		}
	}

	if selected == nil {
		return nil, ErrNoSchedulableHost
	}
	return selected, nil
}

// EmergencyHAPlanner is the fallback planner tried once the ordinary
// planner fails with insufficient capacity. It relaxes the ordinary
// planner's load-balancing preference and accepts any Up host other than
// the excluded one, favoring availability over even distribution during
// an outage. Host resources are not checked.
type EmergencyHAPlanner struct {
	excludeHostID string
}

// NewEmergencyHAPlanner builds an HA fallback planner that will not place
// the VM back on excludeHostID (typically the host that just failed).
func NewEmergencyHAPlanner(excludeHostID string) *EmergencyHAPlanner {
	return &EmergencyHAPlanner{excludeHostID: excludeHostID}
}

func (p *EmergencyHAPlanner) Name() string { return "emergency-ha" }

func (p *EmergencyHAPlanner) SelectHost(ctx context.Context, vm *types.VM, hosts []*types.Host) (*types.Host, error) {
	for _, host := range hosts {
		if host.ID == p.excludeHostID {
			continue
		}
		if host.Status == types.HostStatusUp {
			return host, nil
		}
	}
	return nil, ErrNoSchedulableHost
}

func filterSchedulableHosts(hosts []*types.Host) []*types.Host {
	var ready []*types.Host
	for _, host := range hosts {
		if host.Status == types.HostStatusUp {
			ready = append(ready, host)
		}
	}
	return ready
}
