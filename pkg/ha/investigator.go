package ha

import (
	"context"

	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// Liveness is a ternary verdict an Investigator reports, distinct from a
// plain bool so "I don't recognize this VM/host" can be told apart from
// "it is dead" (spec §4.2).
type Liveness int

const (
	LivenessUnknown Liveness = iota
	LivenessAlive
	LivenessDead
)

// Investigator is a pluggable liveness oracle. Investigators are
// consulted in registration order; the first to return a non-Unknown
// verdict wins.
type Investigator interface {
	Name() string

	// IsAgentAlive reports host-level liveness.
	IsAgentAlive(ctx context.Context, host *types.Host) (types.AgentStatus, error)

	// IsVmAlive reports VM-level liveness. LivenessUnknown means "I do
	// not recognize this VM" — the caller must try the next investigator,
	// not conclude the VM is dead.
	IsVmAlive(ctx context.Context, vm *types.VM, host *types.Host) (Liveness, error)
}

// InvestigatorSet consults an ordered list of Investigators and returns
// the first non-Unknown answer, or Unknown if every investigator abstains.
type InvestigatorSet struct {
	investigators []Investigator
}

// NewInvestigatorSet builds a set from investigators in priority order.
func NewInvestigatorSet(investigators ...Investigator) *InvestigatorSet {
	return &InvestigatorSet{investigators: investigators}
}

// InvestigateHost returns the first non-Unknown agent status, or
// AgentStatusUnknown if every investigator abstains.
func (s *InvestigatorSet) InvestigateHost(ctx context.Context, host *types.Host) (types.AgentStatus, error) {
	for _, inv := range s.investigators {
		status, err := inv.IsAgentAlive(ctx, host)
		if err != nil {
			continue
		}
		if status != types.AgentStatusUnknown {
			return status, nil
		}
	}
	return types.AgentStatusUnknown, nil
}

// InvestigateVm returns the first non-Unknown liveness verdict, or
// LivenessUnknown if every investigator abstains (spec §4.4 step 7).
func (s *InvestigatorSet) InvestigateVm(ctx context.Context, vm *types.VM, host *types.Host) (Liveness, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InvestigationDuration)

	for _, inv := range s.investigators {
		verdict, err := inv.IsVmAlive(ctx, vm, host)
		if err != nil {
			continue
		}
		if verdict != LivenessUnknown {
			return verdict, nil
		}
	}
	return LivenessUnknown, nil
}

// AgentInvestigator backs IsAgentAlive with a health.Checker against the
// host's management agent endpoint — an HTTPChecker or TCPChecker in
// production, a fake in tests.
type AgentInvestigator struct {
	checkerFor func(host *types.Host) Checker
}

// Checker is the subset of health.Checker this package depends on,
// declared locally so pkg/ha does not need an import cycle with pkg/health
// in tests that fake it out.
type Checker interface {
	Check(ctx context.Context) Result
}

// Result mirrors health.Result's fields this package consumes.
type Result struct {
	Healthy bool
	Message string
}

// NewAgentInvestigator builds an investigator that derives host liveness
// from checkerFor(host). It never reports IsVmAlive (returns Unknown),
// since agent reachability says nothing about which VMs up there crashed.
func NewAgentInvestigator(checkerFor func(host *types.Host) Checker) *AgentInvestigator {
	return &AgentInvestigator{checkerFor: checkerFor}
}

func (a *AgentInvestigator) Name() string { return "agent" }

func (a *AgentInvestigator) IsAgentAlive(ctx context.Context, host *types.Host) (types.AgentStatus, error) {
	checker := a.checkerFor(host)
	if checker == nil {
		return types.AgentStatusUnknown, nil
	}
	result := checker.Check(ctx)
	if result.Healthy {
		return types.AgentStatusUp, nil
	}
	return types.AgentStatusDown, nil
}

func (a *AgentInvestigator) IsVmAlive(ctx context.Context, vm *types.VM, host *types.Host) (Liveness, error) {
	return LivenessUnknown, nil
}
