package ha

import (
	"context"

	"github.com/cuemby/warden/pkg/types"
)

// FenceResult is the ternary outcome a Fencer reports: a fencer may also
// report "I don't apply to this VM/host combination" rather than failing.
type FenceResult int

const (
	FenceNotApplicable FenceResult = iota
	FenceSuccess
	FenceFailure
)

// Fencer isolates a suspect VM from shared storage/network before it is
// restarted elsewhere, so a host that is merely partitioned (not actually
// dead) cannot keep writing to the same disk as its restarted twin.
// Fencers are consulted in registration order; the first success wins.
type Fencer interface {
	Name() string
	Fence(ctx context.Context, vm *types.VM, host *types.Host) (FenceResult, error)
}

// FencerSet consults an ordered list of Fencers and reports whether any
// succeeded.
type FencerSet struct {
	fencers []Fencer
}

// NewFencerSet builds a set from fencers in priority order.
func NewFencerSet(fencers ...Fencer) *FencerSet {
	return &FencerSet{fencers: fencers}
}

// Fence tries each fencer in order and returns true on the first success.
func (s *FencerSet) Fence(ctx context.Context, vm *types.VM, host *types.Host) (bool, error) {
	for _, f := range s.fencers {
		result, err := f.Fence(ctx, vm, host)
		if err != nil {
			continue
		}
		switch result {
		case FenceSuccess:
			return true, nil
		case FenceNotApplicable:
			continue
		case FenceFailure:
			continue
		}
	}
	return false, nil
}
