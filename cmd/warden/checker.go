package main

import (
	"context"
	"fmt"

	"github.com/cuemby/warden/pkg/ha"
	"github.com/cuemby/warden/pkg/health"
	"github.com/cuemby/warden/pkg/types"
)

// checkerAdapter narrows a health.Checker down to the ha.Checker shape
// (pkg/ha declares its own Checker/Result locally so it never has to
// import pkg/health), so the same HTTPChecker/TCPChecker pkg/health
// already provides can back an AgentInvestigator.
type checkerAdapter struct {
	inner health.Checker
}

func (c checkerAdapter) Check(ctx context.Context) ha.Result {
	result := c.inner.Check(ctx)
	return ha.Result{Healthy: result.Healthy, Message: result.Message}
}

func adaptChecker(c health.Checker) ha.Checker {
	return checkerAdapter{inner: c}
}

// newAgentChecker returns the per-host checker factory an AgentInvestigator
// uses, selected by the operator's --agent-checker flag. "http" probes the
// agent's /healthz endpoint; anything else (including the default "tcp")
// falls back to a plain TCP dial against the host's address.
func newAgentChecker(kind string) func(host *types.Host) ha.Checker {
	if kind == "http" {
		return func(host *types.Host) ha.Checker {
			return adaptChecker(health.NewHTTPChecker(fmt.Sprintf("http://%s/healthz", host.Address)))
		}
	}
	return func(host *types.Host) ha.Checker {
		return adaptChecker(health.NewTCPChecker(host.Address))
	}
}
