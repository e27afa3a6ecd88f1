package ha

import "time"

// Config holds the HA coordinator's tunables (spec §6's configuration
// surface). Every duration is stored as its native time.Duration, not raw
// seconds, to keep the rest of the package unit-safe.
type Config struct {
	// HAWorkers is the size of the worker pool.
	HAWorkers int `yaml:"ha_workers"`

	// TimeToSleep is how long an idle worker waits on its condition
	// before polling take() again.
	TimeToSleep time.Duration `yaml:"time_to_sleep"`

	// MaxRetries is the number of attempts a WorkItem gets before it is
	// force-terminated as Done with a giving-up marker (a.k.a.
	// MigrationMaxRetries in the configuration surface this is grounded
	// on).
	MaxRetries int `yaml:"max_retries"`

	// TimeBetweenFailures is the window used both for HA retry
	// carry-over (findPreviousHA) and as cleanup's retention window.
	TimeBetweenFailures time.Duration `yaml:"time_between_failures"`

	// TimeBetweenCleanup is the Cleanup Task's period.
	TimeBetweenCleanup time.Duration `yaml:"time_between_cleanup"`

	StopRetryInterval        time.Duration `yaml:"stop_retry_interval"`
	RestartRetryInterval     time.Duration `yaml:"restart_retry_interval"`
	MigrateRetryInterval     time.Duration `yaml:"migrate_retry_interval"`
	InvestigateRetryInterval time.Duration `yaml:"investigate_retry_interval"`

	// ForceHA makes every VM HA-managed regardless of its own
	// HaEnabled flag.
	ForceHA bool `yaml:"force_ha"`

	// VmHaEnabled is the default per-zone feature gate value for zones
	// that have not been explicitly overridden (see FeatureGate).
	VmHaEnabled bool `yaml:"vm_ha_enabled"`

	// VmHaAlertsEnabled is the default per-zone alert gate value.
	VmHaAlertsEnabled bool `yaml:"vm_ha_alerts_enabled"`

	// Instance labels this peer in logs (spec's "instance" param,
	// historically "VMOPS").
	Instance string `yaml:"instance"`

	// HaTag is injected into start parameters for HA-driven starts.
	HaTag string `yaml:"ha_tag"`

	// HypervisorsWithHostSideHA names hypervisor families whose own
	// host stack already handles VM restart, so the coordinator must
	// not also attempt it (spec §4.4 step 5).
	HypervisorsWithHostSideHA []string `yaml:"hypervisors_with_host_side_ha"`

	// AlertThrottleWindow bounds how often a duplicate host-down alert
	// may be sent for the same (hostId, reasonType) pair (resolves
	// spec §9's single-alert-owner open question).
	AlertThrottleWindow time.Duration `yaml:"alert_throttle_window"`
}

// DefaultConfig returns the configuration surface's documented defaults.
func DefaultConfig() Config {
	return Config{
		HAWorkers:                4,
		TimeToSleep:              60 * time.Second,
		MaxRetries:               5,
		TimeBetweenFailures:      time.Hour,
		TimeBetweenCleanup:       24 * time.Hour,
		StopRetryInterval:        2 * time.Minute,
		RestartRetryInterval:     2 * time.Minute,
		MigrateRetryInterval:     2 * time.Minute,
		InvestigateRetryInterval: time.Minute,
		ForceHA:                  false,
		VmHaEnabled:              true,
		VmHaAlertsEnabled:        true,
		Instance:                 "VMOPS",
		AlertThrottleWindow:      10 * time.Minute,
	}
}

// hasHostSideHA reports whether hypervisor is one of the configured
// families whose own host stack already handles restart.
func (c *Config) hasHostSideHA(hypervisor string) bool {
	for _, h := range c.HypervisorsWithHostSideHA {
		if h == hypervisor {
			return true
		}
	}
	return false
}
