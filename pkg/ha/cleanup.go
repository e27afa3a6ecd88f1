package ha

import (
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/rs/zerolog"
)

// CleanupTask periodically purges terminal WorkItems older than
// TimeBetweenFailures, the same ticker-plus-mutex-plus-timer shape the
// cluster's own reconciliation loop uses, sized to the much lower
// frequency a housekeeping sweep needs (spec §4.8).
type CleanupTask struct {
	store  Store
	config *Config
	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// NewCleanupTask builds a cleanup task over store.
func NewCleanupTask(store Store, config *Config) *CleanupTask {
	return &CleanupTask{
		store:  store,
		config: config,
		logger: log.WithComponent("ha-cleanup"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic cleanup loop.
func (t *CleanupTask) Start() {
	go t.run()
}

// Stop stops the cleanup loop.
func (t *CleanupTask) Stop() {
	close(t.stopCh)
}

func (t *CleanupTask) run() {
	ticker := time.NewTicker(t.config.TimeBetweenCleanup)
	defer ticker.Stop()

	t.logger.Info().Dur("period", t.config.TimeBetweenCleanup).Msg("cleanup task started")

	for {
		select {
		case <-ticker.C:
			if err := t.runOnce(); err != nil {
				t.logger.Error().Err(err).Msg("cleanup cycle failed")
			}
		case <-t.stopCh:
			t.logger.Info().Msg("cleanup task stopped")
			return
		}
	}
}

func (t *CleanupTask) runOnce() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.CleanupDuration)
		metrics.CleanupCyclesTotal.Inc()
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.config.TimeBetweenFailures)
	purged, err := t.store.Cleanup(cutoff)
	if err != nil {
		return err
	}

	metrics.CleanupPurgedTotal.Add(float64(purged))
	t.logger.Debug().Int("purged", purged).Time("cutoff", cutoff).Msg("cleanup cycle complete")
	return nil
}
