package ha

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
)

// WorkerPool runs a fixed number of goroutines, each of which repeatedly
// claims a WorkItem via Store.TakeWorkItem and drives it through a
// StateMachine (spec §4.6). Workers idle on a condition variable rather
// than a tight poll loop, woken either by TimeToSleep elapsing or by an
// explicit wakeup() when the scheduler knows new work just landed.
type WorkerPool struct {
	serverID string
	store    Store
	sm       *StateMachine
	config   *Config
	broker   *events.Broker

	mu      sync.Mutex
	cond    *sync.Cond
	woken   bool
	stopped bool
	wg      sync.WaitGroup
}

// NewWorkerPool builds a pool of config.HAWorkers workers that claim work
// under serverID (this peer's identity in the ServerID column). broker may
// be nil in tests that don't care about event publication.
func NewWorkerPool(serverID string, store Store, sm *StateMachine, config *Config, broker *events.Broker) *WorkerPool {
	p := &WorkerPool{
		serverID: serverID,
		store:    store,
		sm:       sm,
		config:   config,
		broker:   broker,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker goroutines. It returns immediately; call Stop
// to shut them down.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.config.HAWorkers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Wakeup nudges every idle worker to retry take() immediately, used by the
// scheduler right after it persists a new WorkItem so it does not wait out
// a full TimeToSleep cycle.
func (p *WorkerPool) Wakeup() {
	p.mu.Lock()
	p.woken = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *WorkerPool) run(ctx context.Context, index int) {
	defer p.wg.Done()
	logger := log.WithComponent("ha-worker").With().Int("worker", index).Logger()

	for {
		if p.waitForWork(ctx) {
			return
		}

		item, err := p.take()
		if err != nil {
			logger.Error().Err(err).Msg("failed to take work item")
			continue
		}
		if item == nil {
			continue
		}

		p.process(ctx, item)
	}
}

// waitForWork blocks until there may be work to take: either TimeToSleep
// elapses, a wakeup fires, or the pool is stopped (returns true) or ctx is
// done (returns true).
func (p *WorkerPool) waitForWork(ctx context.Context) (stop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return true
	}
	if p.woken {
		p.woken = false
		return false
	}

	done := make(chan struct{})
	timer := time.AfterFunc(p.config.TimeToSleep, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()

	p.cond.Wait()
	close(done)
	timer.Stop()

	p.woken = false
	if p.stopped {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (p *WorkerPool) take() (*types.WorkItem, error) {
	item, err := p.store.TakeWorkItem(p.serverID)
	if err != nil {
		return nil, err
	}
	if item != nil {
		metrics.WorkItemsClaimed.Inc()
		if p.broker != nil {
			p.broker.Publish(&events.Event{
				Type:     events.EventWorkItemTaken,
				Message:  fmt.Sprintf("work item %d taken by %s", item.ID, p.serverID),
				Metadata: map[string]string{"instance_id": item.InstanceID, "work_type": string(item.WorkType), "server_id": p.serverID},
			})
		}
	}
	return item, nil
}

func (p *WorkerPool) process(ctx context.Context, item *types.WorkItem) {
	logger := log.WithWorkID(item.ID)
	logger.Debug().Str("work_type", string(item.WorkType)).Str("instance_id", item.InstanceID).Msg("claimed work item")

	if err := p.sm.ProcessWork(ctx, item); err != nil {
		logger.Error().Err(err).Msg("processWork returned an error after the generic reschedule path")
	}
}
