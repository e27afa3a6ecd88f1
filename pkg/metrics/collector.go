package metrics

import (
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// ClusterSource is the subset of *manager.Manager the Collector samples.
// It is declared here rather than importing pkg/manager, which itself
// imports this package.
type ClusterSource interface {
	ListHosts() ([]*types.Host, error)
	ListVMs() ([]*types.VM, error)
	ListWorkItems() ([]*types.WorkItem, error)
	IsLeader() bool
	GetRaftStats() map[string]interface{}
}

// Collector periodically samples the Manager and WorkItem queue and
// publishes the results as gauges.
type Collector struct {
	manager ClusterSource
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(mgr ClusterSource) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectHostMetrics()
	c.collectVMMetrics()
	c.collectWorkItemMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectHostMetrics() {
	hosts, err := c.manager.ListHosts()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, host := range hosts {
		counts[string(host.Status)]++
	}
	for status, count := range counts {
		HostsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectVMMetrics() {
	vms, err := c.manager.ListVMs()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, vm := range vms {
		counts[string(vm.State)]++
	}
	for state, count := range counts {
		VMsTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectWorkItemMetrics() {
	items, err := c.manager.ListWorkItems()
	if err != nil {
		return
	}

	type key struct {
		workType types.WorkType
		step     types.Step
	}
	counts := make(map[key]int)
	for _, item := range items {
		counts[key{item.WorkType, item.Step}]++
	}
	for k, count := range counts {
		WorkItemsTotal.WithLabelValues(string(k.workType), string(k.step)).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.manager.GetRaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(uint64); ok {
		RaftPeers.Set(float64(peers))
	}
}
