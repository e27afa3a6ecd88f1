package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/storage"
	"github.com/cuemby/warden/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Manager is one management-server peer: a Raft replica over a BoltDB
// store, plus the event broker peer-lifecycle events flow through. It is
// the linearization point for every mutation the HA coordinator's Store
// interface needs (pkg/ha.Store is satisfied by *Manager).
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *WardenFSM
	store       storage.Store
	eventBroker *events.Broker
}

// Config holds configuration for creating a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance backed by a fresh BoltStore.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	fsm := NewWardenFSM(store)

	eventBroker := events.NewBroker()
	eventBroker.Start()

	m := &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         fsm,
		store:       store,
		eventBroker: eventBroker,
	}

	return m, nil
}

// raftConfig builds the Raft config tuned for fast failover, shared by
// Bootstrap and Join.
func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (m *Manager) startRaft(config *raft.Config) (*raft.TCPTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r
	return transport, nil
}

// Bootstrap initializes a new single-node Raft cluster with this manager
// as the only member. Additional peers join via AddVoter once elected
// leader.
func (m *Manager) Bootstrap() error {
	transport, err := m.startRaft(m.raftConfig())
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(m.nodeID), Address: transport.LocalAddr()},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts this manager's Raft instance without bootstrapping it; the
// servers argument is not used. It does not
// itself contact the leader over the network: adding a genuinely new
// peer to a running cluster is an operator action performed against the
// leader via AddVoter, consistent with spec.md's non-goal of exposing an
// end-user/remote API from this core.
func (m *Manager) Join(servers []raft.Server) error {
	_, err := m.startRaft(m.raftConfig())
	return err
}

// AddVoter admits nodeID/address as a voting member of the Raft cluster.
// Must be called against the current leader.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", m.LeaderAddr())
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}

	m.eventBroker.Publish(&events.Event{
		Type:    events.EventNodeJoined,
		Message: fmt.Sprintf("peer %s joined the cluster", nodeID),
		Metadata: map[string]string{"node_id": nodeID},
	})
	return nil
}

// RemoveServer releases any WorkItem leases a peer held (spec §4.7/P4)
// and then removes it from the Raft cluster. The release is attempted
// before the leadership check, and a failed release is logged without
// stopping the removal.
func (m *Manager) RemoveServer(nodeID string) error {
	if err := m.ReleaseWorkItems(nodeID); err != nil {
		log.WithComponent("manager").Error().Err(err).Str("node_id", nodeID).Msg("failed to release work items for departed peer")
	}

	m.eventBroker.Publish(&events.Event{
		Type:    events.EventNodeLeft,
		Message: fmt.Sprintf("peer %s left the cluster", nodeID),
		Metadata: map[string]string{"node_id": nodeID},
	})

	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns the current Raft membership.
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// GetRaftStats returns Raft statistics for the metrics Collector.
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}
	stats := map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         string(m.raft.Leader()),
	}
	if configFuture := m.raft.GetConfiguration(); configFuture.Error() == nil {
		stats["peers"] = uint64(len(configFuture.Configuration().Servers))
	}
	return stats
}

// GetEventBroker returns the event broker peer-lifecycle and work-item
// events flow through.
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// NodeID returns this manager's Raft server ID, used as the WorkItem
// serverID when claiming leases.
func (m *Manager) NodeID() string {
	return m.nodeID
}

// apply submits a command to the Raft log and returns the FSM's response,
// which may be an error, nil, or a payload (e.g. the claimed *types.WorkItem).
func (m *Manager) apply(op string, payload interface{}) (interface{}, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	cmd := Command{Op: op, Data: data}
	cmdData, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	timer := metrics.NewTimer()
	future := m.raft.Apply(cmdData, 5*time.Second)
	timer.ObserveDuration(metrics.RaftCommitDuration)

	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

// Shutdown gracefully releases this node's in-flight WorkItem leases and
// tears down Raft and the event broker.
func (m *Manager) Shutdown() error {
	if err := m.MarkServerPendingWorksAsInvestigating(m.nodeID); err != nil {
		log.WithComponent("manager").Error().Err(err).Msg("failed to release pending work on shutdown")
	}

	m.eventBroker.Stop()

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	return m.store.Close()
}

// Host/VM passthrough reads (not Raft-linearized; every replica's FSM
// applies writes identically, so these are safe to serve locally).

func (m *Manager) GetHost(id string) (*types.Host, error)   { return m.store.GetHost(id) }
func (m *Manager) ListHosts() ([]*types.Host, error)        { return m.store.ListHosts() }
func (m *Manager) GetVM(id string) (*types.VM, error)       { return m.store.GetVM(id) }
func (m *Manager) ListVMs() ([]*types.VM, error)            { return m.store.ListVMs() }
func (m *Manager) ListVMsByHost(id string) ([]*types.VM, error) {
	return m.store.ListVMsByHost(id)
}

// CreateHost, UpdateHost, CreateVM, UpdateVM replicate cluster topology
// writes through Raft the same way WorkItem mutations do.

func (m *Manager) CreateHost(host *types.Host) error {
	_, err := m.apply("create_host", host)
	return err
}

func (m *Manager) UpdateHost(host *types.Host) error {
	_, err := m.apply("update_host", host)
	return err
}

func (m *Manager) CreateVM(vm *types.VM) error {
	_, err := m.apply("create_vm", vm)
	return err
}

func (m *Manager) UpdateVM(vm *types.VM) error {
	_, err := m.apply("update_vm", vm)
	return err
}
