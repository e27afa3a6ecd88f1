package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/warden/pkg/ha"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/manager"
	"github.com/cuemby/warden/pkg/metrics"
	"github.com/cuemby/warden/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - HA coordinator for a virtualization management plane",
	Long: `Warden keeps guest VMs running across host and VM failures by driving
a durable, retrying recovery state machine over a Raft-replicated work
queue: investigate a suspect host, fence lost VMs, stop, migrate,
restart, or destroy them on surviving capacity.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("warden version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(scheduleRestartCmd)

	serveCmd.Flags().String("node-id", "warden-1", "Raft node ID")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7000", "Raft bind address")
	serveCmd.Flags().String("data-dir", "./data", "Data directory for the Raft log and BoltDB store")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Bind address for the /metrics, /health, /ready, /live HTTP endpoints")
	serveCmd.Flags().String("config", "", "Path to a YAML file overriding the HA coordinator's default configuration")
	serveCmd.Flags().String("agent-checker", "tcp", "How to probe a hypervisor agent's liveness: tcp or http")

	for _, c := range []*cobra.Command{investigateCmd, scheduleRestartCmd} {
		c.Flags().String("node-id", "warden-1", "Raft node ID")
		c.Flags().String("bind-addr", "127.0.0.1:7000", "Raft bind address")
		c.Flags().String("data-dir", "./data", "Data directory for the Raft log and BoltDB store")
		c.Flags().String("reason", string(types.ReasonUserRequested), "Reason recorded on the scheduled work item")
		c.Flags().String("agent-checker", "tcp", "How to probe a hypervisor agent's liveness: tcp or http")
	}
	investigateCmd.Flags().String("host-id", "", "Host to investigate")
	investigateCmd.MarkFlagRequired("host-id")
	scheduleRestartCmd.Flags().String("host-id", "", "Host whose VMs should be scheduled for restart")
	scheduleRestartCmd.MarkFlagRequired("host-id")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadHAConfig starts from ha.DefaultConfig and, if configPath is
// non-empty, overlays a YAML file on top of it.
func loadHAConfig(configPath string) (ha.Config, error) {
	cfg := ha.DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", configPath, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", configPath, err)
	}
	return cfg, nil
}

// openManager constructs a Manager over dataDir and bootstraps a
// single-node Raft cluster on it. Admitting additional peers into an
// already-bootstrapped cluster is an operator action against the current
// leader's Manager.AddVoter (see its doc comment) — out of this CLI's
// scope, which is a single node's HA coordinator, not cluster membership
// administration.
func openManager(nodeID, bindAddr, dataDir string) (*manager.Manager, error) {
	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   nodeID,
		BindAddr: bindAddr,
		DataDir:  dataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating manager: %w", err)
	}
	if err := mgr.Bootstrap(); err != nil {
		return nil, fmt.Errorf("bootstrapping cluster: %w", err)
	}
	return mgr, nil
}

// buildStateMachine wires pkg/ha's components around mgr. The
// orchestrator/volume/data-store/resource-manager/alert collaborators are
// the out-of-scope VM control plane (spec's Non-goal); a production
// deployment replaces the unconfigured* stubs in collaborators.go and
// orchestrator.go with its own drivers.
func buildStateMachine(mgr *manager.Manager, cfg *ha.Config, agentChecker string) (*ha.StateMachine, *ha.FeatureGate, *ha.InvestigatorSet) {
	alerts := unconfiguredAlertManager{}
	featureGate := ha.NewFeatureGate(cfg, alerts)

	investigators := ha.NewInvestigatorSet(ha.NewAgentInvestigator(newAgentChecker(agentChecker)))

	fencers := ha.NewFencerSet(noopFencer{})

	planner := ha.NewLeastLoadedPlanner(mgr.ListVMsByHost)

	sm := ha.NewStateMachine(ha.StateMachineDeps{
		Store:           mgr,
		Orchestrator:    unconfiguredOrchestrator{},
		Volumes:         unconfiguredVolumeOrchestrator{},
		DataStore:       unconfiguredDataStoreDriver{},
		Resources:       unconfiguredResourceManager{},
		Alerts:          alerts,
		FeatureGate:     featureGate,
		Investigators:   investigators,
		Fencers:         fencers,
		OrdinaryPlanner: planner,
		Config:          cfg,
		Broker:          mgr.GetEventBroker(),
	})
	return sm, featureGate, investigators
}

func startMetricsServer(addr string) {
	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "bootstrapped")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("metrics").Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node's HA coordinator: worker pool, scheduler, peer coordinator, cleanup task",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		configPath, _ := cmd.Flags().GetString("config")
		agentChecker, _ := cmd.Flags().GetString("agent-checker")

		cfg, err := loadHAConfig(configPath)
		if err != nil {
			return err
		}

		mgr, err := openManager(nodeID, bindAddr, dataDir)
		if err != nil {
			return err
		}

		sm, _, _ := buildStateMachine(mgr, &cfg, agentChecker)
		workers := ha.NewWorkerPool(mgr.NodeID(), mgr, sm, &cfg, mgr.GetEventBroker())
		peers := ha.NewPeerCoordinator(mgr, mgr.GetEventBroker())
		cleanup := ha.NewCleanupTask(mgr, &cfg)

		// The Scheduler API (Investigate, ScheduleRestart, ...) is invoked
		// out-of-process via `warden investigate`/`warden schedule-restart`
		// against this node's data dir; serve only runs the consumers of
		// the WorkItem queue those commands populate.
		workers.Start(context.Background())
		peers.Start()
		cleanup.Start()

		startMetricsServer(metricsAddr)
		metrics.RegisterComponent("store", true, "open")
		metrics.RegisterComponent("ha", true, "running")
		metrics.RegisterComponent("worker-pool", true, "running")

		log.WithComponent("serve").Info().Str("node_id", nodeID).Str("bind_addr", bindAddr).Msg("warden node started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.WithComponent("serve").Info().Msg("shutting down")
		workers.Stop()
		peers.Stop()
		cleanup.Stop()
		if err := mgr.Shutdown(); err != nil {
			return fmt.Errorf("shutting down manager: %w", err)
		}
		return nil
	},
}

var investigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Re-confirm a suspect host is down and schedule restart work for its VMs if so",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		hostID, _ := cmd.Flags().GetString("host-id")
		reason, _ := cmd.Flags().GetString("reason")
		agentChecker, _ := cmd.Flags().GetString("agent-checker")

		mgr, err := openManager(nodeID, bindAddr, dataDir)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		cfg := ha.DefaultConfig()
		sm, featureGate, investigators := buildStateMachine(mgr, &cfg, agentChecker)
		workers := ha.NewWorkerPool(mgr.NodeID(), mgr, sm, &cfg, mgr.GetEventBroker())
		scheduler := ha.NewScheduler(mgr, investigators, featureGate, unconfiguredOrchestrator{}, &cfg, workers, mgr.GetEventBroker())

		host, err := mgr.GetHost(hostID)
		if err != nil {
			return fmt.Errorf("looking up host %s: %w", hostID, err)
		}
		if err := scheduler.Investigate(cmd.Context(), host, types.ReasonType(reason)); err != nil {
			return fmt.Errorf("investigating host %s: %w", hostID, err)
		}
		fmt.Printf("investigation complete for host %s\n", hostID)
		return nil
	},
}

var scheduleRestartCmd = &cobra.Command{
	Use:   "schedule-restart",
	Short: "Schedule HA restart work for every running VM on a host",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		hostID, _ := cmd.Flags().GetString("host-id")
		reason, _ := cmd.Flags().GetString("reason")
		agentChecker, _ := cmd.Flags().GetString("agent-checker")

		mgr, err := openManager(nodeID, bindAddr, dataDir)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		cfg := ha.DefaultConfig()
		sm, featureGate, investigators := buildStateMachine(mgr, &cfg, agentChecker)
		workers := ha.NewWorkerPool(mgr.NodeID(), mgr, sm, &cfg, mgr.GetEventBroker())
		scheduler := ha.NewScheduler(mgr, investigators, featureGate, unconfiguredOrchestrator{}, &cfg, workers, mgr.GetEventBroker())

		host, err := mgr.GetHost(hostID)
		if err != nil {
			return fmt.Errorf("looking up host %s: %w", hostID, err)
		}
		// Invoked directly by an operator, not preceded by Investigate.
		// Only VMs whose host id is this host are listed, so
		// ScheduleRestart's null-host force-stop is not reached from here.
		if err := scheduler.ScheduleRestartForVmsOnHost(cmd.Context(), host, false, types.ReasonType(reason)); err != nil {
			return fmt.Errorf("scheduling restarts for host %s: %w", hostID, err)
		}
		fmt.Printf("restart work scheduled for vms on host %s\n", hostID)
		return nil
	},
}
