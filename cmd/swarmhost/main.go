package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ao/swarmhost/internal/config"
	"github.com/ao/swarmhost/internal/docker"
	"github.com/ao/swarmhost/internal/election"
	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/lifecycle"
	"github.com/ao/swarmhost/internal/membership"
	"github.com/ao/swarmhost/internal/node"
	"github.com/ao/swarmhost/internal/orchestrator"
	"github.com/ao/swarmhost/internal/resilience"
	"github.com/ao/swarmhost/internal/spec"
	"github.com/ao/swarmhost/internal/storage"
	"github.com/ao/swarmhost/internal/store"
	"github.com/ao/swarmhost/internal/web"
	"github.com/ao/swarmhost/pkg/client"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

// Server holds the components of a running node
type Server struct {
	config            *config.Config
	db                store.Store
	nodeManager       *node.Manager
	dockerManager     *docker.Manager
	storageManager    *storage.Manager
	membershipManager *membership.Manager
	messages          *gossip.Store
	handler           *gossip.Handler
	reporter          *gossip.Reporter
	coordinator       *lifecycle.Coordinator
	orchestrator      *orchestrator.Orchestrator
	elections         *election.Manager
	webServer         *web.WebServer
	logger            *logrus.Logger
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	var configFile string

	start := func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.New(), configFile)
		if err != nil {
			return err
		}
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
		log.SetLevel(level)

		log.Infof("Starting Swarmhost %s (built at %s)", Version, BuildTime)
		return runServer(log, cfg)
	}

	rootCmd := &cobra.Command{
		Use:   "swarmhost",
		Short: "Swarmhost application orchestration node",
		Long: `Swarmhost runs the applications registered on the network, keeps the
shared application registry in sync with its peers and elects the primary
replica of applications with exclusive write storage.`,
		SilenceUsage: true,
		RunE:         start,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (settings can also be set via SWARMHOST_* env vars)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE:  start,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Swarmhost %s (built at %s)\n", Version, BuildTime)
		},
	})

	var height uint32
	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an application specification and print its canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateFile(args[0], height)
		},
	}
	validateCmd.Flags().Uint32Var(&height, "height", 0, "Chain height the specification is checked at")
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func validateFile(path string, height uint32) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	s, err := spec.Unmarshal(data)
	if err != nil {
		return err
	}
	if err := spec.Check(s, height); err != nil {
		return err
	}
	out, err := spec.Format(s)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runServer(log *logrus.Logger, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := createServer(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Swarmhost node is running. Press Ctrl+C to stop.")

	sig := <-sigCh
	log.Infof("Received signal %v, shutting down...", sig)

	cancel()
	shutdownServer(server)

	log.Info("Shutdown complete")
	return nil
}

func createServer(ctx context.Context, log *logrus.Logger, cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	server := &Server{config: cfg, logger: log}

	db, err := store.Open(cfg.Database.Backend, cfg.DatabasePath(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	server.db = db

	nodeManager, err := node.NewManager(node.Config{
		IP:       cfg.Node.IP,
		StaticIP: cfg.Node.StaticIP,
		Tier:     node.Tier(cfg.Node.Tier),
		APIPort:  cfg.API.Port,
		DataDir:  cfg.DataDir,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create node manager: %w", err)
	}
	server.nodeManager = nodeManager

	dockerManager, err := docker.NewManager(cfg.Docker.Endpoint, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker manager: %w", err)
	}
	server.dockerManager = dockerManager

	storageManager, err := storage.NewManager(db, cfg.Storage.Volumes, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage manager: %w", err)
	}
	server.storageManager = storageManager.WithReserve(cfg.Storage.ReserveGB)

	memberConfig := membership.DefaultConfig()
	memberConfig.NodeName = cfg.Membership.NodeName
	if memberConfig.NodeName == "" {
		memberConfig.NodeName = nodeManager.ID()
	}
	memberConfig.BindAddr = cfg.Membership.BindAddr
	memberConfig.BindPort = cfg.Membership.BindPort
	memberConfig.AdvertiseAddr = cfg.Membership.AdvertiseAddr
	memberConfig.AdvertisePort = cfg.Membership.AdvertisePort
	memberConfig.Seeds = cfg.Membership.Seeds
	memberConfig.ProbeInterval = cfg.Membership.ProbeInterval
	memberConfig.Meta["ip"] = nodeManager.IP()
	memberConfig.Meta["tier"] = string(nodeManager.Tier())
	server.membershipManager = membership.NewManager(memberConfig, log)

	if err := connectComponents(server); err != nil {
		return nil, fmt.Errorf("failed to connect components: %w", err)
	}

	if err := server.membershipManager.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start membership: %w", err)
	}

	startBackgroundTasks(ctx, server)

	if err := server.webServer.Start(); err != nil {
		return nil, fmt.Errorf("failed to start web server: %w", err)
	}

	return server, nil
}

func connectComponents(server *Server) error {
	cfg := server.config
	log := server.logger

	chain := orchestrator.NewChain(cfg.Node.ChainHeight)
	state := orchestrator.NewState(cfg.Election.ReadyTTL)

	broadcaster := gossip.NewBroadcaster(server.membershipManager, cfg.Gossip.Pace, log)
	server.messages = gossip.NewStore(server.db, chain, log)
	if cfg.Node.MarketplaceSupport != "" {
		server.messages.WithMarketplaceSupport(cfg.Node.MarketplaceSupport)
	}
	server.handler = gossip.NewHandler(server.messages, broadcaster, server.nodeManager, log)
	server.membershipManager.WithHandler(server.handler)

	httpClient := client.NewClient(client.WithTimeout(cfg.API.Timeout))

	server.coordinator = lifecycle.NewCoordinator(server.db, server.dockerManager, server.storageManager, server.nodeManager, chain, log).
		WithAnnouncer(server.handler).
		WithLocator(server.messages).
		WithHistory(server.messages).
		WithRedeployDelay(cfg.Lifecycle.RedeployDelay)
	if cfg.Lifecycle.DecryptURL != "" {
		server.coordinator.WithDecrypter(client.NewDecrypter(httpClient, cfg.Lifecycle.DecryptURL))
	}
	server.messages.WithUpdateValidator(server.coordinator)

	server.reporter = gossip.NewReporter(server.handler, server.coordinator, server.coordinator, server.nodeManager, log).
		WithVersion(cfg.Gossip.RunningVersion)

	server.orchestrator = orchestrator.New(state, server.messages, server.coordinator, chain, log)

	guard := resilience.NewManager(resilience.DefaultCircuitBreakerConfig(), resilience.DefaultExponentialBackoffConfig(), newZapLogger(cfg.LogLevel))
	telemetry := election.NewTelemetry(cfg.Election.Telemetry, httpClient, guard, log)
	syncthing := election.NewSyncthing(cfg.Sync.URL, client.NewClient(
		client.WithTimeout(cfg.API.Timeout),
		client.WithToken(cfg.Sync.APIKey),
	))

	electionConfig := election.DefaultConfig()
	electionConfig.Interval = cfg.Election.Interval
	electionConfig.Stagger = cfg.Election.Stagger
	electionConfig.ProbeDeadline = cfg.Election.ProbeDeadline
	server.elections = election.NewManager(electionConfig, server.coordinator, server.messages, server.dockerManager,
		telemetry, server.nodeManager, state, log).
		WithProber(client.NewClient(client.WithTimeout(cfg.Election.ProbeTimeout))).
		WithReadiness(state, syncthing).
		WithBusyChecker(server.coordinator)

	server.webServer = web.NewWebServer(server.coordinator, server.messages, server.nodeManager, log, cfg.API.Port).
		WithToken(cfg.API.Token).
		WithPublisher(server.handler).
		WithConfirmer(server.orchestrator).
		WithElections(state).
		WithMembershipManager(server.membershipManager)

	return nil
}

// newZapLogger builds the logger of the resilience layer at the node log level
func newZapLogger(level string) *zap.Logger {
	zapConfig := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zapConfig.Level = lvl
	}
	logger, err := zapConfig.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func startBackgroundTasks(ctx context.Context, server *Server) {
	cfg := server.config

	go func() {
		if err := server.coordinator.Resume(ctx, server.messages, lifecycle.LogProgress(server.logger)); err != nil {
			server.logger.Warnf("Failed to resume installed apps: %v", err)
		}
	}()

	server.messages.StartMaintenance(ctx, cfg.Gossip.MaintenanceInterval)
	server.reporter.StartReporting(ctx, cfg.Gossip.RunningInterval)
	server.orchestrator.StartUpdates(ctx, cfg.Lifecycle.UpdateInterval)
	server.orchestrator.State().StartExpiry()
	if cfg.Election.Enabled {
		server.elections.StartElection(ctx)
	}

	server.nodeManager.StartIPMonitoring(ctx, cfg.Node.IPCheckInterval, func(oldIP, newIP string) {
		announceCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.handler.AnnounceIPChange(announceCtx, oldIP, newIP); err != nil {
			server.logger.Warnf("Failed to announce ip change: %v", err)
		}
	})
	server.storageManager.StartVolumeHealthMonitoring(ctx, cfg.Storage.HealthInterval)
	server.membershipManager.StartHealthMonitoring(ctx, 10*time.Second)
}

func shutdownServer(server *Server) {
	if server.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.webServer.Stop(ctx); err != nil {
			server.logger.Errorf("Failed to stop web server: %v", err)
		}
	}

	if server.orchestrator != nil {
		server.orchestrator.State().Stop()
	}

	if server.membershipManager != nil {
		if err := server.membershipManager.Leave(5 * time.Second); err != nil {
			server.logger.Errorf("Failed to leave cluster: %v", err)
		}
		if err := server.membershipManager.Close(); err != nil {
			server.logger.Errorf("Failed to close membership manager: %v", err)
		}
	}

	if server.dockerManager != nil {
		if err := server.dockerManager.Close(); err != nil {
			server.logger.Errorf("Failed to close docker manager: %v", err)
		}
	}

	if server.db != nil {
		if err := server.db.Close(); err != nil {
			server.logger.Errorf("Failed to close database: %v", err)
		}
	}
}
