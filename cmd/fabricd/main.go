package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/discovery"
	"github.com/agentfabric/fabric/internal/frame"
	"github.com/agentfabric/fabric/internal/harness"
	"github.com/agentfabric/fabric/internal/rbac"
	"github.com/agentfabric/fabric/internal/ringtransport/wsbridge"
	"github.com/agentfabric/fabric/internal/router"
)

var (
	version = "dev"
	commit  = "none"
)

// Exit codes, matching the environment/CLI section: 0 success, 1 init
// failure, 2 configuration error, 3 peer protocol error. fabricd has no
// wire-level peer it talks to directly (the loopback bridge decodes and
// discards malformed frames rather than erroring the process), so code 3 is
// repurposed here for a forced/dirty shutdown (drain deadline exceeded, or a
// component returned an error on stop) — the nearest fabricd equivalent of
// "something went wrong talking to a peer" during the process's lifetime.
const (
	exitOK          = 0
	exitInitFailed  = 1
	exitConfigError = 2
	exitForced      = 3
)

type config struct {
	home          string
	heartbeatMS   int
	ringCapacity  int
	logLevel      string
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	cfg := &config{}
	root := newRootCmd(cfg)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if lastExitCode == exitOK {
			return exitConfigError
		}
		return lastExitCode
	}
	return lastExitCode
}

// lastExitCode lets RunE communicate a specific exit code back through
// cobra's plain error-returning Execute path.
var lastExitCode = exitOK

func newRootCmd(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:   "fabricd",
		Short: "fabricd — single-host in-process multi-agent message fabric",
		Long: `fabricd hosts the message router, agent discovery, and RBAC
subsystems that let a set of agents on one machine publish, subscribe,
exchange request/response pairs, and distribute work items without any
network hop between them.`,
	}

	root.PersistentFlags().StringVar(&cfg.home, "home", envOrDefault("FABRIC_HOME", "./fabric-home"), "directory for runtime state (e.g. the loopback port file)")
	root.PersistentFlags().IntVar(&cfg.heartbeatMS, "heartbeat-ms", envIntOrDefault("FABRIC_HEARTBEAT_MS", 2000), "agent heartbeat interval in milliseconds")
	root.PersistentFlags().IntVar(&cfg.ringCapacity, "ring-capacity", envIntOrDefault("FABRIC_RING_CAPACITY", 16<<20), "per-priority ring byte capacity for each agent inbox")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FABRIC_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(cfg))
	root.AddCommand(newStatusCmd(cfg))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fabricd %s (commit: %s)\n", version, commit)
		},
	}
}

func newRunCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the fabric: discovery, router, RBAC, and a small set of demonstration agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			lastExitCode = run(cmd.Context(), cfg)
			if lastExitCode != exitOK {
				return fmt.Errorf("fabricd: exited with code %d", lastExitCode)
			}
			return nil
		},
	}
}

func newStatusCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a fabricd instance appears to be listening on its loopback bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return status(cfg)
		},
	}
}

func run(ctx context.Context, cfg *config) int {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fabricd: bad log level: %v\n", err)
		return exitConfigError
	}
	defer logger.Sync() //nolint:errcheck

	if err := os.MkdirAll(cfg.home, 0o755); err != nil {
		logger.Error("failed to create home directory", zap.String("home", cfg.home), zap.Error(err))
		return exitInitFailed
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clk := clock.New()
	reg := discovery.New(clk, logger)
	rt := router.New(clk, logger)
	rbacMgr := rbac.New(clk, logger)

	if _, err := rbacMgr.CreateUser("admin", "change-me-immediately", rbac.RoleAdmin); err != nil {
		logger.Error("failed to seed admin user", zap.Error(err))
		return exitInitFailed
	}

	bridge := wsbridge.NewBridge(logger)
	bridge.OnFrame = func(agentID uint32, f frame.Frame) {
		logger.Debug("wsbridge: inbound frame", zap.Uint32("agent_id", agentID), zap.Stringer("msg_type", f.Header.MsgType))
	}
	addr, err := bridge.Listen(0)
	if err != nil {
		logger.Error("failed to bind loopback bridge", zap.Error(err))
		return exitInitFailed
	}
	if err := writePortFile(cfg.home, addr); err != nil {
		logger.Warn("failed to write port file", zap.Error(err))
	}
	defer os.Remove(filepath.Join(cfg.home, "fabric.port"))
	defer bridge.Close(context.Background())

	agents, err := startDemoAgents(ctx, cfg, reg, rt, clk, logger)
	if err != nil {
		logger.Error("failed to start demonstration agents", zap.Error(err))
		return exitInitFailed
	}

	sched, err := newMaintenanceScheduler(rt, reg, rbacMgr, logger)
	if err != nil {
		logger.Error("failed to build maintenance scheduler", zap.Error(err))
		return exitInitFailed
	}
	sched.Start()
	defer sched.Shutdown() //nolint:errcheck

	logger.Info("fabricd running", zap.String("bridge_addr", addr), zap.Int("agents", len(agents)))
	<-ctx.Done()
	logger.Info("shutting down fabricd")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var stopErr error
	for _, a := range agents {
		stopErr = multierr.Append(stopErr, a.Stop(shutdownCtx))
	}
	if stopErr != nil {
		logger.Warn("errors during agent shutdown", zap.Error(stopErr))
		return exitForced
	}

	logger.Info("fabricd stopped")
	return exitOK
}

// startDemoAgents brings up a monitor agent (subscribed to "fabric.health")
// and two scan workers behind a least-loaded work queue, demonstrating the
// three message classes a harness dispatches.
func startDemoAgents(ctx context.Context, cfg *config, reg *discovery.Registry, rt *router.Router, clk clock.Clock, logger *zap.Logger) ([]*harness.Harness, error) {
	heartbeat := time.Duration(cfg.heartbeatMS) * time.Millisecond

	if err := rt.CreateTopic("fabric.health", router.RoundRobin, false); err != nil {
		return nil, err
	}
	if err := rt.CreateWorkQueue("fabric.scan", router.LeastLoaded); err != nil {
		return nil, err
	}

	monitor := harness.New(harness.Config{
		Name:           "monitor",
		Kind:           discovery.KindObserver,
		Topics:         []string{"fabric.health"},
		RingCapacity:   cfg.ringCapacity,
		HeartbeatEvery: heartbeat,
		Callbacks: harness.Callbacks{
			OnPublish: func(f frame.Frame) {
				logger.Info("monitor observed health publish", zap.Int("payload_bytes", len(f.Payload)))
			},
		},
	}, reg, rt, clk, logger)

	workerA := harness.New(harness.Config{
		Name:           "scan-worker-a",
		Kind:           discovery.KindWorker,
		RingCapacity:   cfg.ringCapacity,
		HeartbeatEvery: heartbeat,
		Callbacks: harness.Callbacks{
			OnWorkItem: func(f frame.Frame) { logger.Info("scan-worker-a processing item") },
		},
	}, reg, rt, clk, logger)

	workerB := harness.New(harness.Config{
		Name:           "scan-worker-b",
		Kind:           discovery.KindWorker,
		RingCapacity:   cfg.ringCapacity,
		HeartbeatEvery: heartbeat,
		Callbacks: harness.Callbacks{
			OnWorkItem: func(f frame.Frame) { logger.Info("scan-worker-b processing item") },
		},
	}, reg, rt, clk, logger)

	agents := []*harness.Harness{monitor, workerA, workerB}
	for _, a := range agents {
		if err := a.Start(ctx); err != nil {
			return nil, err
		}
	}

	rt.RegisterWorker("fabric.scan", workerA.ID(), 1.0)
	rt.RegisterWorker("fabric.scan", workerB.ID(), 1.0)

	return agents, nil
}

// newMaintenanceScheduler wires the fabric's periodic housekeeping passes
// (expired-request sweep, dead-letter retry, stale-agent sweep, expired
// session cleanup) as singleton-mode gocron jobs, the same pattern the
// original backup scheduler used for per-policy jobs.
func newMaintenanceScheduler(rt *router.Router, reg *discovery.Registry, rbacMgr *rbac.Manager, logger *zap.Logger) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("fabricd: creating maintenance scheduler: %w", err)
	}

	jobs := []struct {
		name string
		every time.Duration
		task func()
	}{
		{"sweep-expired-requests", time.Second, func() { rt.SweepExpiredRequests() }},
		{"retry-dead-letters", 2 * time.Second, func() { rt.RetryDeadLetters() }},
		{"sweep-stale-agents", 5 * time.Second, func() { reg.SweepStale(3 * time.Second) }},
		{"cleanup-expired-sessions", time.Minute, func() { rbacMgr.CleanupExpired() }},
	}

	for _, j := range jobs {
		_, err := s.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(j.task),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("fabricd: scheduling %s: %w", j.name, err)
		}
	}

	logger.Info("maintenance scheduler configured", zap.Int("jobs", len(jobs)))
	return s, nil
}

func status(cfg *config) error {
	portFile := filepath.Join(cfg.home, "fabric.port")
	data, err := os.ReadFile(portFile)
	if err != nil {
		fmt.Println("no running fabricd instance detected (no port file)")
		return nil
	}

	conn, err := net.DialTimeout("tcp", string(data), 500*time.Millisecond)
	if err != nil {
		fmt.Printf("port file found (%s) but loopback bridge is not accepting connections: %v\n", data, err)
		return nil
	}
	conn.Close()
	fmt.Printf("fabricd appears to be running, loopback bridge reachable at %s\n", data)
	return nil
}

func writePortFile(home, addr string) error {
	return os.WriteFile(filepath.Join(home, "fabric.port"), []byte(addr), 0o644)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
