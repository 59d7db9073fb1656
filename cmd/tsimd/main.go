package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/tsimd/pkg/api"
	"github.com/cuemby/tsimd/pkg/app"
	"github.com/cuemby/tsimd/pkg/config"
	"github.com/cuemby/tsimd/pkg/dscp"
	"github.com/cuemby/tsimd/pkg/executor"
	"github.com/cuemby/tsimd/pkg/facts"
	"github.com/cuemby/tsimd/pkg/log"
	"github.com/cuemby/tsimd/pkg/materializer"
	"github.com/cuemby/tsimd/pkg/metrics"
	"github.com/cuemby/tsimd/pkg/progress"
	"github.com/cuemby/tsimd/pkg/queue"
	"github.com/cuemby/tsimd/pkg/reconciler"
	"github.com/cuemby/tsimd/pkg/registry"
	"github.com/cuemby/tsimd/pkg/scheduler"
	"github.com/cuemby/tsimd/pkg/session"
	"github.com/cuemby/tsimd/pkg/types"
)

// Version information, set via ldflags during build.
var (
	Version = "dev"
	Commit  = "unknown"
)

// hidden subcommands are re-exec targets the Executor invokes on itself
// (inside "ip netns exec", or as a pooled child process) and are never
// meant to print cobra help text, so they are dispatched before cobra
// ever sees argv.
var hiddenSubcommands = map[string]func([]string) int{
	"internal-listen": executor.RunInternalListen,
	"internal-probe":  executor.RunInternalProbe,
	"render-pdf":      executor.RunRenderPDF,
}

func main() {
	if len(os.Args) > 1 {
		if fn, ok := hiddenSubcommands[os.Args[1]]; ok {
			os.Exit(fn(os.Args[2:]))
		}
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tsimd",
	Short:   "tsimd - network reachability analyzer",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tsimd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tsimd server: dispatch loop, reconciler, and HTTP endpoints",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "/etc/tsimd/config.json", "path to tsimd's JSON config file")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "bind address for /metrics, /health, /ready, /live")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := log.WithComponent("main")

	for _, dir := range []string{"registries", "locks", "runs"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, dir), 0o770); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer reg.Close()

	q, err := queue.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close()

	pool := dscp.NewPool(cfg.DSCPPool(), filepath.Join(cfg.DataDir, "locks", "dscp.lock"), cfg.JobTimeout())

	mat := materializer.New(reg)

	var routers []*types.Router
	if cfg.TracerouteSimulatorFacts != "" {
		routers, err = facts.LoadDir(cfg.TracerouteSimulatorFacts)
		if err != nil {
			return fmt.Errorf("failed to load router facts: %w", err)
		}
		if err := bootstrapTopology(context.Background(), reg, mat, routers, cfg.DSCPPool()); err != nil {
			return fmt.Errorf("failed to materialize topology: %w", err)
		}
		logger.Info().Int("routers", len(routers)).Msg("topology materialized")
	} else {
		logger.Warn().Msg("no traceroute_simulator_facts configured; starting with an empty topology")
	}

	tracker := progress.NewTracker()

	exec, err := executor.New(cfg, reg, mat, tracker)
	if err != nil {
		return fmt.Errorf("failed to construct executor: %w", err)
	}

	recon := reconciler.New(reg, pool, q, filepath.Join(cfg.DataDir, "runs"))
	recon.ReconcileOnce() // clear state left over from a crashed prior run against this data dir before dispatch resumes
	recon.Start()
	logger.Info().Msg("reconciler started")

	sched := scheduler.New(q, pool, exec, routers, cfg.PerformanceConfig.MaxConcurrentJobs)
	sched.Start()
	logger.Info().Msg("scheduler started")

	sessions, err := session.NewStore(cfg.DataDir, cfg.SessionTimeout())
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	auth := session.NewStaticAuthenticator(credentialsFromConfig(cfg.AuthenticationConfig.Users))

	application := &app.Application{
		Config:     cfg,
		Registry:   reg,
		Queue:      q,
		DSCP:       pool,
		Scheduler:  sched,
		Reconciler: recon,
		Progress:   tracker,
		Sessions:   sessions,
		Auth:       auth,
		Routers:    routers,
	}

	apiServer := api.NewServer(application, api.ServerOptions{Addr: cfg.BindAddr})
	apiErrCh := make(chan error, 1)
	apiServer.Start(apiErrCh)

	collector := metrics.NewCollector(q, pool)
	collector.Start()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("registry", true, "ready")
	metrics.RegisterComponent("queue", true, "ready")
	metrics.RegisterComponent("api", true, "ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	srv := &http.Server{Addr: metricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("metrics server error, shutting down")
	case err := <-apiErrCh:
		logger.Error().Err(err).Msg("api server error, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = apiServer.Stop(shutdownCtx)

	collector.Stop()
	recon.Stop()
	sched.Stop()

	return nil
}

// credentialsFromConfig adapts the config file's local user table into the
// session package's Authenticator input.
func credentialsFromConfig(users []config.UserCredential) []session.Credential {
	creds := make([]session.Credential, len(users))
	for i, u := range users {
		creds[i] = session.Credential{
			Username:     u.Username,
			PasswordHash: u.PasswordHash,
			Role:         session.Role(u.Role),
		}
	}
	return creds
}

// bootstrapTopology registers every router and interface and materializes
// each router's namespace, veth mesh, and DSCP accounting chains. Run once
// at startup; the Scheduler and Executor assume the topology already
// exists in the kernel by the time the first run is dequeued.
func bootstrapTopology(ctx context.Context, reg *registry.Registry, mat *materializer.Materializer, routers []*types.Router, dscpPool []int) error {
	for _, router := range routers {
		routerCode, err := reg.RegisterRouter(router.Name)
		if err != nil {
			return err
		}
		ifaceCodes := make(map[string]string, len(router.Interfaces))
		for _, iface := range router.Interfaces {
			ifaceCode, err := reg.RegisterInterface(routerCode, iface.Name)
			if err != nil {
				return err
			}
			ifaceCodes[iface.Name] = ifaceCode
		}

		buf := mat.MaterializeRouter(router, routerCode, ifaceCodes, dscpPool)
		if err := buf.Run(ctx); err != nil {
			return fmt.Errorf("router %s: %w", router.Name, err)
		}
	}
	return nil
}
