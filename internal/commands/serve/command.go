// Package serve implements "wonder serve": the long-running coordinator
// service with its HTTP API.
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wonderhq/wonder/internal/actions"
	"github.com/wonderhq/wonder/internal/commands/shared"
	"github.com/wonderhq/wonder/internal/config"
	wonderlog "github.com/wonderhq/wonder/internal/log"
	"github.com/wonderhq/wonder/internal/metrics"
	"github.com/wonderhq/wonder/internal/resource"
	"github.com/wonderhq/wonder/internal/server"
	"github.com/wonderhq/wonder/pkg/coordinator"
	"github.com/wonderhq/wonder/pkg/workflow"
)

type options struct {
	configPath string
	addr       string
	dbPath     string
	workers    int
	seed       int64
}

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator service",
		Long: `Serve starts the coordinator with its HTTP API: definition and run
management under /v1, live event streams over WebSocket at /v1/streams,
and Prometheus metrics at /metrics. Runs persist to SQLite.

Configuration comes from the config file (default ~/.config/wonder/
config.yaml), overridden by environment variables, overridden by flags.`,
		Example: `  # Serve on the default address with an on-disk store
  wonder serve --db wonder.db

  # Ephemeral store, custom address
  wonder serve --addr :9090

  # Explicit config file
  wonder serve --config /etc/wonder/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "Config file path (default: XDG config dir)")
	f.StringVar(&opts.addr, "addr", "", "HTTP listen address (overrides config)")
	f.StringVar(&opts.dbPath, "db", "", "SQLite file for persistence (overrides config)")
	f.IntVar(&opts.workers, "workers", 0, "Worker pool size (overrides config)")
	f.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "Seed for mock action sampling")
	return cmd
}

func runServe(cmd *cobra.Command, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return shared.Failf(shared.ExitUsage, "%v", err)
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = opts.addr
	}
	if cmd.Flags().Changed("db") {
		cfg.Store.Path = opts.dbPath
	}
	if cmd.Flags().Changed("workers") {
		cfg.Engine.Workers = opts.workers
	}

	logger := wonderlog.New(&wonderlog.Config{
		Level:  cfg.Log.Level,
		Format: wonderlog.Format(cfg.Log.Format),
		Output: os.Stderr,
	})

	var store resource.Store
	if cfg.Store.Path == "" {
		store = resource.NewMemoryStore()
	} else {
		store, err = resource.OpenSQLite(resource.SQLiteConfig{Path: cfg.Store.Path, WAL: cfg.Store.WAL})
		if err != nil {
			return shared.Failf(shared.ExitFailed, "failed to open store: %v", err)
		}
	}
	defer store.Close()

	coord, err := coordinator.New(coordinator.Config{
		Loader:           workflow.NewLoader(store),
		Actions:          actions.NewDefaultRegistry(opts.seed),
		Store:            store,
		Logger:           logger,
		Workers:          cfg.Engine.Workers,
		QueueSize:        cfg.Engine.QueueSize,
		SubscriberBuffer: cfg.Engine.SubscriberBuffer,
	})
	if err != nil {
		return shared.Failf(shared.ExitFailed, "%v", err)
	}
	defer coord.Close()

	observer := metrics.NewObserver(coord)
	defer observer.Close()

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	}, coord, store)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return shared.Failf(shared.ExitFailed, "server error: %v", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return shared.Failf(shared.ExitFailed, "shutdown error: %v", err)
	}
	return nil
}
