package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mapswipe/mapswipe-workers/internal/config"
	"github.com/mapswipe/mapswipe-workers/internal/dispatch"
	"github.com/mapswipe/mapswipe-workers/internal/journal"
	"github.com/mapswipe/mapswipe-workers/internal/metrics"
	"github.com/mapswipe/mapswipe-workers/internal/osm"
	"github.com/mapswipe/mapswipe-workers/internal/store"
	"github.com/mapswipe/mapswipe-workers/internal/workers"
)

// NewRunCommand creates the run command: the full pipeline plus the OSM
// OAuth bridge.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the workers and the OSM auth bridge",
		Long: `Start the counter-maintenance pipeline.

Opens the tree backend, registers the trigger handlers, starts the
dispatcher worker pool, and serves the OSM OAuth bridge with /metrics
and /health endpoints.

Example:
  mapswipe-workers run --config config.yaml
  mapswipe-workers run --config config.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(rootOpts, cmd)
		},
	}
	return cmd
}

func runPipeline(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading config", err)
	}

	backend, err := openBackend(cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening store backend", err)
	}
	st := store.New(backend)
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	reg := prometheus.DefaultRegisterer
	dispatchMetrics := metrics.NewDispatch(reg)
	ingestionMetrics := metrics.NewIngestion(reg)

	dispatchOpts := []dispatch.DispatcherOption{
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
		dispatch.WithHandlerTimeout(cfg.Dispatch.Timeout()),
		dispatch.WithMetrics(dispatchMetrics),
	}
	if cfg.Journal.Enabled {
		jnl, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "opening journal", err)
		}
		defer func() {
			if closeErr := jnl.Close(); closeErr != nil {
				slog.Error("error closing journal", "error", closeErr)
			}
		}()
		dispatchOpts = append(dispatchOpts, dispatch.WithJournal(jnl))
	}
	d := dispatch.New(dispatchOpts...)

	set := workers.NewSet(st,
		workers.WithBlocklist(workers.NewStaticBlocklist(cfg.Ingestion.BlockedUsers)),
		workers.WithMinSecondsPerTask(cfg.Ingestion.MinSecondsPerTask),
		workers.WithIngestionMetrics(ingestionMetrics),
	)
	if err := set.Register(d); err != nil {
		return WrapExitError(ExitCommandError, "registering handlers", err)
	}
	st.SetObserver(d)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	bridge := osm.NewServer(cfg.OSM, st)
	app := bridge.App()
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("osm bridge listening", "addr", cfg.OSM.Listen)
		serverErr <- app.Listen(cfg.OSM.Listen)
	}()

	slog.Info("pipeline starting",
		"routes", len(d.Routes()),
		"backend", cfg.Store.Backend)
	fmt.Fprintln(cmd.OutOrStdout(), "Workers started. Press Ctrl-C to stop.")

	dispatcherErr := make(chan error, 1)
	go func() {
		dispatcherErr <- d.Run(ctx)
	}()

	select {
	case err := <-serverErr:
		cancel()
		<-dispatcherErr
		if err != nil {
			return WrapExitError(ExitFailure, "osm bridge error", err)
		}
	case err := <-dispatcherErr:
		if shutdownErr := app.Shutdown(); shutdownErr != nil {
			slog.Error("error shutting down osm bridge", "error", shutdownErr)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			return WrapExitError(ExitFailure, "dispatcher error", err)
		}
	case <-ctx.Done():
		if shutdownErr := app.Shutdown(); shutdownErr != nil {
			slog.Error("error shutting down osm bridge", "error", shutdownErr)
		}
		<-dispatcherErr
	}

	slog.Info("workers stopped gracefully")
	return nil
}

func openBackend(cfg config.Store) (store.Backend, error) {
	switch cfg.Backend {
	case "badger":
		return store.OpenBadger(cfg.Path)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
