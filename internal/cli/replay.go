package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mapswipe/mapswipe-workers/internal/config"
	"github.com/mapswipe/mapswipe-workers/internal/dispatch"
	"github.com/mapswipe/mapswipe-workers/internal/journal"
	"github.com/mapswipe/mapswipe-workers/internal/store"
	"github.com/mapswipe/mapswipe-workers/internal/workers"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	From int64
}

// NewReplayCommand creates the replay command: re-drive journaled events
// through the handlers against the configured tree.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-drive journaled events through the handlers",
		Long: `Replay the event journal against the configured tree.

Each journaled event is dispatched to the registered handlers in journal
order, and the queue is drained to completion before the next event is
taken. Handlers are idempotent for already-applied results, so replaying
over a tree that has seen the events is safe.

Example:
  mapswipe-workers replay --config config.yaml
  mapswipe-workers replay --config config.yaml --from 1200`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 0, "replay events with seq greater than this")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "loading config", err)
	}
	if !cfg.Journal.Enabled {
		return WrapExitError(ExitCommandError, "replay requires journal.enabled", nil)
	}

	jnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening journal", err)
	}
	defer func() {
		if closeErr := jnl.Close(); closeErr != nil {
			slog.Error("error closing journal", "error", closeErr)
		}
	}()

	backend, err := openBackend(cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening store backend", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	lastSeq, err := jnl.LastSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "reading journal", err)
	}

	// Start the clock past every journaled seq so events minted during
	// replay never collide with recorded ones.
	st := store.New(backend, store.WithClock(store.NewClockAt(lastSeq)))
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	// No journal on the replay dispatcher: the journal stays a record of
	// the live run, not of replays over it.
	d := dispatch.New(
		dispatch.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
		dispatch.WithHandlerTimeout(cfg.Dispatch.Timeout()),
	)
	set := workers.NewSet(st,
		workers.WithBlocklist(workers.NewStaticBlocklist(cfg.Ingestion.BlockedUsers)),
		workers.WithMinSecondsPerTask(cfg.Ingestion.MinSecondsPerTask),
	)
	if err := set.Register(d); err != nil {
		return WrapExitError(ExitCommandError, "registering handlers", err)
	}
	st.SetObserver(d)

	events, err := jnl.ReadFrom(ctx, opts.From)
	if err != nil {
		return WrapExitError(ExitCommandError, "reading journal", err)
	}

	for _, ev := range events {
		d.Notify(ev)
		if err := d.Drain(ctx); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("replaying event %s", ev.ID), err)
		}
	}

	slog.Info("replay complete", "events", len(events), "from", opts.From)
	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d events\n", len(events))
	return nil
}
