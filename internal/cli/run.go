package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/app"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the indexing workers until interrupted",
		Long: `Start the indexing worker pool against the queue.

The workers poll the queue lanes, build documents and store them in the
index until SIGINT or SIGTERM.

Example:
  replica run --config replica.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App) error {
				return runWorkers(ctx, a, cmd)
			})
		},
	}
}

func runWorkers(parent context.Context, a *app.App, cmd *cobra.Command) error {
	ctx, stop := signalContext(parent)
	defer stop()

	slog.Debug("queue", "path", a.Config.Queue, "visibility_timeout", a.Queue.VisibilityTimeout())
	fmt.Fprintln(cmd.OutOrStdout(), "Indexer started. Press Ctrl-C to stop.")

	if err := a.Indexer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "indexer error", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Indexer stopped.")
	return nil
}

// signalContext returns a context cancelled on SIGINT, SIGTERM or when
// parent is done.
func signalContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
