package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/replica/internal/api"
	"github.com/roach88/replica/internal/app"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen    string
	NoIndexer bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the indexing workers",
		Long: `Serve the item and indexing HTTP API. The indexing workers run in the
same process unless --no-indexer is given.

Example:
  replica serve --listen :8080 --config replica.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
				return runServe(ctx, opts, a, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.NoIndexer, "no-indexer", false, "serve the API without running the workers")

	return cmd
}

func runServe(parent context.Context, opts *ServeOptions, a *app.App, cmd *cobra.Command) error {
	ctx, stop := signalContext(parent)
	defer stop()

	addr := a.Config.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	srv := api.New(a.Indexer, a.Router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, addr)
	})
	if !opts.NoIndexer {
		g.Go(func() error {
			return a.Indexer.Run(gctx)
		})
	}

	slog.Info("serving", "addr", addr, "indexer", !opts.NoIndexer)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", addr)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
