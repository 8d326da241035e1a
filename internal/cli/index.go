package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/app"
	"github.com/roach88/replica/internal/indexer"
)

// IndexOptions holds flags for the index command.
type IndexOptions struct {
	*RootOptions
	DryRun bool
	Record bool
}

// NewIndexCommand creates the index command.
func NewIndexCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IndexOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "index [uuid]...",
		Short: "Index the given items, or drain the queue",
		Long: `Build and store index documents.

With uuids the items are rebuilt synchronously against the current
snapshot. Without, the queue is drained: passes run until nothing is left
or only deferred messages remain.

Exit codes:
  0 - Every item was indexed or skipped
  1 - One or more items failed
  2 - Command error

Examples:
  replica index
  replica index --record
  replica index 0a000000-0000-4000-8000-000000000001`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report the queue status without indexing")
	cmd.Flags().BoolVar(&opts.Record, "record", false, "persist the run record in the index")

	return cmd
}

func runIndex(opts *IndexOptions, ids []string, cmd *cobra.Command) error {
	out := newOutput(opts.RootOptions, cmd)
	ropts := indexer.RunOptions{DryRun: opts.DryRun, Record: opts.Record}

	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
		var (
			rec *indexer.RunRecord
			err error
		)
		if len(ids) > 0 {
			rec, err = a.Indexer.Sync(ctx, ids, ropts)
		} else {
			rec, err = a.Indexer.Drain(ctx, ropts)
		}
		if err != nil {
			return WrapExitError(ExitFailure, "index failed", err)
		}

		if err := out.Success(rec, func(w io.Writer) { printRecord(w, rec) }); err != nil {
			return err
		}
		if len(rec.Errors) > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) failed", len(rec.Errors)))
		}
		return nil
	})
}

func printRecord(w io.Writer, rec *indexer.RunRecord) {
	fmt.Fprintf(w, "%s run %s: %s, %d indexed in %.3fs\n", rec.Type, rec.UUID, rec.Status, rec.Count, rec.Elapsed)
	for _, e := range rec.Errors {
		fmt.Fprintf(w, "  ✗ %s [%s] %s\n", e.UUID, e.Code, e.Message)
	}
}

// InfoOptions holds flags for the info command.
type InfoOptions struct {
	*RootOptions
	Stats    bool
	Document bool
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InfoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "info <uuid>",
		Short: "Compare an item's index document with a fresh build",
		Long: `Build an item from the current snapshot without writing anything and
report whether the stored document is out of date, with the ids a
rebuild would invalidate.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Stats, "stats", false, "include build timings")
	cmd.Flags().BoolVar(&opts.Document, "document", false, "include the fresh document")

	return cmd
}

func runInfo(opts *InfoOptions, id string, cmd *cobra.Command) error {
	out := newOutput(opts.RootOptions, cmd)

	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
		info, err := a.Indexer.Info(ctx, id, indexer.InfoOptions{Stats: opts.Stats, Document: opts.Document})
		if err != nil {
			return out.Fail("info failed", err)
		}
		if opts.Document {
			return out.Success(info, nil)
		}
		return out.Success(info, func(w io.Writer) {
			fmt.Fprintf(w, "uuid:              %s\n", info.UUID)
			fmt.Fprintf(w, "sid (database):    %d\n", info.SIDDB)
			fmt.Fprintf(w, "sid (index):       %d\n", info.SIDIndex)
			fmt.Fprintf(w, "max sid:           %d\n", info.MaxSID)
			fmt.Fprintf(w, "rebuild warranted: %t\n", info.RebuildWarranted)
			fmt.Fprintf(w, "invalidates:       %d item(s)\n", len(info.UUIDsInvalidated))
			for _, u := range info.UUIDsInvalidated {
				fmt.Fprintf(w, "  %s\n", u)
			}
		})
	})
}

// NewMaxSIDCommand creates the max-sid command.
func NewMaxSIDCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "max-sid",
		Short:         "Print the durable store clock",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(rootOpts, cmd)
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app.App) error {
				sid, err := a.Router.MaxSID(ctx)
				if err != nil {
					return out.Fail("max-sid failed", err)
				}
				return out.Success(map[string]int64{"max_sid": sid}, func(w io.Writer) {
					fmt.Fprintln(w, sid)
				})
			})
		},
	}
}
