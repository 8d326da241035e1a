package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/app"
	"github.com/roach88/replica/internal/queue"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and feed the indexing queue",
	}
	cmd.AddCommand(newQueueAddCommand(rootOpts))
	cmd.AddCommand(newQueueStatusCommand(rootOpts))
	cmd.AddCommand(newQueueRedriveCommand(rootOpts))
	return cmd
}

// QueueAddOptions holds flags for the queue add command.
type QueueAddOptions struct {
	*RootOptions
	Types  []string
	All    bool
	Strict bool
	Lane   string
	SID    int64
}

func newQueueAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add [uuid]...",
		Short: "Enqueue items for indexing",
		Long: `Enqueue indexing requests for the given items, for every item of the
given types, or for every item.

Strict requests rebuild only their item. Non-strict requests also fan out
to the items that embed it.

Examples:
  replica queue add 0a000000-0000-4000-8000-000000000001
  replica queue add --type Lab --type Target --strict
  replica queue add --all --lane secondary`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueAdd(opts, args, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Types, "type", nil, "enqueue every item of this type (repeatable)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "enqueue every item")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "rebuild only the given items")
	cmd.Flags().StringVar(&opts.Lane, "lane", string(queue.Primary), "lane (primary|secondary|deferred)")
	cmd.Flags().Int64Var(&opts.SID, "sid", 0, "clock the requests are made at (default: current)")

	return cmd
}

func runQueueAdd(opts *QueueAddOptions, ids []string, cmd *cobra.Command) error {
	out := newOutput(opts.RootOptions, cmd)

	lane, err := queue.ParseLane(opts.Lane)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid lane", err)
	}
	if lane == queue.DeadLetter {
		return NewExitError(ExitCommandError, fmt.Sprintf("cannot enqueue on lane %s", lane))
	}
	if len(ids) == 0 && len(opts.Types) == 0 && !opts.All {
		return NewExitError(ExitCommandError, "one of uuids, --type or --all is required")
	}

	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
		addOpts := queue.AddOptions{Lane: lane, Strict: opts.Strict, SID: opts.SID}
		if addOpts.SID == 0 {
			if addOpts.SID, err = a.Router.MaxSID(ctx); err != nil {
				return out.Fail("enqueue failed", err)
			}
		}

		n := 0
		if len(ids) > 0 {
			added, err := a.Queue.AddUUIDs(ctx, ids, addOpts)
			if err != nil {
				return out.Fail("enqueue failed", err)
			}
			n += added
		}
		if len(opts.Types) > 0 || opts.All {
			types := opts.Types
			if opts.All {
				types = nil
			}
			added, err := a.Indexer.AddCollections(ctx, types, addOpts)
			if err != nil {
				return out.Fail("enqueue failed", err)
			}
			n += added
		}

		return out.Success(map[string]any{"enqueued": n, "lane": lane}, func(w io.Writer) {
			fmt.Fprintf(w, "Enqueued %d request(s) on %s\n", n, lane)
		})
	})
}

// QueueStatusOptions holds flags for the queue status command.
type QueueStatusOptions struct {
	*RootOptions
	DeadLetters bool
}

// QueueStatus is the output of queue status.
type QueueStatus struct {
	Lanes       map[queue.Lane]queue.LaneCount `json:"lanes"`
	DeadLetters []DeadLetter                   `json:"dead_letters,omitempty"`
}

// DeadLetter is one dead-lettered request.
type DeadLetter struct {
	UUID         string `json:"uuid"`
	SID          int64  `json:"sid"`
	ReceiveCount int    `json:"receive_count"`
	LastError    string `json:"last_error"`
}

func newQueueStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueStatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show waiting and in-flight counts per lane",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueStatus(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DeadLetters, "dlq", false, "list dead-lettered requests with their last errors")

	return cmd
}

func runQueueStatus(opts *QueueStatusOptions, cmd *cobra.Command) error {
	out := newOutput(opts.RootOptions, cmd)

	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
		counts, err := a.Queue.Counts(ctx)
		if err != nil {
			return out.Fail("queue status failed", err)
		}
		status := QueueStatus{Lanes: counts}
		if opts.DeadLetters {
			msgs, err := a.Queue.DeadLetters(ctx)
			if err != nil {
				return out.Fail("queue status failed", err)
			}
			for _, m := range msgs {
				status.DeadLetters = append(status.DeadLetters, DeadLetter{
					UUID:         m.UUID,
					SID:          m.SID,
					ReceiveCount: m.ReceiveCount,
					LastError:    m.LastError,
				})
			}
		}

		return out.Success(status, func(w io.Writer) {
			fmt.Fprintf(w, "%-10s %8s %8s\n", "LANE", "WAITING", "INFLIGHT")
			for _, l := range queue.Lanes {
				c := counts[l]
				fmt.Fprintf(w, "%-10s %8d %8d\n", l, c.Waiting, c.InFlight)
			}
			for _, d := range status.DeadLetters {
				fmt.Fprintf(w, "✗ %s sid=%d receives=%d: %s\n", d.UUID, d.SID, d.ReceiveCount, d.LastError)
			}
		})
	})
}

// QueueRedriveOptions holds flags for the queue redrive command.
type QueueRedriveOptions struct {
	*RootOptions
	Max int
}

func newQueueRedriveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueRedriveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "redrive",
		Short:         "Move dead-lettered requests back to the primary lane",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newOutput(opts.RootOptions, cmd)
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
				n, err := a.Queue.Redrive(ctx, opts.Max)
				if err != nil {
					return out.Fail("redrive failed", err)
				}
				return out.Success(map[string]int{"redriven": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Redrove %d request(s)\n", n)
				})
			})
		},
	}

	cmd.Flags().IntVar(&opts.Max, "max", 0, "move at most this many (0 means all)")

	return cmd
}
