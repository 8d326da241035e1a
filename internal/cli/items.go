package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/app"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/router"
)

// PutOptions holds flags for the put command.
type PutOptions struct {
	*RootOptions
	Type      string
	Props     string
	File      string
	Datastore string
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put [uuid]",
		Short: "Create or update an item",
		Long: `Write an item's properties to the durable store.

The item is enqueued for indexing when the write commits. Without a uuid a
new item is created and --type is required. Properties are a JSON object
given with --props or read from --file ("-" reads stdin).

Examples:
  replica put --type Lab --props '{"name": "encode-lab"}'
  replica put 0a000000-0000-4000-8000-000000000001 --file lab.json
  replica put --type Lab --props '{"name": "x"}' --datastore index`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runPut(opts, id, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Type, "type", "t", "", "item type (required for new items)")
	cmd.Flags().StringVarP(&opts.Props, "props", "p", "", "properties as a JSON object")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read properties from a JSON file (- for stdin)")
	cmd.Flags().StringVar(&opts.Datastore, "datastore", "database", "also store a partial document when set to index")
	cmd.MarkFlagsMutuallyExclusive("props", "file")

	return cmd
}

func runPut(opts *PutOptions, id string, cmd *cobra.Command) error {
	out := newOutput(opts.RootOptions, cmd)

	ds, err := router.ParseDatastore(opts.Datastore)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid datastore", err)
	}
	props, err := readProperties(opts.Props, opts.File, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid properties", err)
	}

	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
		item, err := a.Router.Write(ctx, router.WriteRequest{
			UUID:       id,
			ItemType:   opts.Type,
			Properties: props,
			Datastore:  ds,
		})
		if err != nil {
			return out.Fail("write failed", err)
		}
		return out.Success(item, func(w io.Writer) {
			fmt.Fprintf(w, "%s %s sid=%d\n", item.ItemType, item.UUID, item.SID)
		})
	})
}

// readProperties decodes a JSON object from the flag value or the file.
func readProperties(inline, file string, stdin io.Reader) (ir.Properties, error) {
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		data = b
	default:
		return nil, fmt.Errorf("one of --props or --file is required")
	}
	return ir.DecodeProperties(data)
}

// GetOptions holds flags for the get command.
type GetOptions struct {
	*RootOptions
	Datastore string
	Key       string
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <uuid>",
		Short: "Read an item",
		Long: `Read an item from the durable store or the index.

With --key the argument is a unique key value instead of a uuid; the item
holding it is read from the durable store.

Examples:
  replica get 0a000000-0000-4000-8000-000000000001
  replica get 0a000000-0000-4000-8000-000000000001 --datastore index
  replica get encode-lab --key lab:name`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Datastore, "datastore", "database", "datastore to read from (database|index)")
	cmd.Flags().StringVarP(&opts.Key, "key", "k", "", "unique key name; the argument is the key value")

	return cmd
}

func runGet(opts *GetOptions, arg string, cmd *cobra.Command) error {
	out := newOutput(opts.RootOptions, cmd)

	ds, err := router.ParseDatastore(opts.Datastore)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid datastore", err)
	}

	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
		var item *router.Item
		if opts.Key != "" {
			item, err = a.Router.ReadByKey(ctx, opts.Key, arg)
		} else {
			item, err = a.Router.Read(ctx, arg, ds)
		}
		if err != nil {
			return out.Fail("read failed", err)
		}
		return out.Success(item, nil)
	})
}

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Sheet string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "history <uuid>",
		Short:         "List every revision of an item",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Sheet, "sheet", ir.DefaultSheet, "property sheet name")

	return cmd
}

func runHistory(opts *HistoryOptions, id string, cmd *cobra.Command) error {
	out := newOutput(opts.RootOptions, cmd)

	return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
		sheets, err := a.Router.History(ctx, id, opts.Sheet)
		if err != nil {
			return out.Fail("history failed", err)
		}
		return out.Success(sheets, func(w io.Writer) {
			for _, s := range sheets {
				data, err := ir.MarshalCanonical(s.Properties)
				if err != nil {
					data = []byte(err.Error())
				}
				fmt.Fprintf(w, "%d\t%s\n", s.SID, data)
			}
		})
	})
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <uuid>...",
		Short: "Delete items with their whole history",
		Long: `Delete items from the index and the durable store.

An item still linked to by another item is refused. The items the purged
document embedded are queued for a rebuild.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(rootOpts, args, cmd)
		},
	}
}

func runPurge(opts *RootOptions, ids []string, cmd *cobra.Command) error {
	out := newOutput(opts, cmd)

	return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
		for _, id := range ids {
			if err := a.Router.Purge(ctx, id); err != nil {
				return out.Fail("purge failed", err)
			}
			out.VerboseLog("purged %s", id)
		}
		return out.Success(map[string]any{"purged": ids}, func(w io.Writer) {
			fmt.Fprintf(w, "Purged %s\n", strings.Join(ids, ", "))
		})
	})
}
