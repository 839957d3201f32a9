package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/stockpush"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull remote orders for every active shop",
		Long: `Reconcile the orders of every active shop updated since its last sync.

A shop whose sync fails, or is already running elsewhere, is reported with
its error and does not stop the others.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *Runtime, out printer) error {
				results, err := rt.Syncer.SyncAllActiveShops(ctx)
				if err != nil {
					return err
				}
				return out.syncResults(results)
			})
		},
	}
}

type recalcLine struct {
	ProductID int64  `json:"product_id"`
	Available int    `json:"available_stock"`
	Changed   bool   `json:"changed"`
	Error     string `json:"error,omitempty"`
}

// NewRecalculateCommand creates the recalculate command.
func NewRecalculateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "recalculate <product-id>...",
		Short:        "Recompute available stock for the given products",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *Runtime, out printer) error {
				var (
					lines  []recalcLine
					failed int
				)
				for _, id := range ids {
					rec, err := rt.Ledger.Recalculate(ctx, id)
					line := recalcLine{ProductID: id, Available: rec.Available, Changed: rec.Changed}
					if err != nil {
						line.Error = err.Error()
						failed++
					}
					lines = append(lines, line)
				}
				if err := out.lines(lines, func(w io.Writer) {
					for _, l := range lines {
						if l.Error != "" {
							fmt.Fprintf(w, "product %d: error: %s\n", l.ProductID, l.Error)
							continue
						}
						fmt.Fprintf(w, "product %d: available=%d changed=%t\n", l.ProductID, l.Available, l.Changed)
					}
				}); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d products failed", failed, len(ids))
				}
				return nil
			})
		},
	}
}

type drainTotals struct {
	Batches      int `json:"batches"`
	Popped       int `json:"popped"`
	Recalculated int `json:"recalculated"`
	Failed       int `json:"failed"`
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Recalculate every product queued in the dirty set",
		Long: `Pop batches off the dirty set until a batch comes back short, recalculating
each product. Failed products are reported and not re-queued.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, rt *Runtime, out printer) error {
				totals, err := drainAll(ctx, rt.Drainer, rt.BatchSize)
				if err != nil {
					return err
				}
				return out.lines(totals, func(w io.Writer) {
					fmt.Fprintf(w, "batches=%d popped=%d recalculated=%d failed=%d\n",
						totals.Batches, totals.Popped, totals.Recalculated, totals.Failed)
				})
			})
		},
	}
}

func drainAll(ctx context.Context, d BatchDrainer, batch int) (drainTotals, error) {
	if batch <= 0 {
		batch = inventory.DefaultBatchSize
	}
	var t drainTotals
	for {
		res, err := d.DrainOnce(ctx)
		if err != nil {
			return t, err
		}
		t.Batches++
		t.Popped += res.Popped
		t.Recalculated += res.Recalculated
		t.Failed += res.Failed
		if res.Popped < batch {
			return t, nil
		}
	}
}

// NewPushStockCommand creates the push-stock command.
func NewPushStockCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "push-stock <product-id>",
		Short:        "Push a product's available stock to every active shop",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withRuntime(cmd, opts, func(ctx context.Context, rt *Runtime, out printer) error {
				res, err := rt.Pusher.PushProduct(ctx, ids[0])
				if err != nil {
					return err
				}
				return out.lines(res, func(w io.Writer) {
					fmt.Fprintf(w, "product %d: pushed=%d failed=%d\n", ids[0], res.Pushed, res.Failed)
				})
			})
		},
	}
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Apply the database schema",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func withRuntime(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, *Runtime, printer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := opts.Open(ctx)
	if err != nil {
		return err
	}
	if rt.Close != nil {
		defer rt.Close()
	}
	return fn(ctx, rt, printer{format: opts.Format, w: cmd.OutOrStdout()})
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid product id %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var _ StockPusher = (*stockpush.Pusher)(nil)
