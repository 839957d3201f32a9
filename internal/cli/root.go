// Package cli implements the omsctl operator commands.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ariefcatur/micro-oms/internal/app"
	"github.com/ariefcatur/micro-oms/internal/config"
	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/logging"
	"github.com/ariefcatur/micro-oms/internal/postgres"
	"github.com/ariefcatur/micro-oms/internal/reconcile"
	"github.com/ariefcatur/micro-oms/internal/stockpush"
)

var ValidFormats = []string{"text", "json"}

type Syncer interface {
	SyncAllActiveShops(ctx context.Context) (map[string]reconcile.Stats, error)
}

type BatchDrainer interface {
	DrainOnce(ctx context.Context) (inventory.DrainResult, error)
}

type StockPusher interface {
	PushProduct(ctx context.Context, productID int64) (stockpush.Result, error)
}

// Runtime is the slice of the service graph the commands drive.
type Runtime struct {
	Syncer    Syncer
	Ledger    inventory.Recalculator
	Drainer   BatchDrainer
	Pusher    StockPusher
	BatchSize int
	Close     func()
}

// RootOptions holds global flags and the hooks that reach live infrastructure.
type RootOptions struct {
	Format string

	Open    func(ctx context.Context) (*Runtime, error)
	Migrate func(ctx context.Context) error
}

// NewRootCommand creates omsctl wired against the environment configuration.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Open: openRuntime, Migrate: migrate})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "omsctl",
		Short: "Operate the order management service",
		Long:  "Operator commands for the order management service: remote order sync, stock recalculation and remote stock push.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		// main reports the error once.
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRecalculateCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewPushStockCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	return cmd
}

func openRuntime(ctx context.Context) (*Runtime, error) {
	cfg := config.Load()
	// stdout carries command output.
	logger, err := logging.New(cfg.LogLevel, "stderr")
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		Syncer:    a.Reconciler,
		Ledger:    a.Ledger,
		Drainer:   a.Drainer,
		Pusher:    a.Pusher,
		BatchSize: cfg.Inventory.RecalcBatchSize,
		Close: func() {
			a.Close()
			_ = logger.Sync()
		},
	}, nil
}

func migrate(ctx context.Context) error {
	cfg := config.Load()
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return postgres.Migrate(ctx, db)
}
