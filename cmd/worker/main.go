package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/micro-oms/internal/app"
	"github.com/ariefcatur/micro-oms/internal/config"
	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/kafka"
	"github.com/ariefcatur/micro-oms/internal/logging"
	"github.com/ariefcatur/micro-oms/internal/reconcile"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: cfg.StockPush.GroupID,
		Topic:   inventory.TopicStockChanged,
		Workers: cfg.StockPush.Workers,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("drainer started",
			zap.Int("batch", cfg.Inventory.RecalcBatchSize), zap.Duration("interval", cfg.Inventory.RecalcInterval))
		return a.Drainer.Run(gctx, cfg.Inventory.RecalcInterval)
	})
	g.Go(func() error {
		logger.Info("sync scheduler started", zap.Duration("interval", cfg.Sync.Interval))
		return runSync(gctx, a.Reconciler, cfg.Sync.Interval, logger)
	})
	g.Go(func() error {
		logger.Info("stock push consumer started",
			zap.String("group", cfg.StockPush.GroupID), zap.Int("workers", cfg.StockPush.Workers))
		return consumer.Start(gctx, a.Pusher.HandleStockChanged)
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}

// runSync reconciles every active shop once per interval. Per-shop failures
// are already logged by the reconciler and never stop the loop.
func runSync(ctx context.Context, r *reconcile.Reconciler, interval time.Duration, logger *zap.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		results, err := r.SyncAllActiveShops(ctx)
		if err != nil {
			logger.Error("scheduled sync", zap.Error(err))
			continue
		}
		logger.Info("scheduled sync done", zap.Int("shops", len(results)))
	}
}
