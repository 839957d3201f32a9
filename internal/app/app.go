// Package app builds the connections, repositories and services shared by
// the api, worker and omsctl binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/config"
	"github.com/ariefcatur/micro-oms/internal/fulfillment"
	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/kafka"
	"github.com/ariefcatur/micro-oms/internal/logging"
	"github.com/ariefcatur/micro-oms/internal/orders"
	"github.com/ariefcatur/micro-oms/internal/postgres"
	"github.com/ariefcatur/micro-oms/internal/redisx"
	"github.com/ariefcatur/micro-oms/internal/reconcile"
	"github.com/ariefcatur/micro-oms/internal/shopify"
	"github.com/ariefcatur/micro-oms/internal/shops"
	"github.com/ariefcatur/micro-oms/internal/stockpush"
)

const producerBuffer = 1024

type App struct {
	Config config.Config
	Logger *zap.Logger

	DB       *pgxpool.Pool
	Redis    *redis.Client
	Producer *kafka.Producer
	Events   *kafka.EventBus

	Products *inventory.Repo
	Orders   *orders.Repo
	Shops    *shops.Repo

	Dirty      *redisx.DirtySet
	Ledger     *inventory.Ledger
	Drainer    *inventory.Drainer
	Shopify    *shopify.Client
	Manager    *orders.Manager
	Reconciler *reconcile.Reconciler
	Pusher     *stockpush.Pusher
}

// Open connects to Postgres and Redis, starts the event producer and wires
// every service. The producer runs until ctx ends or Close is called.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	a := &App{Config: cfg, Logger: logger}

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	a.DB = db

	rdb, err := redisx.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Redis = rdb

	a.Producer = kafka.NewProducer(cfg.KafkaBrokers, producerBuffer, logger)
	a.Producer.Start(ctx)
	a.Events = kafka.NewEventBus(a.Producer, cfg.ServiceName, logger)

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, logger := a.Config, a.Logger

	a.Products = &inventory.Repo{DB: a.DB}
	a.Orders = &orders.Repo{DB: a.DB}
	a.Shops = &shops.Repo{DB: a.DB}
	a.Dirty = redisx.NewDirtySet(a.Redis, cfg.Inventory.DirtySetKey, logger)

	var err error
	a.Ledger, err = inventory.NewLedger(inventory.LedgerDeps{
		Store:  a.Products,
		Dirty:  a.Dirty,
		Events: a.Events,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	a.Drainer = inventory.NewDrainer(a.Dirty, a.Ledger, cfg.Inventory.RecalcBatchSize, logger)

	a.Shopify = shopify.NewClient(shopify.ClientOptions{
		APIVersion: cfg.Shopify.APIVersion,
		Timeout:    cfg.Shopify.HTTPTimeout,
	})

	dispatcher, err := fulfillment.New(fulfillment.Deps{
		Links:   a.Shops,
		Remote:  a.Shopify,
		Logger:  logger,
		Timeout: cfg.Shopify.HTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("fulfillment: %w", err)
	}

	a.Manager, err = orders.NewManager(orders.ManagerDeps{
		Store:      a.Orders,
		Ledger:     a.Ledger,
		Dispatcher: dispatcher,
		Events:     a.Events,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("order manager: %w", err)
	}

	a.Reconciler, err = reconcile.New(reconcile.Deps{
		Shops:              a.Shops,
		Products:           a.Products,
		Orders:             a.Manager,
		Remote:             a.Shopify,
		Locker:             redisx.NewLocker(a.Redis, logger),
		Logger:             logger,
		DefaultCountryCode: cfg.Sync.DefaultCountryCode,
		LockTTL:            cfg.Sync.LockTTL,
	})
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	a.Pusher, err = stockpush.New(stockpush.Deps{
		Shops:    a.Shops,
		Products: a.Products,
		Remote:   a.Shopify,
		Logger:   logger,
		Timeout:  cfg.Shopify.HTTPTimeout,
	})
	if err != nil {
		return fmt.Errorf("stock pusher: %w", err)
	}
	return nil
}

// Close flushes pending events and releases the connections.
func (a *App) Close() {
	if a.Producer != nil {
		a.Producer.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
