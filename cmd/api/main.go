package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/app"
	"github.com/ariefcatur/micro-oms/internal/config"
	"github.com/ariefcatur/micro-oms/internal/httpx"
	"github.com/ariefcatur/micro-oms/internal/logging"
	"github.com/ariefcatur/micro-oms/internal/postgres"
	"github.com/ariefcatur/micro-oms/internal/redisx"
	"github.com/ariefcatur/micro-oms/internal/shopify"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup", zap.Error(err))
	}
	defer a.Close()

	if err := postgres.Migrate(ctx, a.DB); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	deps := httpx.Deps{
		Orders:   a.Manager,
		Products: a.Products,
		Stock:    a.Ledger,
		APIKey:   cfg.APIKey,
		Logger:   logger,
	}
	if cfg.Shopify.APIKey != "" && cfg.Shopify.APISecret != "" {
		deps.Shopify = &httpx.ShopifyHandler{
			Verifier:    shopify.NewCallbackVerifier(cfg.Shopify.APISecret, redisx.NewNonceStore(a.Redis), nil),
			Exchanger:   a.Shopify,
			Shops:       a.Shops,
			APIKey:      cfg.Shopify.APIKey,
			APISecret:   cfg.Shopify.APISecret,
			Scopes:      cfg.Shopify.Scopes,
			RedirectURI: cfg.Shopify.RedirectURI,
		}
	} else {
		logger.Warn("shopify credentials not set, install routes disabled")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
