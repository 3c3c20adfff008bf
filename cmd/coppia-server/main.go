package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"coppia/internal/amqp"
	"coppia/internal/cache"
	"coppia/internal/cli"
	"coppia/internal/config"
	apphttp "coppia/internal/http"
	"coppia/internal/ledger"
	applog "coppia/internal/log"
	"coppia/internal/services"
)

func main() {
	cfg, logger, err := cli.Bootstrap(applog.ComponentApp, (*config.Config).ValidateServer)
	if err != nil {
		os.Exit(1)
	}

	store, err := ledger.NewSQLiteStore(cfg.LedgerDBPath)
	if err != nil {
		logger.Error("Failed to open ledger database",
			applog.FieldErrorType, applog.ErrorTypeDatabase,
			applog.FieldError, err,
			"path", cfg.LedgerDBPath)
		os.Exit(1)
	}
	defer store.Close()

	// Record changes go to the spreadsheet mirror only when a broker is configured.
	var publisher services.ChangePublisher
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to connect to AMQP broker, continuing without mirroring", applog.FieldError, err)
		} else {
			defer client.Close()
			publisher = client
			logger.Info("AMQP publishing enabled", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	} else {
		logger.Info("AMQP disabled - record changes will not be mirrored")
	}

	svc := services.NewLedgerService(store, ledger.NewHub(), publisher)

	caches := cache.NewManager()
	caches.Register(svc)
	caches.StartCleanup(5 * time.Minute)
	defer caches.Stop()

	srv := apphttp.NewServer(":"+cfg.Port, svc, logger.WithComponent(applog.ComponentHTTP),
		apphttp.WithRateLimit(cfg.RateLimit, cfg.RateLimitWindow))

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting coppia server", "port", cfg.Port, "ledger_db", cfg.LedgerDBPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := cli.ShutdownContext()
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}
