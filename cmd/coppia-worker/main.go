package main

import (
	"context"
	"errors"
	"os"

	"coppia/internal/amqp"
	"coppia/internal/cli"
	"coppia/internal/config"
	applog "coppia/internal/log"
	"coppia/internal/sheets"
	gsheet "coppia/internal/sheets/google"
	mem "coppia/internal/sheets/memory"
	"coppia/internal/storage"
	"coppia/internal/worker"
)

func main() {
	cfg, logger, err := cli.Bootstrap(applog.ComponentWorker, (*config.Config).ValidateWorker)
	if err != nil {
		os.Exit(1)
	}

	ctx, stop := cli.SignalContext(context.Background())
	defer stop()

	var mirror sheets.Mirror
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gsheet.NewFromEnv(ctx, cfg.GoogleSpreadsheetID, cfg.GoogleSheetName)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", applog.FieldError, err)
			os.Exit(1)
		}
		mirror = client
		logger.Info("Google Sheets mirror enabled",
			"spreadsheet_id", cfg.GoogleSpreadsheetID,
			"sheet", cfg.GoogleSheetName)
	} else {
		mirror = mem.New()
		logger.Info("No GOOGLE_SPREADSHEET_ID provided - mirroring to memory")
	}

	rows, err := storage.NewMirrorRepository(cfg.MirrorDBPath)
	if err != nil {
		logger.Error("Failed to open mirror database",
			applog.FieldErrorType, applog.ErrorTypeDatabase,
			applog.FieldError, err,
			"path", cfg.MirrorDBPath)
		os.Exit(1)
	}
	defer rows.Close()

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
		os.Exit(1)
	}
	defer client.Close()

	w := worker.NewMirrorWorker(mirror, rows)

	logger.Info("Starting coppia-worker", "queue", cfg.AMQPQueue, "mirror_db", cfg.MirrorDBPath)
	err = client.ConsumeRecordChanges(ctx, w.HandleRecordChange)

	appended, cleared, skipped := w.Stats()
	logger.Info("Worker stopped", "appended", appended, "cleared", cleared, "skipped", skipped)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Message consumption failed", applog.FieldError, err)
		os.Exit(1)
	}
}
