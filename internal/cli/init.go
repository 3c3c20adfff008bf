// Package cli holds the start-up steps shared by the coppia binaries.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coppia/internal/config"
	applog "coppia/internal/log"
)

// ShutdownTimeout bounds graceful shutdown in every binary.
const ShutdownTimeout = 30 * time.Second

// LoadEnvFile loads .env for local development. A missing file is not an
// error.
func LoadEnvFile(filenames ...string) {
	_ = godotenv.Load(filenames...)
}

// Bootstrap loads the environment, installs the process logger and runs
// validate against the loaded configuration.
func Bootstrap(component string, validate func(*config.Config) error) (*config.Config, *applog.Logger, error) {
	LoadEnvFile()

	cfg := config.Load()
	logger := applog.Setup(cfg.LogLevel).WithComponent(component)

	if validate != nil {
		if err := validate(cfg); err != nil {
			logger.Error("Configuration validation failed",
				applog.FieldErrorType, applog.ErrorTypeConfiguration,
				applog.FieldError, err)
			return nil, logger, err
		}
	}
	return cfg, logger, nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ShutdownContext returns a fresh context bounded by ShutdownTimeout.
func ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), ShutdownTimeout)
}
