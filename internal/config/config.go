package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port            string
	RateLimit       int
	RateLimitWindow time.Duration

	// Databases
	LedgerDBPath string
	QueueDBPath  string
	MirrorDBPath string

	// Client identity and server location
	ServerURL   string
	HouseholdID string
	UserID      string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Google Sheets mirror
	GoogleSpreadsheetID string
	GoogleSheetName     string

	// Sync engine
	SyncMaxAttempts    int
	SyncBackoffInitial time.Duration
	SyncBackoffMax     time.Duration
	SyncInterval       time.Duration

	// Connectivity probing
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// Backend selection for the client: remote or memory
	DataBackend string

	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		Port:            getEnv("PORT", "8081"),
		RateLimit:       getEnvInt("RATE_LIMIT", 120),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		LedgerDBPath: getEnv("LEDGER_DB_PATH", "./data/ledger.db"),
		QueueDBPath:  getEnv("QUEUE_DB_PATH", defaultQueuePath()),
		MirrorDBPath: getEnv("MIRROR_DB_PATH", "./data/mirror.db"),

		ServerURL:   getEnv("SERVER_URL", "http://localhost:8081"),
		HouseholdID: getEnv("HOUSEHOLD_ID", ""),
		UserID:      getEnv("USER_ID", ""),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "coppia"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "ledger_changes"),

		GoogleSpreadsheetID: getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:     getEnv("GOOGLE_SHEET_NAME", "Expenses"),

		SyncMaxAttempts:    getEnvInt("SYNC_MAX_ATTEMPTS", 5),
		SyncBackoffInitial: getEnvDuration("SYNC_BACKOFF_INITIAL", 500*time.Millisecond),
		SyncBackoffMax:     getEnvDuration("SYNC_BACKOFF_MAX", 30*time.Second),
		SyncInterval:       getEnvDuration("SYNC_INTERVAL", 30*time.Second),

		ProbeInterval: getEnvDuration("PROBE_INTERVAL", 5*time.Second),
		ProbeTimeout:  getEnvDuration("PROBE_TIMEOUT", 3*time.Second),

		DataBackend: getEnv("DATA_BACKEND", "remote"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func defaultQueuePath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "coppia", "queue.db")
	}
	return "./data/queue.db"
}

// Validate validates the configuration shared by all binaries.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	validBackends := []string{"remote", "memory"}
	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.GoogleSpreadsheetID != "" && c.GoogleSheetName == "" {
		errors = append(errors, "Google Sheet name is required when a spreadsheet ID is set")
	}

	if c.SyncMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync max attempts %d: must be at least 1", c.SyncMaxAttempts))
	} else if c.SyncMaxAttempts > 100 {
		errors = append(errors, fmt.Sprintf("invalid sync max attempts %d: must be at most 100", c.SyncMaxAttempts))
	}

	if c.SyncBackoffInitial <= 0 {
		errors = append(errors, fmt.Sprintf("invalid sync backoff initial %v: must be positive", c.SyncBackoffInitial))
	}
	if c.SyncBackoffMax < c.SyncBackoffInitial {
		errors = append(errors, fmt.Sprintf("invalid sync backoff max %v: must be at least the initial backoff %v", c.SyncBackoffMax, c.SyncBackoffInitial))
	}

	if c.SyncInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at least 1 second", c.SyncInterval))
	} else if c.SyncInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at most 24 hours", c.SyncInterval))
	}

	if c.ProbeInterval < 100*time.Millisecond {
		errors = append(errors, fmt.Sprintf("invalid probe interval %v: must be at least 100ms", c.ProbeInterval))
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout > c.ProbeInterval {
		errors = append(errors, fmt.Sprintf("invalid probe timeout %v: must be positive and at most the probe interval", c.ProbeTimeout))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// ValidateServer checks what the ledger server needs on top of Validate.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.LedgerDBPath == "" {
		return fmt.Errorf("configuration validation failed:\n- ledger database path cannot be empty")
	}
	return ensureDir(c.LedgerDBPath)
}

// ValidateWorker checks what the mirror worker needs on top of Validate.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	var errors []string
	if c.AMQPURL == "" {
		errors = append(errors, "AMQP_URL is required")
	}
	if c.MirrorDBPath == "" {
		errors = append(errors, "mirror database path cannot be empty")
	}
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return ensureDir(c.MirrorDBPath)
}

// ValidateClient checks what the client daemon needs on top of Validate.
func (c *Config) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}

	var errors []string
	if c.UserID == "" {
		errors = append(errors, "USER_ID is required")
	}
	if c.QueueDBPath == "" {
		errors = append(errors, "queue database path cannot be empty")
	}
	if c.DataBackend == "remote" {
		if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errors = append(errors, fmt.Sprintf("invalid server URL '%s': must be an http or https URL", c.ServerURL))
		}
	}
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return ensureDir(c.QueueDBPath)
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create database directory '%s': %w", dir, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
