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

	"feeledger/internal/services"
)

type Config struct {
	// HTTP Server
	Port               string
	RateLimitPerMinute int

	// Logging
	LogLevel  string
	LogFormat string

	// Backend selection and database
	DataBackend  string
	SQLiteDBPath string
	PostgresDSN  string

	// AMQP (optional; bulk requests run inline without it)
	AMQPURL           string
	AMQPExchange      string
	AMQPQueue         string
	AMQPProgressQueue string

	// Redis batch status (optional)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StatusTTL     time.Duration

	// Sessions
	JWTSecret string

	// Dues engine
	BulkConcurrency int
	CutoffStrategy  string
	BillingInterval time.Duration
	ClassCacheTTL   time.Duration

	// Exports
	ExportDir   string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
	S3Region    string
	S3Prefix    string

	// Google Sheets mirror (optional)
	GoogleSpreadsheetID      string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
}

func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8081"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		DataBackend:  getEnv("DATA_BACKEND", "memory"),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/feeledger.db"),
		PostgresDSN:  getEnv("POSTGRES_DSN", ""),

		AMQPURL:           getEnv("AMQP_URL", ""),
		AMQPExchange:      getEnv("AMQP_EXCHANGE", "feeledger"),
		AMQPQueue:         getEnv("AMQP_QUEUE", "bulk_dues"),
		AMQPProgressQueue: getEnv("AMQP_PROGRESS_QUEUE", "bulk_dues_progress"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		StatusTTL:     getEnvDuration("BATCH_STATUS_TTL", 24*time.Hour),

		JWTSecret: getEnv("JWT_SECRET", ""),

		BulkConcurrency: getEnvInt("BULK_CONCURRENCY", 8),
		CutoffStrategy:  getEnv("CUTOFF_STRATEGY", services.CutoffCurrentMonth),
		BillingInterval: getEnvDuration("BILLING_INTERVAL", 0),
		ClassCacheTTL:   getEnvDuration("CLASS_CACHE_TTL", 5*time.Minute),

		ExportDir:   getEnv("EXPORT_DIR", "./data/exports"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3UseSSL:    getEnvBool("S3_USE_SSL", true),
		S3Region:    getEnv("S3_REGION", ""),
		S3Prefix:    getEnv("S3_PREFIX", ""),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	validBackends := []string{"memory", "sqlite", "postgres"}
	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	switch c.DataBackend {
	case "sqlite":
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else if dir := filepath.Dir(c.SQLiteDBPath); dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errors = append(errors, "POSTGRES_DSN is required when using postgres backend")
		}
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
		if c.AMQPQueue == "" || c.AMQPProgressQueue == "" {
			errors = append(errors, "AMQP queue names cannot be empty when AMQP URL is provided")
		}
	}

	if c.RedisDB < 0 || c.RedisDB > 15 {
		errors = append(errors, fmt.Sprintf("invalid redis db %d: must be between 0 and 15", c.RedisDB))
	}

	if len(c.JWTSecret) < 16 {
		errors = append(errors, "JWT_SECRET must be at least 16 characters")
	}

	if c.BulkConcurrency < 1 || c.BulkConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid bulk concurrency %d: must be between 1 and 64", c.BulkConcurrency))
	}
	if !slices.Contains(services.CutoffStrategies(), c.CutoffStrategy) {
		errors = append(errors, fmt.Sprintf("invalid cutoff strategy '%s': must be one of %v", c.CutoffStrategy, services.CutoffStrategies()))
	}
	if c.BillingInterval != 0 && c.BillingInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid billing interval %v: must be 0 (disabled) or at least 1 minute", c.BillingInterval))
	}
	if c.ClassCacheTTL < 0 {
		errors = append(errors, "class cache TTL cannot be negative")
	}

	if c.S3Endpoint != "" {
		if c.S3Bucket == "" {
			errors = append(errors, "S3_BUCKET is required when S3_ENDPOINT is set")
		}
	} else if c.ExportDir == "" {
		errors = append(errors, "EXPORT_DIR cannot be empty when S3 is not configured")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// QueueEnabled reports whether bulk jobs go through AMQP.
func (c *Config) QueueEnabled() bool { return c.AMQPURL != "" }

// SheetsEnabled reports whether exports are mirrored to a spreadsheet.
func (c *Config) SheetsEnabled() bool { return c.GoogleSpreadsheetID != "" }

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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
