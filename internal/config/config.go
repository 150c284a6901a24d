package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port string

	// Databases
	BackendDBPath string
	AgentDBPath   string

	// Agent
	ServerURL      string
	SyncInterval   time.Duration
	SyncBatchSize  int
	SyncMaxRetries int
	RequestTimeout time.Duration

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Escalation
	SupervisorSLA time.Duration
	FinanceSLA    time.Duration

	// Google Sheets import. Service-account credentials are read by the
	// importer itself from GOOGLE_SERVICE_ACCOUNT_JSON / _FILE /
	// GOOGLE_APPLICATION_CREDENTIALS.
	GoogleSpreadsheetID string
	GoogleSheetName     string
}

func Load() *Config {
	cfg := &Config{
		Port:          getEnv("PORT", "8081"),
		BackendDBPath: getEnv("BACKEND_DB_PATH", "./data/rimborso.db"),
		AgentDBPath:   getEnv("AGENT_DB_PATH", "./data/oplog.db"),

		ServerURL:      getEnv("SERVER_URL", "http://localhost:8081"),
		SyncInterval:   getEnvDuration("SYNC_INTERVAL", 10*time.Second),
		SyncBatchSize:  getEnvInt("SYNC_BATCH_SIZE", 25),
		SyncMaxRetries: getEnvInt("SYNC_MAX_RETRIES", 5),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "rimborso"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "report_events"),

		SupervisorSLA: getEnvDuration("SUPERVISOR_SLA", 48*time.Hour),
		FinanceSLA:    getEnvDuration("FINANCE_SLA", 72*time.Hour),

		GoogleSpreadsheetID: getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:     getEnv("GOOGLE_SHEET_NAME", ""),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	for _, dbPath := range []string{c.BackendDBPath, c.AgentDBPath} {
		if dbPath == "" {
			errors = append(errors, "database path cannot be empty")
			continue
		}
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.ServerURL != "" {
		if parsedURL, err := url.Parse(c.ServerURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid server URL '%s': %v", c.ServerURL, err))
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			errors = append(errors, fmt.Sprintf("invalid server URL scheme '%s': must be 'http' or 'https'", parsedURL.Scheme))
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
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.SyncBatchSize < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at least 1", c.SyncBatchSize))
	} else if c.SyncBatchSize > 1000 {
		errors = append(errors, fmt.Sprintf("invalid sync batch size %d: must be at most 1000", c.SyncBatchSize))
	}

	if c.SyncMaxRetries < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync max retries %d: must be at least 1", c.SyncMaxRetries))
	}

	if c.SyncInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at least 1 second", c.SyncInterval))
	} else if c.SyncInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid sync interval %v: must be at most 24 hours", c.SyncInterval))
	}

	if c.SupervisorSLA < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid supervisor SLA %v: must be at least 1 minute", c.SupervisorSLA))
	}
	if c.FinanceSLA < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid finance SLA %v: must be at least 1 minute", c.FinanceSLA))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// HasSheetsImport reports whether enough of the Google configuration is set
// to attempt an import.
func (c *Config) HasSheetsImport() bool {
	return c.GoogleSpreadsheetID != "" && c.GoogleSheetName != ""
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
