// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServiceURLs holds the base URLs of every downstream computation service.
// The set of service names is closed; see clients.ServiceName.
type ServiceURLs struct {
	Scanner     string
	Pattern     string
	Technical   string
	RiskManager string
	Trading     string
	News        string
	Reporting   string
}

// AlertingConfig holds the optional SMTP sink for emergency risk events.
type AlertingConfig struct {
	Enabled  bool
	Host     string
	Port     int
	From     string
	To       string
	Username string
	Password string
}

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for the store (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	Services ServiceURLs

	// Broker adapter credentials (forwarded to the trading service)
	BrokerAPIKey    string
	BrokerAPISecret string

	// Per-source news feed credentials, keyed by source name
	NewsSourceKeys map[string]string

	// Loop cadences. Zero means "use the built-in default".
	NewsIngestInterval   time.Duration
	NewsImpactInterval   time.Duration
	MarkToMarketInterval time.Duration

	Alerting AlertingConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("CATALYST_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("CATALYST_PORT", 8010),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Services: ServiceURLs{
			Scanner:     getEnv("SCANNER_SERVICE_URL", "http://localhost:9001"),
			Pattern:     getEnv("PATTERN_SERVICE_URL", "http://localhost:9002"),
			Technical:   getEnv("TECHNICAL_SERVICE_URL", "http://localhost:9003"),
			RiskManager: getEnv("RISK_MANAGER_SERVICE_URL", "http://localhost:9004"),
			Trading:     getEnv("TRADING_SERVICE_URL", "http://localhost:9005"),
			News:        getEnv("NEWS_SERVICE_URL", "http://localhost:9006"),
			Reporting:   getEnv("REPORTING_SERVICE_URL", "http://localhost:9007"),
		},
		BrokerAPIKey:         getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret:      getEnv("BROKER_API_SECRET", ""),
		NewsSourceKeys:       loadNewsSourceKeys(),
		NewsIngestInterval:   getEnvAsDuration("NEWS_INGEST_INTERVAL", 2*time.Minute),
		NewsImpactInterval:   getEnvAsDuration("NEWS_IMPACT_INTERVAL", 5*time.Minute),
		MarkToMarketInterval: getEnvAsDuration("MARK_TO_MARKET_INTERVAL", 60*time.Second),
		Alerting:             loadAlertingConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	// Broker credentials are optional for paper/research mode; the trading
	// service rejects order submission without them.
	return nil
}

// loadNewsSourceKeys reads NEWS_SOURCE_<NAME>_KEY variables for the known sources.
func loadNewsSourceKeys() map[string]string {
	keys := make(map[string]string)
	for _, source := range []string{"NEWSWIRE", "BENZINGA", "FINNHUB"} {
		if v := os.Getenv("NEWS_SOURCE_" + source + "_KEY"); v != "" {
			keys[source] = v
		}
	}
	return keys
}

// loadAlertingConfig reads the optional SMTP alerting sink configuration.
// The sink is enabled only when both host and recipient are set.
func loadAlertingConfig() AlertingConfig {
	cfg := AlertingConfig{
		Host:     getEnv("ALERT_SMTP_HOST", ""),
		Port:     getEnvAsInt("ALERT_SMTP_PORT", 587),
		From:     getEnv("ALERT_SMTP_FROM", "catalyst@localhost"),
		To:       getEnv("ALERT_SMTP_TO", ""),
		Username: getEnv("ALERT_SMTP_USERNAME", ""),
		Password: getEnv("ALERT_SMTP_PASSWORD", ""),
	}
	cfg.Enabled = cfg.Host != "" && cfg.To != ""
	return cfg
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
