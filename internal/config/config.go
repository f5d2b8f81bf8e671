// Package config loads and validates the agent's runtime configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all process-wide configuration for the agent.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Store
	DatabasePath string `env:"AGENT_DB_PATH" envDefault:"./data/agent.db"`

	// Marketplace endpoints
	MarketplaceBaseURL string `env:"MARKETPLACE_BASE_URL" envDefault:"https://h5api.m.example.com"`
	MarketplaceWSURL   string `env:"MARKETPLACE_WS_URL" envDefault:"wss://wss.example.com/"`
	UserAgent          string `env:"USER_AGENT" envDefault:"resale-agent/1.0"`

	// Session engine (C4)
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	TokenRefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"1h"`
	TokenRetryInterval   time.Duration `env:"TOKEN_RETRY_INTERVAL" envDefault:"5m"`
	ReconnectBackoff     time.Duration `env:"RECONNECT_BACKOFF" envDefault:"5s"`

	// Signed API client (C3)
	APICallTimeout time.Duration `env:"API_CALL_TIMEOUT" envDefault:"10s"`
	APIMaxRetries  int           `env:"API_MAX_RETRIES" envDefault:"3"`
	APIRetryWait   time.Duration `env:"API_RETRY_WAIT" envDefault:"500ms"`

	// Reply selector (C6)
	ExternalReplyTimeout time.Duration `env:"EXTERNAL_REPLY_TIMEOUT" envDefault:"10s"`

	// Delivery pipeline (C7)
	DeliveryCooldown       time.Duration `env:"DELIVERY_COOLDOWN" envDefault:"10m"`
	ShipConfirmCooldown    time.Duration `env:"SHIP_CONFIRM_COOLDOWN" envDefault:"10m"`
	TokenNotifyCooldown    time.Duration `env:"TOKEN_NOTIFY_COOLDOWN" envDefault:"5m"`
	SendRatePerSecond      float64       `env:"SEND_RATE_PER_SECOND" envDefault:"5"`
	SendRateBurst          int           `env:"SEND_RATE_BURST" envDefault:"10"`

	// Item list sync (supplemented feature, §6 of SPEC_FULL)
	AutoFetchEnabled       bool          `env:"AUTO_FETCH_ENABLED" envDefault:"false"`
	AutoFetchAPIURL        string        `env:"AUTO_FETCH_API_URL" envDefault:""`
	AutoFetchTimeout       time.Duration `env:"AUTO_FETCH_TIMEOUT" envDefault:"10s"`
	AutoFetchMaxConcurrent int           `env:"AUTO_FETCH_MAX_CONCURRENT" envDefault:"4"`
	AutoFetchRetryDelay    time.Duration `env:"AUTO_FETCH_RETRY_DELAY" envDefault:"30s"`
	AutoFetchInterval      time.Duration `env:"AUTO_FETCH_INTERVAL" envDefault:"1h"`

	// Notifier channel transports
	NatsURL string `env:"NATS_URL" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Metrics
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the process
// environment. Priority: env vars > .env file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally inconsistent or out-of-range values.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT (%s) must be >= HEARTBEAT_INTERVAL (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.TokenRefreshInterval <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_INTERVAL must be > 0, got %s", c.TokenRefreshInterval)
	}
	if c.APIMaxRetries < 0 {
		return fmt.Errorf("API_MAX_RETRIES must be >= 0, got %d", c.APIMaxRetries)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}

	if c.AutoFetchEnabled && c.AutoFetchAPIURL == "" {
		return fmt.Errorf("AUTO_FETCH_API_URL is required when AUTO_FETCH_ENABLED=true")
	}

	return nil
}

// LogFields logs the resolved configuration using structured logging.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("database_path", c.DatabasePath).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Dur("token_refresh_interval", c.TokenRefreshInterval).
		Dur("token_retry_interval", c.TokenRetryInterval).
		Bool("auto_fetch_enabled", c.AutoFetchEnabled).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
