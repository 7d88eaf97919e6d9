package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration
	DatabaseURL string

	// Receive node: the LND node that issues and settles our invoices.
	ReceiveLNDRestURL  string
	ReceiveLNDMacaroon string
	ReceiveNodeID      string

	// Send node: the LND node outbound payments go through.
	SendLNDRestURL  string
	SendLNDMacaroon string
	SendNodeID      string

	// NATS configuration. Empty disables the JetStream event mirror.
	NATSURL string

	// Event broadcasting
	EventBufferSize int
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// Receive node configuration
	cfg.ReceiveLNDRestURL = os.Getenv("RECEIVE_LND_REST_URL")
	if cfg.ReceiveLNDRestURL == "" {
		errs = append(errs, fmt.Errorf("RECEIVE_LND_REST_URL is required"))
	}

	cfg.ReceiveLNDMacaroon = os.Getenv("RECEIVE_LND_MACAROON")
	if cfg.ReceiveLNDMacaroon == "" {
		errs = append(errs, fmt.Errorf("RECEIVE_LND_MACAROON is required"))
	}

	cfg.ReceiveNodeID = getEnvOrDefault("RECEIVE_NODE_ID", "receive")

	// Send node configuration
	cfg.SendLNDRestURL = os.Getenv("SEND_LND_REST_URL")
	if cfg.SendLNDRestURL == "" {
		errs = append(errs, fmt.Errorf("SEND_LND_REST_URL is required"))
	}

	cfg.SendLNDMacaroon = os.Getenv("SEND_LND_MACAROON")
	if cfg.SendLNDMacaroon == "" {
		errs = append(errs, fmt.Errorf("SEND_LND_MACAROON is required"))
	}

	cfg.SendNodeID = getEnvOrDefault("SEND_NODE_ID", "send")

	// The two nodes must be distinct or every paid invoice would settle
	// against ourselves.
	if cfg.ReceiveLNDRestURL != "" && cfg.ReceiveLNDRestURL == cfg.SendLNDRestURL {
		errs = append(errs, fmt.Errorf("RECEIVE_LND_REST_URL and SEND_LND_REST_URL must be different"))
	}

	// NATS configuration: optional, empty means no mirror.
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Event broadcasting
	bufSize, err := parseInt("EVENT_BUFFER_SIZE", 64)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.EventBufferSize = bufSize
	}
	if cfg.EventBufferSize < 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER_SIZE cannot be negative"))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.ReceiveLNDRestURL == "" {
		errs = append(errs, fmt.Errorf("ReceiveLNDRestURL is required"))
	}

	if c.ReceiveLNDMacaroon == "" {
		errs = append(errs, fmt.Errorf("ReceiveLNDMacaroon is required"))
	}

	if c.SendLNDRestURL == "" {
		errs = append(errs, fmt.Errorf("SendLNDRestURL is required"))
	}

	if c.SendLNDMacaroon == "" {
		errs = append(errs, fmt.Errorf("SendLNDMacaroon is required"))
	}

	if c.ReceiveLNDRestURL != "" && c.ReceiveLNDRestURL == c.SendLNDRestURL {
		errs = append(errs, fmt.Errorf("ReceiveLNDRestURL and SendLNDRestURL must be different"))
	}

	if c.EventBufferSize < 0 {
		errs = append(errs, fmt.Errorf("EventBufferSize cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
