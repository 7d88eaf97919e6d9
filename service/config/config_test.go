package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"SERVER_ADDR",
	"LOG_LEVEL",
	"DATABASE_URL",
	"RECEIVE_LND_REST_URL",
	"RECEIVE_LND_MACAROON",
	"RECEIVE_NODE_ID",
	"SEND_LND_REST_URL",
	"SEND_LND_MACAROON",
	"SEND_NODE_ID",
	"NATS_URL",
	"EVENT_BUFFER_SIZE",
}

func cleanupEnv() {
	for _, key := range configEnvKeys {
		os.Unsetenv(key)
	}
}

func setRequiredEnv() {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	os.Setenv("RECEIVE_LND_REST_URL", "https://receive.lnd:8080")
	os.Setenv("RECEIVE_LND_MACAROON", "0201aa")
	os.Setenv("SEND_LND_REST_URL", "https://send.lnd:8080")
	os.Setenv("SEND_LND_MACAROON", "0201bb")
}

func TestLoad_ValidConfig(t *testing.T) {
	setRequiredEnv()
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, "https://receive.lnd:8080", cfg.ReceiveLNDRestURL)
	assert.Equal(t, "https://send.lnd:8080", cfg.SendLNDRestURL)
	assert.Equal(t, ":8080", cfg.ServerAddr) // Default
	assert.Equal(t, "info", cfg.LogLevel)    // Default
	assert.Equal(t, "receive", cfg.ReceiveNodeID)
	assert.Equal(t, "send", cfg.SendNodeID)
	assert.Equal(t, 64, cfg.EventBufferSize)
	assert.Empty(t, cfg.NATSURL, "NATS mirror is off by default")
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	setRequiredEnv()
	os.Unsetenv("DATABASE_URL")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestLoad_MissingNodeConfig(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://localhost/test")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "RECEIVE_LND_REST_URL is required")
	assert.Contains(t, err.Error(), "RECEIVE_LND_MACAROON is required")
	assert.Contains(t, err.Error(), "SEND_LND_REST_URL is required")
	assert.Contains(t, err.Error(), "SEND_LND_MACAROON is required")
}

func TestLoad_SameNodeForBothSides(t *testing.T) {
	setRequiredEnv()
	os.Setenv("SEND_LND_REST_URL", "https://receive.lnd:8080")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "must be different")
}

func TestLoad_InvalidBufferSize(t *testing.T) {
	setRequiredEnv()
	os.Setenv("EVENT_BUFFER_SIZE", "lots")
	defer cleanupEnv()

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "invalid integer")
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv()
	os.Setenv("SERVER_ADDR", ":9090")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("RECEIVE_NODE_ID", "alice")
	os.Setenv("SEND_NODE_ID", "bob")
	os.Setenv("NATS_URL", "nats://localhost:4222")
	os.Setenv("EVENT_BUFFER_SIZE", "256")
	defer cleanupEnv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "alice", cfg.ReceiveNodeID)
	assert.Equal(t, "bob", cfg.SendNodeID)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 256, cfg.EventBufferSize)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg: Config{
				DatabaseURL:        "postgres://localhost/test",
				ReceiveLNDRestURL:  "https://a:8080",
				ReceiveLNDMacaroon: "aa",
				SendLNDRestURL:     "https://b:8080",
				SendLNDMacaroon:    "bb",
			},
		},
		{
			name: "missing database",
			cfg: Config{
				ReceiveLNDRestURL:  "https://a:8080",
				ReceiveLNDMacaroon: "aa",
				SendLNDRestURL:     "https://b:8080",
				SendLNDMacaroon:    "bb",
			},
			wantErr: "DatabaseURL is required",
		},
		{
			name: "same node twice",
			cfg: Config{
				DatabaseURL:        "postgres://localhost/test",
				ReceiveLNDRestURL:  "https://a:8080",
				ReceiveLNDMacaroon: "aa",
				SendLNDRestURL:     "https://a:8080",
				SendLNDMacaroon:    "bb",
			},
			wantErr: "must be different",
		},
		{
			name: "negative buffer",
			cfg: Config{
				DatabaseURL:        "postgres://localhost/test",
				ReceiveLNDRestURL:  "https://a:8080",
				ReceiveLNDMacaroon: "aa",
				SendLNDRestURL:     "https://b:8080",
				SendLNDMacaroon:    "bb",
				EventBufferSize:    -1,
			},
			wantErr: "cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
