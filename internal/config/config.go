// Package config loads bridge configuration. Values come from defaults,
// then an optional bridge.json file, then NEXUS_BRIDGE_* environment
// variables, which win. The core process uses the same NEXUS_ prefix.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/nexus-assistant/wabridge/internal/paths"
)

// Defaults mirror the stock bridge deployment.
const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8765
	DefaultPairingTimeoutMs = 30000
	DefaultReconnectDelayMs = 5000
	DefaultMediaMaxBytes    = 50 * 1024 * 1024
	DefaultRetentionHours   = 168
	DefaultSweepIntervalMin = 60
	DefaultExitDelayMs      = 3000
)

// Config represents the merged bridge configuration
type Config struct {
	LogLevel         string       `json:"logLevel"`
	PairingTimeoutMs int          `json:"pairingTimeoutMs"`
	ReconnectDelayMs int          `json:"reconnectDelayMs"`
	QRMode           string       `json:"qrMode"` // "terminal" or "image"
	ExitAfterConnect bool         `json:"exitAfterConnect"`
	ExitDelayMs      int          `json:"exitDelayMs"`
	Server           ServerConfig `json:"server"`
	Media            MediaConfig  `json:"media"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	SharedSecret string `json:"sharedSecret"`
}

type MediaConfig struct {
	Dir              string `json:"dir"`
	MaxBytes         int64  `json:"maxBytes"`
	RetentionHours   int    `json:"retentionHours"`
	SweepIntervalMin int    `json:"sweepIntervalMin"`
}

// Addr returns the listen address for the WebSocket boundary.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Defaults returns the stock configuration with no file or environment
// overrides applied.
func Defaults() *Config {
	return defaults()
}

func defaults() *Config {
	return &Config{
		LogLevel:         "info",
		PairingTimeoutMs: DefaultPairingTimeoutMs,
		ReconnectDelayMs: DefaultReconnectDelayMs,
		QRMode:           "terminal",
		ExitDelayMs:      DefaultExitDelayMs,
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Media: MediaConfig{
			MaxBytes:         DefaultMediaMaxBytes,
			RetentionHours:   DefaultRetentionHours,
			SweepIntervalMin: DefaultSweepIntervalMin,
		},
	}
}

// Load reads configuration from bridge.json (if present) and applies
// environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.Media.Dir == "" {
		dir, err := paths.DataPath("media")
		if err != nil {
			return nil, err
		}
		cfg.Media.Dir = dir
	}

	return cfg, nil
}

// applyEnv overrides fields from NEXUS_BRIDGE_* environment variables.
func (c *Config) applyEnv() {
	envStr("NEXUS_BRIDGE_LOG_LEVEL", &c.LogLevel)
	envInt("NEXUS_BRIDGE_PAIRING_TIMEOUT_MS", &c.PairingTimeoutMs)
	envInt("NEXUS_BRIDGE_RECONNECT_DELAY_MS", &c.ReconnectDelayMs)
	envStr("NEXUS_BRIDGE_QR_MODE", &c.QRMode)
	envBool("NEXUS_BRIDGE_EXIT_AFTER_CONNECT", &c.ExitAfterConnect)
	envInt("NEXUS_BRIDGE_EXIT_DELAY_MS", &c.ExitDelayMs)

	envStr("NEXUS_BRIDGE_HOST", &c.Server.Host)
	envInt("NEXUS_BRIDGE_PORT", &c.Server.Port)
	envStr("NEXUS_BRIDGE_SHARED_SECRET", &c.Server.SharedSecret)

	envStr("NEXUS_BRIDGE_MEDIA_DIR", &c.Media.Dir)
	envInt64("NEXUS_BRIDGE_MEDIA_MAX_BYTES", &c.Media.MaxBytes)
	envInt("NEXUS_BRIDGE_MEDIA_RETENTION_HOURS", &c.Media.RetentionHours)
	envInt("NEXUS_BRIDGE_MEDIA_SWEEP_INTERVAL_MIN", &c.Media.SweepIntervalMin)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
