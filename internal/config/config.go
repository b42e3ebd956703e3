// Package config loads the per-user ~/.chatsync/config.toml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the client daemon settings. Zero values fall back to the
// defaults applied by Load.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// Server endpoints.
	WebsocketURL string `toml:"websocket_url"`
	APIBaseURL   string `toml:"api_base_url"`

	// Reconnect policy.
	ReconnectBaseSeconds int `toml:"reconnect_base_seconds"`
	ReconnectCapSeconds  int `toml:"reconnect_cap_seconds"`
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts"`

	// Outbox delivery policy.
	OutboxIntervalSeconds int `toml:"outbox_interval_seconds"`
	OutboxMaxRetries      int `toml:"outbox_max_retries"`
	BreakerThreshold      int `toml:"breaker_threshold"`
	BreakerCooldownSecs   int `toml:"breaker_cooldown_seconds"`

	// Reconciliation fallback polling. The stuck threshold is a policy knob,
	// not a protocol guarantee.
	PollStuckThresholdSecs int `toml:"poll_stuck_threshold_seconds"`
	PollIntervalSeconds    int `toml:"poll_interval_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile:         "main",
		WebsocketURL:           "ws://localhost:8080/ws",
		APIBaseURL:             "http://localhost:8080",
		ReconnectBaseSeconds:   1,
		ReconnectCapSeconds:    32,
		ReconnectMaxAttempts:   8,
		OutboxIntervalSeconds:  5,
		OutboxMaxRetries:       5,
		BreakerThreshold:       10,
		BreakerCooldownSecs:    60,
		PollStuckThresholdSecs: 30,
		PollIntervalSeconds:    15,
	}
}

// Load reads config from the given path, filling unset fields with defaults.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = def.DefaultProfile
	}
	if cfg.WebsocketURL == "" {
		cfg.WebsocketURL = def.WebsocketURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = def.APIBaseURL
	}
	if cfg.ReconnectBaseSeconds <= 0 {
		cfg.ReconnectBaseSeconds = def.ReconnectBaseSeconds
	}
	if cfg.ReconnectCapSeconds <= 0 {
		cfg.ReconnectCapSeconds = def.ReconnectCapSeconds
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = def.ReconnectMaxAttempts
	}
	if cfg.OutboxIntervalSeconds <= 0 {
		cfg.OutboxIntervalSeconds = def.OutboxIntervalSeconds
	}
	if cfg.OutboxMaxRetries <= 0 {
		cfg.OutboxMaxRetries = def.OutboxMaxRetries
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldownSecs <= 0 {
		cfg.BreakerCooldownSecs = def.BreakerCooldownSecs
	}
	if cfg.PollStuckThresholdSecs <= 0 {
		cfg.PollStuckThresholdSecs = def.PollStuckThresholdSecs
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = def.PollIntervalSeconds
	}
}

// Duration helpers so callers do not repeat the seconds conversion.

func (c *Config) ReconnectBase() time.Duration { return secs(c.ReconnectBaseSeconds) }
func (c *Config) ReconnectCap() time.Duration  { return secs(c.ReconnectCapSeconds) }
func (c *Config) OutboxInterval() time.Duration {
	return secs(c.OutboxIntervalSeconds)
}
func (c *Config) BreakerCooldown() time.Duration {
	return secs(c.BreakerCooldownSecs)
}
func (c *Config) PollStuckThreshold() time.Duration {
	return secs(c.PollStuckThresholdSecs)
}
func (c *Config) PollInterval() time.Duration { return secs(c.PollIntervalSeconds) }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
