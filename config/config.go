package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Engine         Engine   `toml:"engine"`
	Remote         Remote   `toml:"remote"`
	Identity       Identity `toml:"identity"`
}

// Engine holds queue drain and retry tuning.
type Engine struct {
	DrainIntervalMS  int `toml:"drain_interval_ms"`
	MaxAttempts      int `toml:"max_attempts"`
	BackoffCapS      int `toml:"backoff_cap_s"`
	AttemptTimeoutMS int `toml:"attempt_timeout_ms"`
}

// Remote holds the remote message store endpoint.
type Remote struct {
	URL string `toml:"url"`
}

// Identity is the sender identity stamped on outgoing messages.
type Identity struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Engine: Engine{
			DrainIntervalMS:  10_000,
			MaxAttempts:      5,
			BackoffCapS:      16,
			AttemptTimeoutMS: 5_000,
		},
	}
}

// Load reads config from the given path, layered over defaults. Returns an
// error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
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

// DrainInterval returns the periodic drain cadence.
func (e Engine) DrainInterval() time.Duration {
	return time.Duration(e.DrainIntervalMS) * time.Millisecond
}

// BackoffCap returns the ceiling for the retry backoff delay.
func (e Engine) BackoffCap() time.Duration {
	return time.Duration(e.BackoffCapS) * time.Second
}

// AttemptTimeout returns the deadline applied to each delivery attempt.
func (e Engine) AttemptTimeout() time.Duration {
	return time.Duration(e.AttemptTimeoutMS) * time.Millisecond
}
