package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds daemon settings, read from the profile's config.toml with
// environment variable overrides applied on top.
type Config struct {
	DefaultProfile string `toml:"default_profile" env:"ZAPDESK_PROFILE"`

	APIBaseURL string `toml:"api_base_url" env:"ZAPDESK_API_URL"`
	SocketURL  string `toml:"socket_url" env:"ZAPDESK_SOCKET_URL"`
	Token      string `toml:"token" env:"ZAPDESK_TOKEN"`
	ListenAddr string `toml:"listen_addr" env:"ZAPDESK_LISTEN_ADDR"`

	PageSize             int `toml:"page_size" env:"ZAPDESK_PAGE_SIZE"`
	StalenessWindowSec   int `toml:"staleness_window_sec" env:"ZAPDESK_STALENESS_WINDOW_SEC"`
	SearchDebounceMs     int `toml:"search_debounce_ms" env:"ZAPDESK_SEARCH_DEBOUNCE_MS"`
	ReconnectBaseMs      int `toml:"reconnect_base_ms" env:"ZAPDESK_RECONNECT_BASE_MS"`
	ReconnectMaxMs       int `toml:"reconnect_max_ms" env:"ZAPDESK_RECONNECT_MAX_MS"`
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts" env:"ZAPDESK_RECONNECT_MAX_ATTEMPTS"`
}

// Default returns the built-in defaults. Reconnect and staleness values
// mirror the platform's documented client policy.
func Default() *Config {
	return &Config{
		ListenAddr:           "127.0.0.1:7430",
		PageSize:             50,
		StalenessWindowSec:   30,
		SearchDebounceMs:     300,
		ReconnectBaseMs:      1000,
		ReconnectMaxMs:       5000,
		ReconnectMaxAttempts: 10,
	}
}

// Load reads config from the given path and applies environment overrides.
// A missing file is not an error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
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

// StalenessWindow is the maximum disconnection gap under which replayed
// transport events are trusted without a forced REST resync.
func (c *Config) StalenessWindow() time.Duration {
	return time.Duration(c.StalenessWindowSec) * time.Second
}

// SearchDebounce is the coalescing window for successive search queries.
func (c *Config) SearchDebounce() time.Duration {
	return time.Duration(c.SearchDebounceMs) * time.Millisecond
}

// ReconnectBase is the initial reconnect delay.
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMs) * time.Millisecond
}

// ReconnectMax is the reconnect delay cap.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}
