package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != "127.0.0.1:7430" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.StalenessWindow() != 30*time.Second {
		t.Errorf("StalenessWindow = %v", cfg.StalenessWindow())
	}
	if cfg.SearchDebounce() != 300*time.Millisecond {
		t.Errorf("SearchDebounce = %v", cfg.SearchDebounce())
	}
	if cfg.ReconnectBase() != time.Second || cfg.ReconnectMax() != 5*time.Second {
		t.Errorf("reconnect delays = %v / %v", cfg.ReconnectBase(), cfg.ReconnectMax())
	}
	if cfg.ReconnectMaxAttempts != 10 {
		t.Errorf("ReconnectMaxAttempts = %d", cfg.ReconnectMaxAttempts)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PageSize != 50 {
		t.Errorf("PageSize = %d, want default 50", cfg.PageSize)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg := Default()
	cfg.APIBaseURL = "https://api.example.com/v1"
	cfg.SocketURL = "wss://socket.example.com"
	cfg.Token = "secret"
	cfg.SearchDebounceMs = 150

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.APIBaseURL != cfg.APIBaseURL || loaded.SocketURL != cfg.SocketURL {
		t.Errorf("urls not preserved: %+v", loaded)
	}
	if loaded.Token != "secret" {
		t.Errorf("Token = %q", loaded.Token)
	}
	if loaded.SearchDebounce() != 150*time.Millisecond {
		t.Errorf("SearchDebounce = %v", loaded.SearchDebounce())
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Token = "from-file"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ZAPDESK_TOKEN", "from-env")
	t.Setenv("ZAPDESK_PAGE_SIZE", "25")

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Token != "from-env" {
		t.Errorf("Token = %q, want env override", loaded.Token)
	}
	if loaded.PageSize != 25 {
		t.Errorf("PageSize = %d, want 25", loaded.PageSize)
	}
}
