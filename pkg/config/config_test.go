package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.PageSize != 50 {
		t.Errorf("expected default page size 50, got %d", cfg.PageSize)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("expected default max attempts 5, got %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Reconnect.DialTimeout.Duration != 15*time.Second {
		t.Errorf("expected default dial timeout 15s, got %v", cfg.Reconnect.DialTimeout.Duration)
	}
	if cfg.DataDir == "" {
		t.Error("expected data dir to be populated")
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
server_url = 'wss://example.org/ws'
token = 'secret'
self_id = 'u-1'
ack_timeout = '3s'

[reconnect]
max_attempts = 2
initial_delay = '250ms'
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ServerURL != "wss://example.org/ws" {
		t.Errorf("unexpected server url %q", cfg.ServerURL)
	}
	if cfg.AckTimeout.Duration != 3*time.Second {
		t.Errorf("expected ack timeout 3s, got %v", cfg.AckTimeout.Duration)
	}
	if cfg.Reconnect.InitialDelay.Duration != 250*time.Millisecond {
		t.Errorf("expected initial delay 250ms, got %v", cfg.Reconnect.InitialDelay.Duration)
	}
	if cfg.Reconnect.MaxAttempts != 2 {
		t.Errorf("expected max attempts 2, got %d", cfg.Reconnect.MaxAttempts)
	}
	// Unset tunables still fall back to defaults.
	if cfg.TypingTTL.Duration != 5*time.Second {
		t.Errorf("expected default typing ttl, got %v", cfg.TypingTTL.Duration)
	}
}

func TestSaveAndReloadRoundtrip(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := GetDefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	cfg.ServerURL = "wss://roundtrip.example/ws"
	cfg.Token = "tok"

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := cfg.SaveConfig(path); err != nil {
		t.Fatalf("save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if loaded.ServerURL != cfg.ServerURL || loaded.Token != cfg.Token {
		t.Errorf("roundtrip mismatch: %+v", loaded)
	}
}

func TestSaveTemplateConfig(t *testing.T) {
	cfg := &Config{}
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	if err := cfg.SaveTemplateConfig(path); err != nil {
		t.Fatalf("save template: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("template config is empty")
	}
}
