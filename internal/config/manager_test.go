package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{
		"telegram": {"token": "123:abc", "poll_timeout": "10s"},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"watcher": {"enabled": true, "interval": "1m"},
		"storage": {"driver": "file", "path": "./state.json"}
	}`)

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Token = %q", cfg.Telegram.Token)
	}
	if !cfg.Watcher.Enabled || cfg.Watcher.Interval != "1m" {
		t.Fatalf("Watcher = %+v", cfg.Watcher)
	}
	if cfg.Storage.Driver != "file" {
		t.Fatalf("Driver = %q", cfg.Storage.Driver)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
logging:
  level: info
  console: true
  file:
    enabled: true
    path: ./bot.log
watcher:
  enabled: true
  interval: 5m
  fetch_timeout: 10s
storage:
  driver: redis
  redis:
    addr: localhost:6379
    db: 2
notifier:
  rate_per_sec: 5
`)

	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Storage.Driver != "redis" || cfg.Storage.Redis.Addr != "localhost:6379" || cfg.Storage.Redis.DB != 2 {
		t.Fatalf("Storage = %+v", cfg.Storage)
	}
	if cfg.Logging.File.Path != "./bot.log" {
		t.Fatalf("log file path = %q", cfg.Logging.File.Path)
	}
	if cfg.Notifier.RatePerSec != 5 {
		t.Fatalf("RatePerSec = %d", cfg.Notifier.RatePerSec)
	}
}

func TestParseUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{"telegram": {"token": "t", "typo_field": 1}}`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadCommitGet(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{"telegram": {"token": "t"}}`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the loaded config")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("watcher.interval", "90s")
	if err != nil {
		t.Fatalf("ParseDurationField error: %v", err)
	}
	if d != 90*time.Second {
		t.Fatalf("d = %v, want 90s", d)
	}
	if _, err := ParseDurationField("watcher.interval", "soon"); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("watcher.interval", "", 5*time.Minute)
	if err != nil {
		t.Fatalf("ParseDurationOrDefault error: %v", err)
	}
	if d != 5*time.Minute {
		t.Fatalf("d = %v, want default 5m", d)
	}
}
