package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "fleetd.yaml", `
logging:
  level: debug
  console: true
storage:
  path: ./fleet.db
fleet:
  monitor_interval: 10s
  error_threshold: 3
sched:
  workers_per_queue: 4
  retry_max: 3
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Fleet.ErrorThreshold != 3 {
		t.Fatalf("Fleet.ErrorThreshold = %d", cfg.Fleet.ErrorThreshold)
	}
	if cfg.Sched.WorkersPerQueue != 4 {
		t.Fatalf("Sched.WorkersPerQueue = %d", cfg.Sched.WorkersPerQueue)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "fleetd.yaml", `
logging:
  level: info
typo_section:
  x: 1
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MSGFLEET_LOG_LEVEL", "warn")
	t.Setenv("MSGFLEET_TELEGRAM_TOKEN", "secret-token")

	path := writeConfig(t, "fleetd.yaml", `
logging:
  level: info
`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("Logging.Level = %q, want env override", cfg.Logging.Level)
	}
	if cfg.Platforms.Telegram.Token != "secret-token" {
		t.Fatal("telegram token override not applied")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationField("fleet.monitor_interval", "nope"); err == nil {
		t.Fatal("expected error")
	}
	d, err := ParseDurationOrDefault("fleet.monitor_interval", "", 30e9)
	if err != nil || d != 30e9 {
		t.Fatalf("ParseDurationOrDefault = %v, %v", d, err)
	}
}
