package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Host != "localhost" || cfg.Database.Port != 5432 {
		t.Errorf("database default = %s:%d, want localhost:5432", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Scheduler.RefreshIntervalSec != 60 {
		t.Errorf("refresh interval default = %d, want 60", cfg.Scheduler.RefreshIntervalSec)
	}
	if cfg.Retention.SweepIntervalSec != 3600 {
		t.Errorf("sweep interval default = %d, want 3600", cfg.Retention.SweepIntervalSec)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level default = %q, want info", cfg.Log.Level)
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  host: db.internal
  port: 5433
  name: archive
  user: archiver
  password: s3cret
vault:
  key: dGVzdA==
scheduler:
  refresh_interval_sec: 15
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Host != "db.internal" || cfg.Database.Port != 5433 {
		t.Errorf("database = %s:%d", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Vault.Key != "dGVzdA==" {
		t.Errorf("vault key = %q", cfg.Vault.Key)
	}
	if cfg.Scheduler.RefreshIntervalSec != 15 {
		t.Errorf("refresh interval = %d, want 15", cfg.Scheduler.RefreshIntervalSec)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MAILVAULT_DATABASE_DSN", "postgres://env-wins")
	t.Setenv("MAILVAULT_LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.DSN != "postgres://env-wins" {
		t.Errorf("DSN = %q, want env value", cfg.Database.DSN)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(":\n  - not: [valid"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted invalid YAML")
	}
}

func TestConnString(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5432, Name: "mailvault",
		User: "mv", Password: "p@ss word", SSLMode: "disable",
	}
	got := d.ConnString()
	if !strings.HasPrefix(got, "postgres://") {
		t.Errorf("ConnString() = %q, want postgres:// URL", got)
	}
	if !strings.Contains(got, "sslmode=disable") {
		t.Errorf("ConnString() = %q, missing sslmode", got)
	}
	if strings.Contains(got, "p@ss word") {
		t.Errorf("ConnString() = %q, password not escaped", got)
	}

	d.DSN = "postgres://explicit"
	if d.ConnString() != "postgres://explicit" {
		t.Errorf("ConnString() = %q, DSN should win", d.ConnString())
	}
}
