package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
kafka:
  enabled: true
  brokers:
    - broker1:9092
presence:
  enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: want 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 1 {
		t.Errorf("kafka settings not applied: %+v", cfg.Kafka)
	}
	if !cfg.Presence.Enabled {
		t.Error("presence enabled flag not applied")
	}

	// Unset values fall back to defaults
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("read_timeout default: got %s", cfg.Server.ReadTimeout)
	}
	if cfg.Kafka.Topics.Chat == "" {
		t.Error("chat topic default missing")
	}
	if cfg.Engine.LookupTimeout == 0 {
		t.Error("lookup timeout default missing")
	}
	if cfg.Postgres.Host != "localhost" {
		t.Errorf("postgres host default: got %q", cfg.Postgres.Host)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TRACKSIDE_TEST_DB_PASSWORD", "hunter2")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
postgres:
  password: ${TRACKSIDE_TEST_DB_PASSWORD}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Errorf("env expansion failed: got %q", cfg.Postgres.Password)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if !cfg.Presence.Enabled {
		t.Error("presence should be enabled by default")
	}
	if cfg.Postgres.ConnectionString() == "" {
		t.Error("connection string should not be empty")
	}
}
