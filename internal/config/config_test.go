package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend != "sqlite" {
		t.Errorf("Expected sqlite default backend, got %s", cfg.Backend)
	}
	if cfg.Workers != 2 {
		t.Errorf("Expected 2 default workers, got %d", cfg.Workers)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
backend: redis
redis_addr: 10.0.0.5:6379
workers: 8
lease: 10m
protected_files:
  - cmd/minion/main.go
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("Fixture write failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend != "redis" || cfg.RedisAddr != "10.0.0.5:6379" {
		t.Errorf("Backend override not applied: %+v", cfg)
	}
	if cfg.Workers != 8 {
		t.Errorf("Expected 8 workers, got %d", cfg.Workers)
	}
	if cfg.Lease.Std() != 10*time.Minute {
		t.Errorf("Expected 10m lease, got %v", cfg.Lease.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.ListenAddr != "127.0.0.1:7520" {
		t.Errorf("Default listen addr lost: %s", cfg.ListenAddr)
	}
}

func TestLoadRejectsBadBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("backend: etcd\n"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for unknown backend")
	}
}
