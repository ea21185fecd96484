package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.ServerName = "example.org"
	return cfg
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.Limits.MaxEventBytes != 65536 {
		t.Errorf("MaxEventBytes = %d, want 65536", cfg.Limits.MaxEventBytes)
	}
	if cfg.Limits.IngressQueuePerRoom != 64 {
		t.Errorf("IngressQueuePerRoom = %d, want 64", cfg.Limits.IngressQueuePerRoom)
	}
	if cfg.DefaultRoomVersion != "10" {
		t.Errorf("DefaultRoomVersion = %q, want 10", cfg.DefaultRoomVersion)
	}
	if cfg.Keys.RefreshInterval != time.Hour {
		t.Errorf("RefreshInterval = %v, want 1h", cfg.Keys.RefreshInterval)
	}
	if !cfg.Federation.Enabled {
		t.Error("federation disabled by default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing server name", mutate: func(c *Config) { c.ServerName = "" }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "missing signing key path", mutate: func(c *Config) { c.Keys.SigningKeyPath = "" }, wantErr: true},
		{name: "zero event size limit", mutate: func(c *Config) { c.Limits.MaxEventBytes = 0 }, wantErr: true},
		{name: "negative backfill limit", mutate: func(c *Config) { c.Limits.MaxDepthBackfill = -1 }, wantErr: true},
		{name: "zero refresh interval", mutate: func(c *Config) { c.Keys.RefreshInterval = 0 }, wantErr: true},
		{name: "unknown room version", mutate: func(c *Config) { c.DefaultRoomVersion = "99" }, wantErr: true},
		{name: "port out of range", mutate: func(c *Config) { c.Listeners[0].Port = 70000 }, wantErr: true},
		{name: "zero port", mutate: func(c *Config) { c.Listeners[0].Port = 0 }, wantErr: true},
		{name: "no listeners", mutate: func(c *Config) { c.Listeners = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, not marked ErrInvalid", err)
			}
		})
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grapevine.yaml")
	data := `
server_name: example.org
database:
  path: /tmp/grapevine-test
limits:
  max_event_bytes: 1024
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerName != "example.org" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
	if cfg.Database.Path != "/tmp/grapevine-test" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Limits.MaxEventBytes != 1024 {
		t.Errorf("MaxEventBytes = %d, want file value 1024", cfg.Limits.MaxEventBytes)
	}
	// Untouched sections keep their defaults.
	if cfg.Limits.MaxDepthBackfill != 100 {
		t.Errorf("MaxDepthBackfill = %d, want default 100", cfg.Limits.MaxDepthBackfill)
	}
	if cfg.Keys.SigningKeyPath != "/etc/grapevine/signing.key" {
		t.Errorf("SigningKeyPath = %q, want default", cfg.Keys.SigningKeyPath)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "absent.yaml")); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load(missing) error = %v, want ErrInvalid", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("server_name: [not a string"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load(malformed) error = %v, want ErrInvalid", err)
	}

	incomplete := filepath.Join(dir, "incomplete.yaml")
	if err := os.WriteFile(incomplete, []byte("database:\n  path: /tmp/db\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(incomplete); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load(no server_name) error = %v, want ErrInvalid", err)
	}
}
