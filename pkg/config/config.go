package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/grapevinehq/grapevine/pkg/types"
)

// ErrInvalid marks configuration that fails validation. The process
// exits with code 2 when it sees this.
var ErrInvalid = errors.New("config: invalid")

// Config is the on-disk server configuration.
type Config struct {
	ServerName         string        `yaml:"server_name"`
	Listeners          []Listener    `yaml:"listeners"`
	Federation         Federation    `yaml:"federation"`
	Database           Database      `yaml:"database"`
	Limits             Limits        `yaml:"limits"`
	Keys               Keys          `yaml:"keys"`
	Observability      Observability `yaml:"observability"`
	DefaultRoomVersion string        `yaml:"default_room_version"`
}

// Listener is a transport endpoint. The core never binds these itself;
// they are handed to whichever transport adapter embeds the core.
type Listener struct {
	Address string       `yaml:"address"`
	Port    int          `yaml:"port"`
	TLS     *ListenerTLS `yaml:"tls,omitempty"`
}

type ListenerTLS struct {
	Certs string `yaml:"certs"`
	Key   string `yaml:"key"`
}

type Federation struct {
	Enabled bool `yaml:"enabled"`
}

type Database struct {
	Path string `yaml:"path"`
}

// Limits bound resource use across the pipeline.
type Limits struct {
	MaxEventBytes       int `yaml:"max_event_bytes"`
	MaxDepthBackfill    int `yaml:"max_depth_backfill"`
	IngressQueuePerRoom int `yaml:"ingress_queue_per_room"`
	MaxStateResEvents   int `yaml:"max_state_res_events"`
}

type Keys struct {
	SigningKeyPath  string        `yaml:"signing_key_path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxCacheBytes   int64         `yaml:"max_cache_bytes"`
}

type Observability struct {
	Logs    Logs    `yaml:"logs"`
	Metrics Metrics `yaml:"metrics"`
}

type Logs struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the shipped configuration, valid except for the
// empty server_name.
func Default() Config {
	return Config{
		Listeners: []Listener{{Address: "0.0.0.0", Port: 6167}},
		Federation: Federation{
			Enabled: true,
		},
		Database: Database{
			Path: "/var/lib/grapevine",
		},
		Limits: Limits{
			MaxEventBytes:       65536,
			MaxDepthBackfill:    100,
			IngressQueuePerRoom: 64,
			MaxStateResEvents:   3000,
		},
		Keys: Keys{
			SigningKeyPath:  "/etc/grapevine/signing.key",
			RefreshInterval: time.Hour,
			MaxCacheBytes:   32 << 20,
		},
		Observability: Observability{
			Logs:    Logs{Level: "info"},
			Metrics: Metrics{Enabled: true, Address: "127.0.0.1:9090"},
		},
		DefaultRoomVersion: "10",
	}
}

// Load reads, parses and validates the configuration at path. Values
// absent from the file keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("%w: server_name is required", ErrInvalid)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalid)
	}
	if c.Keys.SigningKeyPath == "" {
		return fmt.Errorf("%w: keys.signing_key_path is required", ErrInvalid)
	}
	if c.Limits.MaxEventBytes <= 0 || c.Limits.MaxDepthBackfill <= 0 ||
		c.Limits.IngressQueuePerRoom <= 0 || c.Limits.MaxStateResEvents <= 0 {
		return fmt.Errorf("%w: limits must be positive", ErrInvalid)
	}
	if c.Keys.RefreshInterval <= 0 {
		return fmt.Errorf("%w: keys.refresh_interval must be positive", ErrInvalid)
	}
	if _, err := types.Version(types.RoomVersion(c.DefaultRoomVersion)); err != nil {
		return fmt.Errorf("%w: default_room_version: %v", ErrInvalid, err)
	}
	for i, l := range c.Listeners {
		if l.Port <= 0 || l.Port > 65535 {
			return fmt.Errorf("%w: listeners[%d]: port %d out of range", ErrInvalid, i, l.Port)
		}
	}
	return nil
}
