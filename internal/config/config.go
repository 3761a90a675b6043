// Package config loads relay settings from a TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// DefaultService is the mDNS service type announced by the relay.
const DefaultService = "_vibecanvas._tcp"

// Duration is a time.Duration written as a string ("2s") in TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Listen      string      `toml:"listen"`
	Store       Store       `toml:"store"`
	Relay       Relay       `toml:"relay"`
	Persistence Persistence `toml:"persistence"`
	Awareness   Awareness   `toml:"awareness"`
	Discovery   Discovery   `toml:"discovery"`
}

// Store selects and configures the document store backend.
type Store struct {
	Backend     string `toml:"backend"`
	DataDir     string `toml:"data_dir"`
	DatabaseURL string `toml:"database_url"`
	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`
}

// Relay configures cross-process fan-out. An empty RedisAddr keeps rooms
// local to this process.
type Relay struct {
	RedisAddr string `toml:"redis_addr"`
}

type Persistence struct {
	Debounce    Duration `toml:"debounce"`
	MaxDebounce Duration `toml:"max_debounce"`
}

type Awareness struct {
	Timeout Duration `toml:"timeout"`
	// Rate is the number of awareness messages per second a connection may send.
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

type Discovery struct {
	Enabled  bool   `toml:"enabled"`
	Service  string `toml:"service"`
	Instance string `toml:"instance"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Listen: ":1234",
		Store: Store{
			Backend: BackendMemory,
			DataDir: "data",
		},
		Persistence: Persistence{
			Debounce:    Duration(2 * time.Second),
			MaxDebounce: Duration(10 * time.Second),
		},
		Awareness: Awareness{
			Timeout: Duration(30 * time.Second),
			Rate:    50,
			Burst:   100,
		},
		Discovery: Discovery{
			Enabled: true,
			Service: DefaultService,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("COLLAB_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("COLLAB_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := getenv("COLLAB_DATA_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
		c.Relay.RedisAddr = v
	}
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is empty")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt, BackendSQLite:
		if c.Store.DataDir == "" {
			return fmt.Errorf("store %s needs data_dir", c.Store.Backend)
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("store postgres needs database_url")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store redis needs redis_addr")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Persistence.Debounce <= 0 {
		return errors.New("persistence.debounce must be positive")
	}
	if c.Persistence.MaxDebounce < c.Persistence.Debounce {
		return errors.New("persistence.max_debounce must not be shorter than debounce")
	}
	if c.Awareness.Rate <= 0 || c.Awareness.Burst <= 0 {
		return errors.New("awareness.rate and awareness.burst must be positive")
	}
	return nil
}
