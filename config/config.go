/*
Package config loads creditd configuration from a TOML file.

PURPOSE:
  One Config struct for the whole daemon: HTTP listener, storage backend,
  and the expiration sweep scheduler. Every field has a sane default so a
  missing file or an empty file still yields a runnable server.

FILE FORMAT (TOML):

  [server]
  host = "127.0.0.1"
  port = 8080

  [database]
  driver = "sqlite"          # "sqlite" or "postgres"
  path = "./data/credits.db" # sqlite only
  dsn = ""                   # postgres only

  [sweeper]
  enabled = true
  interval = "1h"

SEE ALSO:
  - cmd/creditd/main.go: Consumes this at startup
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path"`   // sqlite file path
	DSN    string `toml:"dsn"`    // postgres connection string
}

// SweeperConfig configures the background expiration sweep.
type SweeperConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"` // Go duration string, e.g. "1h"
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./data/credits.db",
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: "1h",
		},
	}
}

// Load reads the given TOML file over the defaults. A missing file is not
// an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if _, err := c.SweepInterval(); err != nil {
		return err
	}
	return nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SweepInterval parses the sweeper interval, falling back to one hour for
// the empty string.
func (c *Config) SweepInterval() (time.Duration, error) {
	if c.Sweeper.Interval == "" {
		return time.Hour, nil
	}
	d, err := time.ParseDuration(c.Sweeper.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid sweeper.interval %q: %w", c.Sweeper.Interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sweeper.interval must be positive")
	}
	return d, nil
}
