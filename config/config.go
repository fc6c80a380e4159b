// Package config assembles the settings of a shardview node from defaults, an
// optional YAML file, a .env file and SHARDVIEW_ prefixed environment variables,
// in increasing order of precedence. Command line flags are layered on top by
// the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable the config reads.
const EnvPrefix = "SHARDVIEW_"

// Config is the complete configuration of a node.
type Config struct {
	Node     Node     `yaml:"node"     envPrefix:"NODE_"`
	Network  Network  `yaml:"network"  envPrefix:"NET_"`
	HTTP     HTTP     `yaml:"http"     envPrefix:"HTTP_"`
	Entities Entities `yaml:"entities" envPrefix:"ENTITIES_"`
	Driver   Driver   `yaml:"driver"   envPrefix:"DRIVER_"`
	Monitor  Monitor  `yaml:"monitor"  envPrefix:"MONITOR_"`
	Log      Log      `yaml:"log"      envPrefix:"LOG_"`
}

// Node identifies the local member.
type Node struct {
	Name    string `yaml:"name"    env:"NAME"`    // Unique identifier across the cluster
	Datadir string `yaml:"datadir" env:"DATADIR"` // Broker state folder, <name> is substituted
	Secret  string `yaml:"secret"  env:"SECRET"`  // Shared secret of the cluster
	Boot    string `yaml:"boot"    env:"BOOT"`    // Entrypoint into an existing cluster
}

// Network is the broker listener and its advertised address.
type Network struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR"`
	BindPort int    `yaml:"bind_port" env:"BIND_PORT"`
	ExtAddr  string `yaml:"ext_addr"  env:"EXT_ADDR"` // Empty to autodetect
	ExtPort  int    `yaml:"ext_port"  env:"EXT_PORT"` // Zero to use the bind port
}

// HTTP is the monitor endpoint.
type HTTP struct {
	Addr string `yaml:"addr" env:"ADDR"` // Empty to disable
}

// Entities configures the shard region.
type Entities struct {
	Shards      int           `yaml:"shards"       env:"SHARDS"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	Mailbox     int           `yaml:"mailbox"      env:"MAILBOX"`
}

// Driver configures the synthetic traffic generators.
type Driver struct {
	IDMin         int           `yaml:"id_min"         env:"ID_MIN"`
	IDMax         int           `yaml:"id_max"         env:"ID_MAX"`
	CommandRate   int           `yaml:"command_rate"   env:"COMMAND_RATE"` // Cluster wide commands per second
	QueryInterval time.Duration `yaml:"query_interval" env:"QUERY_INTERVAL"`
}

// Monitor configures the topology aggregator and the singleton.
type Monitor struct {
	StatsCount        int           `yaml:"stats_count"        env:"STATS_COUNT"`
	StatsInterval     time.Duration `yaml:"stats_interval"     env:"STATS_INTERVAL"`
	SingletonInterval time.Duration `yaml:"singleton_interval" env:"SINGLETON_INTERVAL"`
}

// Log configures the root logger.
type Log struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Node: Node{
			Datadir: filepath.Join(os.Getenv("HOME"), ".shardview", "<name>"),
		},
		Network: Network{
			BindAddr: "0.0.0.0",
			BindPort: 4150,
		},
		HTTP: HTTP{
			Addr: "127.0.0.1:8080",
		},
		Entities: Entities{
			Shards:      15,
			IdleTimeout: 15 * time.Second,
			Mailbox:     256,
		},
		Driver: Driver{
			IDMin:         1,
			IDMax:         100,
			CommandRate:   10,
			QueryInterval: 2 * time.Second,
		},
		Monitor: Monitor{
			StatsCount:        121,
			StatsInterval:     time.Second,
			SingletonInterval: 5 * time.Second,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load builds the configuration from the defaults, the YAML file at path (if
// not empty), a .env file in the working directory (if any) and the process
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(blob, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	if c.Entities.Shards <= 0 {
		return fmt.Errorf("invalid shard count %d", c.Entities.Shards)
	}
	if c.Driver.IDMin > c.Driver.IDMax {
		return fmt.Errorf("empty entity id range [%d, %d]", c.Driver.IDMin, c.Driver.IDMax)
	}
	if c.Driver.CommandRate <= 0 {
		return fmt.Errorf("invalid command rate %d", c.Driver.CommandRate)
	}
	if c.Driver.QueryInterval <= 0 {
		return fmt.Errorf("invalid query interval %v", c.Driver.QueryInterval)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses the configured log level.
func (c *Config) Level() (log.Lvl, error) {
	return log.LvlFromString(c.Log.Level)
}

// Datadir returns the broker state folder with the node name substituted.
func (c *Config) Datadir() string {
	return strings.ReplaceAll(c.Node.Datadir, "<name>", c.Node.Name)
}
