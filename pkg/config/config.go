// Package config provides YAML-based configuration loading for ra nodes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// DataDir base directory for persistent data (identity key file, fixtures)
	DataDir string `mapstructure:"data_dir"`

	// NodeID is the local node name; it becomes the overlay address on
	// networks that do not set one.
	NodeID string `mapstructure:"node_id"`

	Log LogConfig `mapstructure:"log"`

	// Identity controls the node key used to sign link hellos.
	Identity IdentityConfig `mapstructure:"identity"`

	// Networks lists the overlay networks this node joins.
	Networks []NetworkConfig `mapstructure:"networks"`

	Router RouterConfig `mapstructure:"router"`
	Delay  DelayConfig  `mapstructure:"delay"`
	Wire   WireConfig   `mapstructure:"wire"`
	Admin  AdminConfig  `mapstructure:"admin"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "ra-node",
		DataDir: "./data",
		NodeID:  "node-1",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/ra-node.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Identity: IdentityConfig{Alg: "ed25519"},
		Networks: []NetworkConfig{
			{
				ID:        "ip",
				Transport: "tcp",
				Listen:    []string{":7777"},
			},
		},
		Router: RouterConfig{
			Workers:          4,
			BackoffInitialMS: 50,
			BackoffMaxMS:     5000,
			MaxAttempts:      20,
			InboxSize:        1024,
			DedupSize:        4096,
		},
		Wire:  WireConfig{Format: "cbor", CompressAbove: 1024, MaxBodyBytes: 16 << 20},
		Admin: AdminConfig{Listen: "127.0.0.1:8088"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix RA and `.`/`-` are replaced with `_`.
// Example: RA_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("node_id", cfg.NodeID)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("identity.alg", cfg.Identity.Alg)
	v.SetDefault("identity.private_key", cfg.Identity.PrivateKey)
	v.SetDefault("identity.private_key_file", cfg.Identity.PrivateKeyFile)
	v.SetDefault("networks", cfg.Networks)
	v.SetDefault("router.workers", cfg.Router.Workers)
	v.SetDefault("router.backoff_initial_ms", cfg.Router.BackoffInitialMS)
	v.SetDefault("router.backoff_max_ms", cfg.Router.BackoffMaxMS)
	v.SetDefault("router.max_attempts", cfg.Router.MaxAttempts)
	v.SetDefault("router.terminal_retries", cfg.Router.TerminalRetries)
	v.SetDefault("router.inbox_size", cfg.Router.InboxSize)
	v.SetDefault("router.dedup_size", cfg.Router.DedupSize)
	v.SetDefault("router.bytes_per_sec", cfg.Router.BytesPerSec)
	v.SetDefault("router.burst", cfg.Router.Burst)
	v.SetDefault("delay.min_ms", cfg.Delay.MinMS)
	v.SetDefault("delay.max_ms", cfg.Delay.MaxMS)
	v.SetDefault("wire.format", cfg.Wire.Format)
	v.SetDefault("wire.compress_above", cfg.Wire.CompressAbove)
	v.SetDefault("wire.max_body_bytes", cfg.Wire.MaxBodyBytes)
	v.SetDefault("admin.listen", cfg.Admin.Listen)

	if path == "" {
		if envPath := os.Getenv("RA_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ra-node")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".ra"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = "node-1"
	}
	seen := make(map[string]bool, len(c.Networks))
	for i := range c.Networks {
		n := &c.Networks[i]
		if err := n.normalize(c.NodeID); err != nil {
			return fmt.Errorf("networks[%d]: %w", i, err)
		}
		if seen[n.ID] {
			return fmt.Errorf("networks[%d]: duplicate network %q", i, n.ID)
		}
		seen[n.ID] = true
	}
	if err := c.Router.validate(); err != nil {
		return err
	}
	if err := c.Delay.validate(); err != nil {
		return err
	}
	return c.Wire.validate()
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
