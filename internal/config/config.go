// Package config loads medaid settings from medaid.toml and MEDAID_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// FileName is the config file name searched for when no path is given.
const FileName = "medaid.toml"

// Remote drivers.
const (
	DriverREST     = "rest"
	DriverPostgres = "postgres"
)

// Config is the full medaid configuration.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	Driver  string        `mapstructure:"driver"`
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

type ReconcileConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	ItemDelay   time.Duration `mapstructure:"item_delay"`
	TriggerFile string        `mapstructure:"trigger_file"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type SnapshotConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// defaults is keyed by section, then by key. It seeds viper and is what
// WriteDefault renders, so durations are kept as strings.
func defaults() map[string]map[string]any {
	return map[string]map[string]any{
		"db": {
			"path": filepath.Join(".medaid", "cache.db"),
		},
		"remote": {
			"driver":  DriverREST,
			"url":     "",
			"api_key": "",
			"dsn":     "",
			"timeout": "3s",
			"retries": 2,
		},
		"reconcile": {
			"interval":     "5m",
			"item_delay":   "20ms",
			"trigger_file": "",
		},
		"dashboard": {
			"port": 8088,
		},
		"log": {
			"level":       "info",
			"format":      "json",
			"file":        "",
			"max_size_mb": 10,
			"max_backups": 3,
		},
		"snapshot": {
			"s3": map[string]any{
				"bucket":     "",
				"region":     "us-east-1",
				"endpoint":   "",
				"path_style": false,
			},
		},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("MEDAID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for section, keys := range defaults() {
		for key, val := range keys {
			if nested, ok := val.(map[string]any); ok {
				for nk, nv := range nested {
					v.SetDefault(section+"."+key+"."+nk, nv)
				}
				continue
			}
			v.SetDefault(section+"."+key, val)
		}
	}
	return v
}

// Load reads configuration from path, or from medaid.toml in the working
// directory or $HOME/.config/medaid when path is empty. A missing file is
// only an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "medaid"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that would otherwise fail later at connect time.
// An unset remote url or dsn is allowed; commands that need the remote
// check RequireRemote.
func (c *Config) Validate() error {
	switch c.Remote.Driver {
	case DriverREST, DriverPostgres:
	default:
		return fmt.Errorf("unknown remote.driver %q (want %s or %s)", c.Remote.Driver, DriverREST, DriverPostgres)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive, got %s", c.Remote.Timeout)
	}
	if c.Remote.Retries < 0 {
		return fmt.Errorf("remote.retries must not be negative")
	}
	if c.Reconcile.Interval < 0 || c.Reconcile.ItemDelay < 0 {
		return fmt.Errorf("reconcile durations must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	return nil
}

// RequireRemote reports whether the selected driver has its endpoint set.
func (c *Config) RequireRemote() error {
	switch c.Remote.Driver {
	case DriverREST:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for the %s driver (set MEDAID_REMOTE_URL)", DriverREST)
		}
	case DriverPostgres:
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn is required for the %s driver (set MEDAID_REMOTE_DSN)", DriverPostgres)
		}
	}
	return nil
}

// WriteDefault writes a config file populated with the defaults.
// Refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(defaults()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
