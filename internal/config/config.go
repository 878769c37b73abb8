// Package config loads shoebox configuration from file, environment
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all shoebox settings.
type Config struct {
	// DataDir holds the local database and logs.
	DataDir string `mapstructure:"data_dir"`

	// Remote is the authoritative store endpoint.
	Remote RemoteConfig `mapstructure:"remote"`

	// Collections mirrored per partition.
	Collections []string `mapstructure:"collections"`

	// Partitions opened by the daemon on startup.
	Partitions []string `mapstructure:"partitions"`

	// Sync pass periods.
	OutgoingInterval time.Duration `mapstructure:"outgoing_interval"`
	IncomingInterval time.Duration `mapstructure:"incoming_interval"`

	// Import configures the drop-folder importer.
	Import ImportConfig `mapstructure:"import"`

	// Log configures daemon file logging.
	Log LogConfig `mapstructure:"log"`
}

// RemoteConfig holds remote API settings.
type RemoteConfig struct {
	URL       string        `mapstructure:"url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ImportConfig holds drop-folder importer settings.
type ImportConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Dir         string `mapstructure:"dir"`
	PartitionID string `mapstructure:"partition_id"`
}

// LogConfig holds rotated log file settings.
type LogConfig struct {
	// File is the log path; empty means stderr only.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from the given file (optional), the
// SHOEBOX_* environment and built-in defaults, in that precedence
// order (file wins over defaults, environment wins over file).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", ".shoebox")
	v.SetDefault("collections", []string{"metadata", "albums"})
	v.SetDefault("outgoing_interval", 5*time.Second)
	v.SetDefault("incoming_interval", 15*time.Second)
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("import.enabled", false)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)

	v.SetEnvPrefix("SHOEBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only covers keys viper already knows about, so keys
	// without a default must be bound by hand or env-only configuration
	// would silently drop them.
	for _, key := range []string{
		"partitions",
		"remote.url",
		"remote.auth_token",
		"import.dir",
		"import.partition_id",
		"log.file",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	if c.OutgoingInterval <= 0 || c.IncomingInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.Import.Enabled {
		if c.Import.Dir == "" {
			return fmt.Errorf("import.dir is required when import is enabled")
		}
		if c.Import.PartitionID == "" {
			return fmt.Errorf("import.partition_id is required when import is enabled")
		}
	}
	return nil
}
