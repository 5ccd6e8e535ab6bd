// Package engineconfig loads the engine's runtime configuration (database
// path, vault directory, worker pool size, logging) via viper, the way
// the CLI examples in this codebase's lineage load their own service
// configuration from YAML + environment overrides.
package engineconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the engine's top-level static configuration (spec §6 external
// interfaces: store path, vault directory, and the pool size governing
// the Worker Pool).
type Config struct {
	DBPath   string     `mapstructure:"db_path"`
	VaultDir string     `mapstructure:"vault_dir"`
	PoolSize int        `mapstructure:"pool_size"`
	Log      LogConfig  `mapstructure:"log"`
	HTTP     HTTPConfig `mapstructure:"http"`
}

// LogConfig controls structured logging and, when File is set, rotation
// via lumberjack.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "text" or "json"
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// HTTPConfig controls the optional read-only query/maintenance HTTP
// surface (spec §6 "Maintenance").
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

func defaults() Config {
	return Config{
		DBPath:   "pipeweave.bolt",
		VaultDir: "pipeweave-vault",
		PoolSize: 4,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load reads configuration from configFile (if non-empty) and from
// PIPEWEAVE_-prefixed environment variables, layered over defaults().
func Load(configFile string) (*Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetEnvPrefix("PIPEWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("vault_dir", cfg.VaultDir)
	v.SetDefault("pool_size", cfg.PoolSize)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("http.addr", cfg.HTTP.Addr)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("engineconfig: read %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("engineconfig: unmarshal: %w", err)
	}
	return &cfg, nil
}
