// Package config loads engine tuning knobs from an optional YAML file.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Storage struct {
		PageSize     int `mapstructure:"page_size"`
		PoolCapacity int `mapstructure:"pool_capacity"`
	} `mapstructure:"storage"`

	WAL struct {
		// SyncMode: "commit" fsyncs at commit only, "always" on every append.
		SyncMode string `mapstructure:"sync_mode"`
		// CheckpointBytes triggers an automatic checkpoint once the log
		// grows past this size. 0 disables automatic checkpoints.
		CheckpointBytes int64 `mapstructure:"checkpoint_bytes"`
	} `mapstructure:"wal"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	cfg.Storage.PageSize = 4096
	cfg.Storage.PoolCapacity = 128
	cfg.WAL.SyncMode = "commit"
	cfg.WAL.CheckpointBytes = 4 << 20
	return cfg
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("storage.page_size", def.Storage.PageSize)
	v.SetDefault("storage.pool_capacity", def.Storage.PoolCapacity)
	v.SetDefault("wal.sync_mode", def.WAL.SyncMode)
	v.SetDefault("wal.checkpoint_bytes", def.WAL.CheckpointBytes)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.WAL.SyncMode != "commit" && cfg.WAL.SyncMode != "always" {
		return Config{}, fmt.Errorf("config: invalid wal.sync_mode %q", cfg.WAL.SyncMode)
	}
	return cfg, nil
}
