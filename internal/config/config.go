package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// RuntimeConfig describes how to launch a runtime process when no spawn
// profile overrides it. By default the coordinator re-executes its own
// binary with the "runtime" subcommand.
type RuntimeConfig struct {
	Executable  string   `mapstructure:"executable"`
	Args        []string `mapstructure:"args"`
	Boot        string   `mapstructure:"boot"`
	BaseLabel   string   `mapstructure:"base_label"`
	ProfilesDir string   `mapstructure:"profiles_dir"`
}

type HandshakeConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
}

// PoolConfig tunes identity recycling. BufferDelay is how long a
// disconnected identity is kept out of circulation; the right value depends
// on how long stragglers can stay in flight in a given deployment, so it is
// an explicit knob rather than a hardcoded constant.
type PoolConfig struct {
	BufferDelay time.Duration `mapstructure:"buffer_delay"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Handshake HandshakeConfig `mapstructure:"handshake"`
	Pool      PoolConfig      `mapstructure:"pool"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("crucible")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.crucible")

	v.SetDefault("server.port", 8090)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".crucible", "crucible.db"))
	v.SetDefault("runtime.args", []string{"runtime"})
	v.SetDefault("runtime.base_label", "runtime")
	v.SetDefault("runtime.profiles_dir", filepath.Join(os.Getenv("HOME"), ".crucible", "profiles"))
	v.SetDefault("handshake.timeout", 30*time.Second)
	v.SetDefault("handshake.ack_timeout", 10*time.Second)
	v.SetDefault("pool.buffer_delay", 60*time.Second)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Runtime.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving own executable: %w", err)
		}
		cfg.Runtime.Executable = exe
	}

	return &cfg, nil
}
