// Package config loads serialctl configuration from YAML and SERIALSTATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zeusync/serialstate/internal/core/observability/log"
)

const EnvPrefix = "SERIALSTATE"

type Config struct {
	Log   log.Config  `mapstructure:"log"`
	Codec CodecConfig `mapstructure:"codec"`
	Store StoreConfig `mapstructure:"store"`
}

type CodecConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
	// AllowUnmigrated decodes payloads with a stale version and no upgrade
	// function as is, with a warning.
	AllowUnmigrated bool `mapstructure:"allow_unmigrated"`
	DisableArrays   bool `mapstructure:"disable_arrays"`
}

type StoreConfig struct {
	// Kind: file or redis
	Kind string `mapstructure:"kind"`
	// Dir is the snapshot directory of the file store
	Dir string `mapstructure:"dir"`
	// Format is the extension new snapshots are written with
	Format  string      `mapstructure:"format"`
	Workers int         `mapstructure:"workers"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

func Default() *Config {
	return &Config{
		Log: log.Config{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: log.RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Codec: CodecConfig{MaxDepth: 512},
		Store: StoreConfig{
			Kind:    "file",
			Dir:     "./snapshots",
			Format:  ".json",
			Workers: 8,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "serialstate:snapshot:",
			},
		},
	}
}

// Load reads path when given, otherwise serialstate.yaml from the working
// directory, ./configs or ~/.serialstate. Environment variables override file
// values, e.g. SERIALSTATE_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("codec.max_depth", cfg.Codec.MaxDepth)
	v.SetDefault("codec.allow_unmigrated", cfg.Codec.AllowUnmigrated)
	v.SetDefault("codec.disable_arrays", cfg.Codec.DisableArrays)
	v.SetDefault("store.kind", cfg.Store.Kind)
	v.SetDefault("store.dir", cfg.Store.Dir)
	v.SetDefault("store.format", cfg.Store.Format)
	v.SetDefault("store.workers", cfg.Store.Workers)
	v.SetDefault("store.redis.addr", cfg.Store.Redis.Addr)
	v.SetDefault("store.redis.password", cfg.Store.Redis.Password)
	v.SetDefault("store.redis.db", cfg.Store.Redis.DB)
	v.SetDefault("store.redis.prefix", cfg.Store.Redis.Prefix)
	v.SetDefault("store.redis.ttl", cfg.Store.Redis.TTL)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("serialstate")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".serialstate"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
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
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Store.Kind = strings.ToLower(strings.TrimSpace(c.Store.Kind))
	switch c.Store.Kind {
	case "file", "redis":
	default:
		return fmt.Errorf("invalid store.kind: %q", c.Store.Kind)
	}
	if !strings.HasPrefix(c.Store.Format, ".") {
		return fmt.Errorf("invalid store.format: %q must be a file extension", c.Store.Format)
	}
	if c.Codec.MaxDepth <= 0 {
		return fmt.Errorf("invalid codec.max_depth: %d", c.Codec.MaxDepth)
	}
	return nil
}

// MustLoad panics when the configuration cannot be loaded.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
