package config

// Package config provides a reusable loader for cxdb server configuration
// files and environment variables. It is versioned so that applications can
// depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/strongdm/cxdb/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a cxdb server process. It mirrors
// the layout of the optional YAML files (default.yaml, plus <env>.yaml)
// that Load looks for under cmd/cxdbd/config or config.
type Config struct {
	Server struct {
		DataDir          string `mapstructure:"data_dir" json:"data_dir"`
		BindAddr         string `mapstructure:"bind_addr" json:"bind_addr"`
		HTTPBindAddr     string `mapstructure:"http_bind_addr" json:"http_bind_addr"`
		MaxInFlight      int    `mapstructure:"max_in_flight" json:"max_in_flight"`
		MaxPayloadBytes  int    `mapstructure:"max_payload_bytes" json:"max_payload_bytes"`
		StrictRegistry   bool   `mapstructure:"strict_registry" json:"strict_registry"`
		HeadCacheEntries int    `mapstructure:"head_cache_entries" json:"head_cache_entries"`
	} `mapstructure:"server" json:"server"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Default returns the built-in defaults, used as the starting point before
// file and environment overrides are applied.
func Default() Config {
	var c Config
	c.Server.DataDir = "./data"
	c.Server.BindAddr = ":9009"
	c.Server.HTTPBindAddr = ":9010"
	c.Server.MaxInFlight = 64
	c.Server.MaxPayloadBytes = 1 << 20
	c.Server.HeadCacheEntries = 4096
	c.Logging.Level = "info"
	return c
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	def := Default()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/cxdbd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	viper.SetDefault("server", def.Server)
	viper.SetDefault("logging", def.Logging)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("cxdb")
	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}

	applyEnvOverrides(&AppConfig)
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the CXDB_ENV environment variable
// and applies the explicit CXDB_DATA_DIR / CXDB_BIND / CXDB_HTTP_BIND style
// overrides named in the wire spec's CLI/env surface.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()
	_ = godotenv.Load("cxdbd.env")
	return Load(utils.EnvOrDefault("CXDB_ENV", ""))
}

// applyEnvOverrides layers the explicit CXDB_* variables on top of whatever
// viper produced, so they always win regardless of config file precedence.
func applyEnvOverrides(c *Config) {
	c.Server.DataDir = utils.EnvOrDefault("CXDB_DATA_DIR", c.Server.DataDir)
	c.Server.BindAddr = utils.EnvOrDefault("CXDB_BIND", c.Server.BindAddr)
	c.Server.HTTPBindAddr = utils.EnvOrDefault("CXDB_HTTP_BIND", c.Server.HTTPBindAddr)
	c.Server.MaxInFlight = utils.EnvOrDefaultInt("CXDB_MAX_INFLIGHT", c.Server.MaxInFlight)
	c.Server.MaxPayloadBytes = utils.EnvOrDefaultInt("CXDB_MAX_PAYLOAD_BYTES", c.Server.MaxPayloadBytes)
	c.Logging.Level = utils.EnvOrDefault("CXDB_LOG_LEVEL", c.Logging.Level)
	if v := utils.EnvOrDefault("CXDB_STRICT_REGISTRY", ""); v == "1" || v == "true" {
		c.Server.StrictRegistry = true
	}
}
