// Package config resolves arbord's runtime configuration from an
// optional TOML file plus environment variable overrides, with
// functional options as the final word for in-process callers.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is arbord's fully resolved runtime configuration.
type Config struct {
	ListenAddr string `toml:"listen_addr"`
	AdminAddr  string `toml:"admin_addr"`
	LogLevel   string `toml:"log_level"`
	LogJSON    bool   `toml:"log_json"`
}

type Option func(*Config)

func WithListenAddr(addr string) Option { return func(c *Config) { c.ListenAddr = addr } }
func WithAdminAddr(addr string) Option  { return func(c *Config) { c.AdminAddr = addr } }
func WithLogLevel(level string) Option  { return func(c *Config) { c.LogLevel = level } }

func defaults() Config {
	return Config{
		ListenAddr: ":5432",
		AdminAddr:  ":8080",
		LogLevel:   "info",
		LogJSON:    false,
	}
}

// Load resolves configuration in increasing priority: built-in defaults,
// then path (if non-empty, a TOML file whose absence is an error but
// whose fields are all optional), then environment variables
// (ARBOR_LISTEN_ADDR, ARBOR_ADMIN_ADDR, ARBOR_LOG_LEVEL, ARBOR_LOG_JSON),
// then the functional options given explicitly by the caller.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if v := os.Getenv("ARBOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("ARBOR_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := os.Getenv("ARBOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ARBOR_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: ARBOR_LOG_JSON: %w", err)
		}
		cfg.LogJSON = b
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg, nil
}
