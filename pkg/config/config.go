package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexiloop/nexiloop/pkg/quota"
)

// Config holds all nexiloop configuration.
type Config struct {
	Listen     string       `yaml:"listen"`
	Store      StoreConfig  `yaml:"store"`
	Limits     LimitsConfig `yaml:"limits"`
	FreeModels []string     `yaml:"free_models"`
	Log        LogConfig    `yaml:"log"`
}

// StoreConfig selects and configures the document store.
// Driver is "memory", "sqlite" (default), "redis" or "postgres".
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DBPath      string `yaml:"db_path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LimitsConfig holds the daily limit per class and authentication state.
type LimitsConfig struct {
	GeneralAuthenticated int64 `yaml:"general_authenticated"`
	GeneralAnonymous     int64 `yaml:"general_anonymous"`
	Pro                  int64 `yaml:"pro"`
	SpecialAgent         int64 `yaml:"special_agent"`
}

// Quota converts the section into the ledger's limit table.
func (l LimitsConfig) Quota() quota.Limits {
	return quota.Limits{
		GeneralAuthenticated: l.GeneralAuthenticated,
		GeneralAnonymous:     l.GeneralAnonymous,
		Pro:                  l.Pro,
		SpecialAgent:         l.SpecialAgent,
	}
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	def := quota.DefaultLimits()
	return &Config{
		Listen: ":8080",
		Store: StoreConfig{
			Driver:      DriverSQLite,
			DBPath:      "nexiloop.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "nexiloop:subject:",
		},
		Limits: LimitsConfig{
			GeneralAuthenticated: def.GeneralAuthenticated,
			GeneralAnonymous:     def.GeneralAnonymous,
			Pro:                  def.Pro,
			SpecialAgent:         def.SpecialAgent,
		},
		FreeModels: []string{
			"gpt-4.1-nano",
			"gemini-2.0-flash-001",
			"mistral-small-latest",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, expands environment variables and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and returns Default otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.DBPath == "" {
			errs = append(errs, errors.New("store.db_path is required for the sqlite driver"))
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, redis, postgres", c.Store.Driver))
	}

	if err := c.Limits.Quota().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("limits: %w", err))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel converts a level name into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not debug, info, warn or error", s)
	}
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
