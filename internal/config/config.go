// Package config loads the server configuration from slideannot.yaml and
// SLIDEANNOT_* environment variables. Environment overrides file, file
// overrides defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// GC holds the defaults of the old-annotation sweep. The HTTP and CLI
// surfaces can override both per call.
type GC struct {
	// MinAgeDays is the age floor for removal; must be at least 7.
	MinAgeDays int `mapstructure:"min_age_days" yaml:"min_age_days"`
	// KeepInactiveVersions inactive snapshots are always retained per
	// annotation, regardless of age.
	KeepInactiveVersions int `mapstructure:"keep_inactive_versions" yaml:"keep_inactive_versions"`
}

// Config is the resolved server configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// DBPath locates the sqlite database file; ":memory:" for ephemeral runs.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	// History keeps archived annotation versions on every save.
	History bool `mapstructure:"history" yaml:"history"`
	// LogLevel is a zap level name: debug, info, warn or error.
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	GC GC `mapstructure:"gc" yaml:"gc"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:   ":8580",
		DBPath:   "slideannot.db",
		History:  true,
		LogLevel: "info",
		GC: GC{
			MinAgeDays:           30,
			KeepInactiveVersions: 10,
		},
	}
}

// Example renders the default configuration as YAML, for seeding a new
// slideannot.yaml.
func Example() ([]byte, error) {
	return yaml.Marshal(Default())
}

// Load reads the configuration. With an empty path, "slideannot.yaml" in the
// working directory is used when present; a missing file is not an error, a
// malformed one is. Environment variables use the SLIDEANNOT_ prefix with
// underscores for nesting (SLIDEANNOT_GC_MIN_AGE_DAYS).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SLIDEANNOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("listen", def.Listen)
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("history", def.History)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("gc.min_age_days", def.GC.MinAgeDays)
	v.SetDefault("gc.keep_inactive_versions", def.GC.KeepInactiveVersions)

	explicit := path != ""
	if path == "" {
		path = "slideannot.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is invalid (valid values: debug, info, warn, error)", c.LogLevel)
	}
	if c.GC.MinAgeDays < 7 {
		return fmt.Errorf("gc.min_age_days must be at least 7, got %d", c.GC.MinAgeDays)
	}
	if c.GC.KeepInactiveVersions < 0 {
		return fmt.Errorf("gc.keep_inactive_versions must not be negative, got %d", c.GC.KeepInactiveVersions)
	}
	return nil
}
