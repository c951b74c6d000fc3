package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Defaults match a local Hearth instance.
const (
	DefaultHost     = "http://localhost:3447/fhir"
	DefaultUsername = "sysadmin@jembi.org"
	DefaultPassword = "sysadmin"
)

// EnvPrefix prefixes every environment variable, e.g. MHD_HOST.
const EnvPrefix = "MHD"

type Config struct {
	Host       string        `mapstructure:"HOST"`
	EnableAuth bool          `mapstructure:"ENABLE_AUTH"`
	Username   string        `mapstructure:"USERNAME"`
	Password   string        `mapstructure:"PASSWORD"`
	Templates  string        `mapstructure:"TEMPLATES"`
	Bail       bool          `mapstructure:"BAIL"`
	LogFormat  string        `mapstructure:"LOG_FORMAT"`
	LogLevel   string        `mapstructure:"LOG_LEVEL"`
	Format     string        `mapstructure:"FORMAT"`
	Timeout    time.Duration `mapstructure:"TIMEOUT"`
}

// keys maps config keys to their command line flags.
var keys = map[string]string{
	"HOST":        "host",
	"ENABLE_AUTH": "enable-auth",
	"USERNAME":    "username",
	"PASSWORD":    "password",
	"TEMPLATES":   "templates",
	"BAIL":        "bail",
	"LOG_FORMAT":  "log-format",
	"LOG_LEVEL":   "log-level",
	"FORMAT":      "format",
	"TIMEOUT":     "timeout",
}

// Load reads configuration from, in order of precedence, flags that were
// set on the command line, MHD_* environment variables, a .env file in the
// working directory and the defaults. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("HOST", DefaultHost)
	v.SetDefault("ENABLE_AUTH", false)
	v.SetDefault("USERNAME", DefaultUsername)
	v.SetDefault("PASSWORD", DefaultPassword)
	v.SetDefault("TEMPLATES", "")
	v.SetDefault("BAIL", false)
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("FORMAT", "log")
	v.SetDefault("TIMEOUT", "0s")

	for key, flag := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
		if flags == nil {
			continue
		}
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize strips trailing slashes from the host.
func (c *Config) Normalize() {
	c.Host = strings.TrimRight(strings.TrimSpace(c.Host), "/")
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Host)
	if err != nil {
		return fmt.Errorf("HOST is not a valid URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("HOST must be an absolute http or https URL, got %q", c.Host)
	}

	if c.EnableAuth && c.Username == "" {
		return fmt.Errorf("USERNAME is required when ENABLE_AUTH is true")
	}

	if c.Templates != "" {
		fi, err := os.Stat(c.Templates)
		if err != nil {
			return fmt.Errorf("TEMPLATES: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("TEMPLATES must be a directory, got %q", c.Templates)
		}
	}

	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be \"console\" or \"json\", got %q", c.LogFormat)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.Format != "log" && c.Format != "tap" {
		return fmt.Errorf("FORMAT must be \"log\" or \"tap\", got %q", c.Format)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("TIMEOUT must not be negative, got %s", c.Timeout)
	}

	return nil
}

// Level returns the parsed log level. Call Validate first.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
