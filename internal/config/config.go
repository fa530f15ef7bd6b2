// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from
// switchboard.yaml.
type Config struct {
	HTTP      HTTPConfig       `yaml:"http"`
	Database  DatabaseConfig   `yaml:"database"`
	Redis     RedisConfig      `yaml:"redis"`
	SecretKey string           `yaml:"secret_key"` // hex, 32 bytes once decoded
	Poll      PollConfig       `yaml:"poll"`
	Platforms []PlatformConfig `yaml:"platforms"`
}

// HTTPConfig holds listener settings for the API server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// RedisConfig holds connection settings for the shared Redis instance
// backing the rate limiter and the webhook retry queue.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// PollConfig tunes the polling scheduler.
type PollConfig struct {
	IntervalSec        int `yaml:"interval_sec"`          // delay after a normal poll
	ErrorBackoffSec    int `yaml:"error_backoff_sec"`     // delay after a terminal platform error
	FirstRunLookbackHr int `yaml:"first_run_lookback_hr"` // history window on an account's first poll
}

// Interval returns the normal reschedule delay.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// ErrorBackoff returns the reschedule delay after a terminal error.
func (p PollConfig) ErrorBackoff() time.Duration {
	return time.Duration(p.ErrorBackoffSec) * time.Second
}

// FirstRunLookback returns how far back the first poll of an account reaches.
func (p PollConfig) FirstRunLookback() time.Duration {
	return time.Duration(p.FirstRunLookbackHr) * time.Hour
}

// Webhook verification schemes.
const (
	SchemeSignature = "signature" // HMAC-SHA256 over v0:timestamp:body
	SchemeToken     = "token"     // shared token header, constant-time compare
	SchemeBearer    = "bearer"    // Authorization bearer token
)

// PlatformConfig defines one platform's rate budget and webhook settings.
type PlatformConfig struct {
	Name          string `yaml:"name"`
	MaxRequests   int    `yaml:"max_requests"`
	WindowMs      int    `yaml:"window_ms"`
	Push          bool   `yaml:"push"`           // delivers via webhook; excluded from polling
	WebhookSecret string `yaml:"webhook_secret"` // secret for the verification scheme
	WebhookScheme string `yaml:"webhook_scheme"` // signature (default), token, or bearer
}

// Window returns the platform's sliding-window length.
func (p PlatformConfig) Window() time.Duration {
	return time.Duration(p.WindowMs) * time.Millisecond
}

// Platform returns the configuration for the named platform, or nil.
func (c *Config) Platform(name string) *PlatformConfig {
	for i := range c.Platforms {
		if c.Platforms[i].Name == name {
			return &c.Platforms[i]
		}
	}
	return nil
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" {
		c.Database.Database = "switchboard"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Poll.IntervalSec == 0 {
		c.Poll.IntervalSec = 60
	}
	if c.Poll.ErrorBackoffSec == 0 {
		c.Poll.ErrorBackoffSec = 120
	}
	if c.Poll.FirstRunLookbackHr == 0 {
		c.Poll.FirstRunLookbackHr = 24
	}
	for i := range c.Platforms {
		if c.Platforms[i].WebhookScheme == "" {
			c.Platforms[i].WebhookScheme = SchemeSignature
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.SecretKey == "" {
		errs = append(errs, "secret_key is required")
	}
	if len(c.Platforms) == 0 {
		errs = append(errs, "at least one platform is required")
	}
	seen := map[string]bool{}
	for i, p := range c.Platforms {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("platforms[%d].name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("platforms[%d]: duplicate platform %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.MaxRequests <= 0 {
			errs = append(errs, fmt.Sprintf("platforms[%d].max_requests must be positive", i))
		}
		if p.WindowMs <= 0 {
			errs = append(errs, fmt.Sprintf("platforms[%d].window_ms must be positive", i))
		}
		switch p.WebhookScheme {
		case SchemeSignature, SchemeToken, SchemeBearer:
		default:
			errs = append(errs, fmt.Sprintf("platforms[%d].webhook_scheme %q is not signature, token, or bearer", i, p.WebhookScheme))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
