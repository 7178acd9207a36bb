package main

import (
	"fmt"
	"os"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/agentuity/relay/eventlog"
	"github.com/agentuity/relay/session"
)

// Config is the serve command's yaml configuration. Durations are strings in
// the compact form str2duration accepts ("5m", "1h30m", "90s").
type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Path    string `yaml:"path"`
	} `yaml:"server"`
	Session struct {
		IdleTimeout      string `yaml:"idle_timeout"`
		SweepInterval    string `yaml:"sweep_interval"`
		EventLogCapacity int    `yaml:"event_log_capacity"`
	} `yaml:"session"`
	Auth struct {
		SharedSecret string `yaml:"shared_secret"`
	} `yaml:"auth"`
	Lifecycle struct {
		RedisURL string `yaml:"redis_url"`
		Subject  string `yaml:"subject"`
	} `yaml:"lifecycle"`
}

// LoadConfig reads the yaml file if one is given and fills in defaults. A
// missing filename returns the default configuration.
func LoadConfig(filename string) (*Config, error) {
	var config Config
	config.Server.Address = ":8787"
	config.Server.Path = "/relay"
	config.Session.EventLogCapacity = eventlog.DefaultCapacity

	if filename != "" {
		buf, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &config); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	return &config, nil
}

// IdleTimeout parses the configured idle timeout, falling back to the
// registry default.
func (c *Config) IdleTimeout() (time.Duration, error) {
	return c.duration(c.Session.IdleTimeout, session.DefaultIdleTimeout)
}

// SweepInterval parses the configured sweep interval, falling back to the
// registry default.
func (c *Config) SweepInterval() (time.Duration, error) {
	return c.duration(c.Session.SweepInterval, session.DefaultSweepInterval)
}

func (c *Config) duration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := str2duration.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}
