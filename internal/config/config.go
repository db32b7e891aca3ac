// Package config provides YAML-based configuration loading for Trestle.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Trestle configuration, loaded from trestle.yaml.
type Config struct {
	Master    MasterConfig    `yaml:"master"`
	Database  DatabaseConfig  `yaml:"database"`
	Builders  []BuilderConfig `yaml:"builders"`
	Claims    ClaimsConfig    `yaml:"claims"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Reporters ReportersConfig `yaml:"reporters"`
}

// MasterConfig identifies this master process. Name is used as the
// claim owner id and must be unique across masters sharing a database.
type MasterConfig struct {
	Name     string `yaml:"name"`
	Hostname string `yaml:"hostname"`
}

// DatabaseConfig selects the backing store. Driver "mysql" is for
// shared multi-master deployments; "sqlite" for single-host setups.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite only
}

// BuilderConfig defines one builder and the workers allowed to run it.
type BuilderConfig struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Workers     []string `yaml:"workers"`
	Command     []string `yaml:"command"`
	// Collapse enables merging of equivalent pending requests
	// (default true). ReuseArtifacts enables satisfying a request
	// from an identical prior successful build.
	Collapse       *bool `yaml:"collapse"`
	ReuseArtifacts bool  `yaml:"reuse_artifacts"`
	TimeoutSeconds int   `yaml:"timeout_seconds"`
	// RetryExitCodes lists exit codes that signal an infrastructure
	// failure rather than a build failure. Requests are requeued
	// instead of completed.
	RetryExitCodes []int `yaml:"retry_exit_codes"`
}

// ClaimsConfig tunes claim reclaiming and expiry.
type ClaimsConfig struct {
	ReclaimIntervalSeconds int    `yaml:"reclaim_interval_seconds"`
	MaxAgeSeconds          int    `yaml:"max_age_seconds"`
	SweepSchedule          string `yaml:"sweep_schedule"` // 5-field cron expression
}

// DashboardConfig configures the HTTP API.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// ReportersConfig holds credentials for outcome reporters. A reporter
// is enabled when its required fields are present.
type ReportersConfig struct {
	Slack   SlackReporterConfig   `yaml:"slack"`
	Discord DiscordReporterConfig `yaml:"discord"`
	GitHub  GitHubReporterConfig  `yaml:"github"`
}

// SlackReporterConfig posts buildset outcomes to a Slack channel.
type SlackReporterConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordReporterConfig posts buildset outcomes to a Discord channel.
type DiscordReporterConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// GitHubReporterConfig sets commit statuses on the built revisions.
type GitHubReporterConfig struct {
	Token   string `yaml:"token"`
	Context string `yaml:"context"`
}

// CollapseEnabled reports whether request collapsing is on for this
// builder (defaults to true when unset).
func (b BuilderConfig) CollapseEnabled() bool {
	return b.Collapse == nil || *b.Collapse
}

// Timeout returns the command timeout as a duration.
func (b BuilderConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// ReclaimInterval returns the reclaim interval as a duration.
func (c ClaimsConfig) ReclaimInterval() time.Duration {
	return time.Duration(c.ReclaimIntervalSeconds) * time.Second
}

// MaxAge returns the claim expiry threshold as a duration.
func (c ClaimsConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
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
	if c.Master.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			c.Master.Hostname = host
		}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "trestle"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "trestle.db"
	}
	if c.Claims.ReclaimIntervalSeconds == 0 {
		c.Claims.ReclaimIntervalSeconds = 600
	}
	if c.Claims.MaxAgeSeconds == 0 {
		c.Claims.MaxAgeSeconds = 3 * c.Claims.ReclaimIntervalSeconds
	}
	if c.Claims.SweepSchedule == "" {
		c.Claims.SweepSchedule = "*/2 * * * *"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8010
	}
	for i := range c.Builders {
		if c.Builders[i].TimeoutSeconds == 0 {
			c.Builders[i].TimeoutSeconds = 3600
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Master.Name == "" {
		errs = append(errs, "master.name is required")
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, sqlite", c.Database.Driver))
	}
	if len(c.Builders) == 0 {
		errs = append(errs, "at least one builder is required")
	}
	for i, b := range c.Builders {
		if b.Name == "" {
			errs = append(errs, fmt.Sprintf("builders[%d].name is required", i))
		}
		if len(b.Workers) == 0 {
			errs = append(errs, fmt.Sprintf("builders[%d].workers is required", i))
		}
		if len(b.Command) == 0 {
			errs = append(errs, fmt.Sprintf("builders[%d].command is required", i))
		}
	}
	// Expiry must comfortably outlast the live reclaim interval, or the
	// sweeper would release claims of healthy masters.
	if c.Claims.MaxAgeSeconds < 2*c.Claims.ReclaimIntervalSeconds {
		errs = append(errs, "claims.max_age_seconds must be at least twice claims.reclaim_interval_seconds")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
