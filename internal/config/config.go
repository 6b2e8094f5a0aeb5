package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// vCenter connection
	VCenterURL      string `mapstructure:"vcenter-url"`
	VCenterUsername string `mapstructure:"vcenter-username"`
	VCenterPassword string `mapstructure:"vcenter-password"`
	Insecure        bool   `mapstructure:"insecure"`
	Datacenter      string `mapstructure:"datacenter"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory for templates fetched from S3
	WorkDir string `mapstructure:"work-dir"`

	// S3 configuration
	S3Region    string `mapstructure:"s3-region"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// Transfer
	Parallel         bool          `mapstructure:"parallel"`
	Workers          int           `mapstructure:"workers"`
	PollInterval     time.Duration `mapstructure:"poll-interval"`
	LeaseTimeout     time.Duration `mapstructure:"lease-timeout"`
	ProgressInterval time.Duration `mapstructure:"progress-interval"`

	// Security limits, 0 disables a limit
	MaxDiskSize  int64 `mapstructure:"max-disk-size"`
	MaxTotalSize int64 `mapstructure:"max-total-size"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("insecure", false)
	viper.SetDefault("sqlite-path", ".artifacts/deployments.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("work-dir", "/tmp/ovfdeploy")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("parallel", false)
	viper.SetDefault("workers", 4)
	viper.SetDefault("poll-interval", 100*time.Millisecond)
	viper.SetDefault("lease-timeout", time.Duration(0))
	viper.SetDefault("progress-interval", 5*time.Second)
	viper.SetDefault("max-disk-size", int64(0))
	viper.SetDefault("max-total-size", int64(0))
	viper.SetDefault("log-level", "info")

	// Environment variables (will be OVFDEPLOY_VCENTER_URL, etc.)
	viper.SetEnvPrefix("OVFDEPLOY")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.ovfdeploy")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.LeaseTimeout < 0 {
		return fmt.Errorf("lease-timeout must be non-negative")
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress-interval must be positive")
	}
	if c.MaxDiskSize < 0 || c.MaxTotalSize < 0 {
		return fmt.Errorf("size limits must be non-negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// ValidateEndpoint checks the settings needed to talk to vCenter
func (c *Config) ValidateEndpoint() error {
	if c.VCenterURL == "" {
		return fmt.Errorf("vcenter-url cannot be empty")
	}
	if c.VCenterUsername == "" {
		return fmt.Errorf("vcenter-username cannot be empty")
	}
	return nil
}

// SlogLevel parses LogLevel
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("invalid log-level %q", c.LogLevel)
	}
	return level, nil
}
