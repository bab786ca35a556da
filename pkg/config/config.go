package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/internal/bonding"
	"github.com/srg/bledm/pkg/connection"
	"gopkg.in/yaml.v3"
)

// Config holds device manager configuration
type Config struct {
	LogLevel         logrus.Level       `yaml:"log_level" toml:"log_level" json:"log_level"`
	MaxConnections   int                `yaml:"max_connections" toml:"max_connections" json:"max_connections" default:"4"`
	MaxPairedDevices int                `yaml:"max_paired_devices" toml:"max_paired_devices" json:"max_paired_devices" default:"8"`
	MaxSubscribers   int                `yaml:"max_subscribers" toml:"max_subscribers" json:"max_subscribers" default:"2"`
	StorageDir       string             `yaml:"storage_dir" toml:"storage_dir" json:"storage_dir" default:".bledm"`
	LocalAddress     string             `yaml:"local_address" toml:"local_address" json:"local_address"`
	Policy           *connection.Policy `yaml:"policy,omitempty" toml:"policy,omitempty" json:"policy,omitempty"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	cfg.Policy = nil // opt-in; auto-reply stays off until a policy is configured
	return cfg
}

// Load reads a YAML (.yaml/.yml) or TOML (.toml) file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("config load failed (%s): unsupported format %q", path, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Validate checks capacities and the optional policy
func (c *Config) Validate() error {
	if c.MaxConnections < 1 || c.MaxConnections > 0xFF {
		return fmt.Errorf("max_connections %d outside 1..255", c.MaxConnections)
	}
	if c.MaxPairedDevices < 1 || c.MaxPairedDevices > bonding.MaxCapacity {
		return fmt.Errorf("max_paired_devices %d outside 1..%d", c.MaxPairedDevices, bonding.MaxCapacity)
	}
	if c.MaxSubscribers < 1 {
		return fmt.Errorf("max_subscribers %d must be positive", c.MaxSubscribers)
	}
	if c.Policy != nil {
		if err := c.Policy.Validate(); err != nil {
			return fmt.Errorf("policy: %w", err)
		}
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
