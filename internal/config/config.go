// Package config handles configuration loading and validation for
// FileFlow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fileflow/fileflow/pkg/bytesize"
)

// StorageConfig selects and configures the storage backend. Backend is
// resolved once at startup; switching backends requires a restart.
type StorageConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=local object-store"`

	// Local backend
	RootDir string `yaml:"root_dir"`

	// Object-store backend
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`

	// Signing secret for local presigned URLs
	URLSecret string `yaml:"url_secret"`
	URLExpiry string `yaml:"url_expiry"` // Duration string, e.g. "15m"
}

// QuotaConfig tunes the quota ledger.
type QuotaConfig struct {
	DefaultQuota   bytesize.Size `yaml:"default_quota" validate:"min=0"` // Granted to new users, e.g. "10Gi"
	MinQuota       bytesize.Size `yaml:"min_quota" validate:"min=0"`
	ReservationTTL string        `yaml:"reservation_ttl"` // Duration string, e.g. "1h"
	SweepInterval  string        `yaml:"sweep_interval"`
}

// NotifyConfig tunes notification delivery and retries.
type NotifyConfig struct {
	RetryBackoff  string `yaml:"retry_backoff"`  // Minimum age before redelivery
	SweepInterval string `yaml:"sweep_interval"` // Retry sweep period
	RedisAddr     string `yaml:"redis_addr"`     // Optional shared presence cache
	RedisPassword string `yaml:"redis_password"`
}

// SearchConfig configures the optional full-text backend.
type SearchConfig struct {
	IndexDir string `yaml:"index_dir"` // Empty disables full-text search
}

// UploadConfig tunes chunked upload sessions.
type UploadConfig struct {
	SessionTTL    string `yaml:"session_ttl"`
	SweepInterval string `yaml:"sweep_interval"`
}

// Config is the root server configuration.
type Config struct {
	Listen  string        `yaml:"listen" validate:"required"`
	DataDir string        `yaml:"data_dir" validate:"required"`
	Storage StorageConfig `yaml:"storage"`
	Quota   QuotaConfig   `yaml:"quota"`
	Notify  NotifyConfig  `yaml:"notify"`
	Search  SearchConfig  `yaml:"search"`
	Upload  UploadConfig  `yaml:"upload"`
}

var validate = validator.New()

// Load reads configuration from a YAML file, applies defaults, and
// validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied, used when
// no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/fileflow"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.RootDir == "" {
		c.Storage.RootDir = filepath.Join(c.DataDir, "objects")
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Storage.URLExpiry == "" {
		c.Storage.URLExpiry = "15m"
	}

	if c.Quota.DefaultQuota == 0 {
		c.Quota.DefaultQuota = bytesize.Size(10 * bytesize.GB)
	}
	if c.Quota.MinQuota == 0 {
		c.Quota.MinQuota = bytesize.Size(bytesize.GB)
	}
	if c.Quota.ReservationTTL == "" {
		c.Quota.ReservationTTL = "1h"
	}
	if c.Quota.SweepInterval == "" {
		c.Quota.SweepInterval = "5m"
	}

	if c.Notify.RetryBackoff == "" {
		c.Notify.RetryBackoff = "1m"
	}
	if c.Notify.SweepInterval == "" {
		c.Notify.SweepInterval = "3m"
	}

	if c.Upload.SessionTTL == "" {
		c.Upload.SessionTTL = "1h"
	}
	if c.Upload.SweepInterval == "" {
		c.Upload.SweepInterval = "10m"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Storage.Backend == "object-store" {
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("object-store backend requires endpoint and bucket")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("object-store backend requires access_key and secret_key")
		}
	}

	for name, v := range map[string]string{
		"storage.url_expiry":    c.Storage.URLExpiry,
		"quota.reservation_ttl": c.Quota.ReservationTTL,
		"quota.sweep_interval":  c.Quota.SweepInterval,
		"notify.retry_backoff":  c.Notify.RetryBackoff,
		"notify.sweep_interval": c.Notify.SweepInterval,
		"upload.session_ttl":    c.Upload.SessionTTL,
		"upload.sweep_interval": c.Upload.SweepInterval,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s duration %q: %w", name, v, err)
		}
	}
	return nil
}

// Duration parses a duration field that has already passed Validate.
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}
