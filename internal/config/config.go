// Package config loads configuration from DIAL_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "DIAL_"

// Config holds the resource store server configuration.
type Config struct {
	// MetricsAddr serves /metrics and /healthz.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Cache tier
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisMaxIdle  int    `env:"REDIS_MAX_IDLE" envDefault:"16"`
	// Namespace prefixes every cache and lock key of this deployment.
	Namespace string `env:"NAMESPACE"`

	// Locks ("redis" or "nats")
	LockBackend string        `env:"LOCK_BACKEND" envDefault:"redis"`
	LockLease   time.Duration `env:"LOCK_LEASE" envDefault:"5m"`
	NATSURL     string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSBucket  string        `env:"NATS_LOCK_BUCKET" envDefault:"dial-locks"`

	// Durable storage ("local", "s3", "gcs", "azure" or "postgres")
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"local"`
	// StorageConfig is the backend's JSON configuration. When empty, the
	// local backend uses LocalStoragePath.
	StorageConfig    string `env:"STORAGE_CONFIG"`
	LocalStoragePath string `env:"LOCAL_STORAGE_PATH" envDefault:"/data/storage"`

	// BucketSecret seals bucket ids; empty leaves them as plain base64.
	BucketSecret string `env:"BUCKET_SECRET"`

	// Sync scheduler
	SyncWorkers int `env:"SYNC_WORKERS" envDefault:"4"`

	Documents StoreConfig `envPrefix:"DOCUMENTS_"`
	Files     StoreConfig `envPrefix:"FILES_"`
}

// StoreConfig holds the options of one resource family.
type StoreConfig struct {
	MaxSize            int64         `env:"MAX_SIZE" envDefault:"67108864"`
	SyncPeriod         time.Duration `env:"SYNC_PERIOD" envDefault:"1m"`
	SyncDelay          time.Duration `env:"SYNC_DELAY" envDefault:"2m"`
	SyncBatch          int           `env:"SYNC_BATCH" envDefault:"4096"`
	CacheExpiration    time.Duration `env:"CACHE_EXPIRATION" envDefault:"5m"`
	CompressionMinSize int           `env:"COMPRESSION_MIN_SIZE" envDefault:"256"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads configuration from environ, or the process environment
// when environ is nil.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the parser cannot.
func (c *Config) Validate() error {
	switch c.LockBackend {
	case "redis":
	case "nats":
		if c.NATSURL == "" {
			return fmt.Errorf("DIAL_NATS_URL is required for the nats lock backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.LockBackend)
	}
	switch c.StorageBackend {
	case "local", "s3", "gcs", "azure", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.StorageBackend != "local" && c.StorageConfig == "" {
		return fmt.Errorf("DIAL_STORAGE_CONFIG is required for the %s backend", c.StorageBackend)
	}
	if c.StorageConfig != "" && !json.Valid([]byte(c.StorageConfig)) {
		return fmt.Errorf("DIAL_STORAGE_CONFIG is not valid JSON")
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("DIAL_LOCK_LEASE must be positive")
	}
	for name, sc := range map[string]StoreConfig{"DOCUMENTS": c.Documents, "FILES": c.Files} {
		if sc.SyncPeriod <= 0 {
			return fmt.Errorf("DIAL_%s_SYNC_PERIOD must be positive", name)
		}
		if sc.SyncBatch <= 0 {
			return fmt.Errorf("DIAL_%s_SYNC_BATCH must be positive", name)
		}
	}
	return nil
}

// StorageJSON returns the durable backend configuration.
func (c *Config) StorageJSON() (json.RawMessage, error) {
	if c.StorageConfig != "" {
		return json.RawMessage(c.StorageConfig), nil
	}
	return json.Marshal(map[string]any{
		"root_path":   c.LocalStoragePath,
		"create_dirs": true,
	})
}

// SyncPeriod is the shortest sync period of the resource families.
func (c *Config) SyncPeriod() time.Duration {
	return min(c.Documents.SyncPeriod, c.Files.SyncPeriod)
}
