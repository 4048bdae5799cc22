// Package config loads the daemon configuration from file, environment, and
// defaults, in that order of increasing precedence for the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage selects and parameterizes the persistence driver.
type Storage struct {
	Driver string `mapstructure:"driver"` // memory | sqlite | postgres
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres DSN
}

// Cache bounds the security-aware cache.
type Cache struct {
	Capacity      int           `mapstructure:"capacity"`
	MaxBytes      int64         `mapstructure:"max_bytes"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Sync bounds the sync engine.
type Sync struct {
	RemoteURL         string        `mapstructure:"remote_url"`
	Token             string        `mapstructure:"token"`
	OfflineQueueLimit int           `mapstructure:"offline_queue_limit"`
	BatchSize         int           `mapstructure:"batch_size"`
	SubBatchSize      int           `mapstructure:"sub_batch_size"`
	Concurrency       int           `mapstructure:"concurrency"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	Debounce          time.Duration `mapstructure:"debounce"`
	PullPageLimit     int           `mapstructure:"pull_page_limit"`
}

// CDS parameterizes the approval workflow.
type CDS struct {
	RequiredApprovals int  `mapstructure:"required_approvals"`
	DistinctApprovers bool `mapstructure:"distinct_approvers"`
}

// MAC parameterizes the access engine.
type MAC struct {
	DecisionTTL time.Duration `mapstructure:"decision_ttl"`
}

// Archive parameterizes audit archival.
type Archive struct {
	Enabled       bool          `mapstructure:"enabled"`
	Bucket        string        `mapstructure:"bucket"`
	Region        string        `mapstructure:"region"`
	Endpoint      string        `mapstructure:"endpoint"`
	PathStyle     bool          `mapstructure:"path_style"`
	Prefix        string        `mapstructure:"prefix"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Config is the daemon's full configuration.
type Config struct {
	ListenAddr string  `mapstructure:"listen_addr"`
	Storage    Storage `mapstructure:"storage"`
	Cache      Cache   `mapstructure:"cache"`
	Sync       Sync    `mapstructure:"sync"`
	CDS        CDS     `mapstructure:"cds"`
	MAC        MAC     `mapstructure:"mac"`
	Archive    Archive `mapstructure:"archive"`
}

// Load reads the configuration. Environment variables use the POLYSTORE_
// prefix with underscores for nesting (POLYSTORE_STORAGE_DRIVER). A missing
// config file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POLYSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("polystore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/polystore")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for values the daemon cannot run
// with.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return errors.New("storage.path required for sqlite driver")
	}
	if c.Cache.Capacity < 0 || c.Cache.MaxBytes < 0 {
		return errors.New("cache bounds must be non-negative")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("archive.bucket required when archiving is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "polystore.db")
	// Empty defaults keep env-only keys visible to Unmarshal.
	v.SetDefault("storage.dsn", "")
	v.SetDefault("sync.remote_url", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.path_style", false)
	v.SetDefault("cache.capacity", 1024)
	v.SetDefault("cache.max_bytes", int64(64<<20))
	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("sync.offline_queue_limit", 1000)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.sub_batch_size", 10)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.base_delay", 2*time.Second)
	v.SetDefault("sync.debounce", 500*time.Millisecond)
	v.SetDefault("sync.pull_page_limit", 200)
	v.SetDefault("cds.required_approvals", 2)
	v.SetDefault("cds.distinct_approvers", false)
	v.SetDefault("mac.decision_ttl", 5*time.Minute)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "audit/")
	v.SetDefault("archive.flush_interval", time.Minute)
}
