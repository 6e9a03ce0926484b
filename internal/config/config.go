// Package config loads the pagesync configuration from a YAML file and
// PAGESYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/pagesync/pkg/client"
	"github.com/Sternrassler/pagesync/pkg/lock"
	"github.com/Sternrassler/pagesync/pkg/logging"
	"github.com/Sternrassler/pagesync/pkg/pagination"
	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/scheduler"
	"github.com/Sternrassler/pagesync/pkg/source"
	"github.com/Sternrassler/pagesync/pkg/store"
)

// Config is the full pagesync configuration.
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Sync    SyncConfig    `yaml:"sync"`
	Store   store.Config  `yaml:"store"`
	Lock    LockConfig    `yaml:"lock"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// SourceConfig describes the remote paginated source.
type SourceConfig struct {
	URLTemplate       string        `yaml:"url_template"`
	UserAgent         string        `yaml:"user_agent"`
	ItemsPerPage      int           `yaml:"items_per_page"`
	BodyPrefixLen     int           `yaml:"body_prefix_len"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// SyncConfig tunes the orchestration loop.
type SyncConfig struct {
	ChunkSize    int           `yaml:"chunk_size"`
	Concurrency  int           `yaml:"concurrency"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
	ShapeSamples int           `yaml:"shape_samples"`
	ShapeDelay   time.Duration `yaml:"shape_delay"`
	MaxRestarts  int           `yaml:"max_restarts"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

// LockConfig enables the Redis run lock when RedisAddr is set.
type LockConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	Key       string        `yaml:"key"`
	TTL       time.Duration `yaml:"ttl"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig enables the /metrics listener when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a Config with defaults for everything but the source URL
// and page size.
func Default() Config {
	dl := pagination.DefaultConfig()
	sc := scheduler.DefaultConfig()
	cc := client.DefaultConfig("")

	return Config{
		Source: SourceConfig{
			UserAgent:     cc.UserAgent,
			BodyPrefixLen: cc.BodyPrefixLen,
			Timeout:       cc.Timeout,
			Burst:         cc.Burst,
		},
		Sync: SyncConfig{
			ChunkSize:    ranges.DefaultChunkSize,
			Concurrency:  dl.MaxConcurrency,
			RetryDelay:   dl.Retry.Delay,
			MaxAttempts:  dl.Retry.MaxAttempts,
			ShapeSamples: sc.Shape.Samples,
			ShapeDelay:   sc.Shape.Delay,
			MaxRestarts:  sc.MaxRestarts,
			RestartDelay: sc.RestartDelay,
		},
		Store: store.Config{
			Driver: store.DriverMemory,
		},
		Lock: LockConfig{
			Key: "pagesync:lock",
			TTL: lock.DefaultTTL,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// LoadFromFile reads a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies PAGESYNC_* environment variables over c.
func (c *Config) LoadFromEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("PAGESYNC_URL_TEMPLATE", &c.Source.URLTemplate)
	str("PAGESYNC_USER_AGENT", &c.Source.UserAgent)
	str("PAGESYNC_STORE_DRIVER", &c.Store.Driver)
	str("PAGESYNC_STORE_DSN", &c.Store.DSN)
	str("PAGESYNC_STORE_PATH", &c.Store.Path)
	str("PAGESYNC_STORE_REDIS_ADDR", &c.Store.RedisAddr)
	str("PAGESYNC_STORE_BUCKET_URL", &c.Store.BucketURL)
	str("PAGESYNC_LOCK_REDIS_ADDR", &c.Lock.RedisAddr)
	str("PAGESYNC_LOG_LEVEL", &c.Log.Level)
	str("PAGESYNC_METRICS_ADDR", &c.Metrics.Addr)

	if v := os.Getenv("PAGESYNC_LOG_PRETTY"); v != "" {
		c.Log.Pretty = v == "true" || v == "1"
	}
	if v := os.Getenv("PAGESYNC_REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse PAGESYNC_REQUESTS_PER_SECOND: %w", err)
		}
		c.Source.RequestsPerSecond = f
	}

	for key, dst := range map[string]*int{
		"PAGESYNC_ITEMS_PER_PAGE":  &c.Source.ItemsPerPage,
		"PAGESYNC_BODY_PREFIX_LEN": &c.Source.BodyPrefixLen,
		"PAGESYNC_CHUNK_SIZE":      &c.Sync.ChunkSize,
		"PAGESYNC_CONCURRENCY":     &c.Sync.Concurrency,
		"PAGESYNC_MAX_ATTEMPTS":    &c.Sync.MaxAttempts,
		"PAGESYNC_SHAPE_SAMPLES":   &c.Sync.ShapeSamples,
		"PAGESYNC_MAX_RESTARTS":    &c.Sync.MaxRestarts,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"PAGESYNC_TIMEOUT":       &c.Source.Timeout,
		"PAGESYNC_RETRY_DELAY":   &c.Sync.RetryDelay,
		"PAGESYNC_SHAPE_DELAY":   &c.Sync.ShapeDelay,
		"PAGESYNC_RESTART_DELAY": &c.Sync.RestartDelay,
		"PAGESYNC_LOCK_TTL":      &c.Lock.TTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the settings a sync run needs.
func (c *Config) Validate() error {
	var errs []error

	if c.Source.URLTemplate == "" {
		errs = append(errs, errors.New("source.url_template is required"))
	} else if !strings.Contains(c.Source.URLTemplate, client.PagePlaceholder) {
		errs = append(errs, fmt.Errorf("source.url_template must contain %s", client.PagePlaceholder))
	}
	if c.Source.ItemsPerPage <= 0 {
		errs = append(errs, errors.New("source.items_per_page must be positive"))
	}
	if c.Source.BodyPrefixLen < 0 {
		errs = append(errs, errors.New("source.body_prefix_len must be >= 0"))
	}
	if c.Sync.ChunkSize <= 0 {
		errs = append(errs, errors.New("sync.chunk_size must be positive"))
	}
	if c.Sync.Concurrency <= 0 {
		errs = append(errs, errors.New("sync.concurrency must be positive"))
	}
	if c.Sync.RetryDelay <= 0 {
		errs = append(errs, errors.New("sync.retry_delay must be positive"))
	}
	if c.Sync.MaxAttempts < 0 {
		errs = append(errs, errors.New("sync.max_attempts must be >= 0"))
	}
	if c.Sync.ShapeSamples <= 0 {
		errs = append(errs, errors.New("sync.shape_samples must be positive"))
	}
	if c.Sync.MaxRestarts < 0 {
		errs = append(errs, errors.New("sync.max_restarts must be >= 0"))
	}
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}
	if c.Lock.RedisAddr != "" && c.Lock.TTL < lock.MinTTL {
		errs = append(errs, fmt.Errorf("lock.ttl must be at least %v", lock.MinTTL))
	}
	if err := logging.ValidLevel(logging.LogLevel(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateStore checks that the selected store driver has its settings.
func (c *Config) ValidateStore() error {
	s := c.Store
	switch s.Driver {
	case "", store.DriverMemory:
	case store.DriverPostgres:
		if s.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	case store.DriverPebble:
		if s.Path == "" {
			return errors.New("store.path is required for the pebble driver")
		}
	case store.DriverRedis:
		if s.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis driver")
		}
	case store.DriverBlob:
		if s.BucketURL == "" {
			return errors.New("store.bucket_url is required for the blob driver")
		}
	default:
		return fmt.Errorf("%w: %q", store.ErrUnknownDriver, s.Driver)
	}
	return nil
}

// ClientConfig returns the HTTP page client configuration.
func (c *Config) ClientConfig() client.Config {
	return client.Config{
		URLTemplate:       c.Source.URLTemplate,
		UserAgent:         c.Source.UserAgent,
		BodyPrefixLen:     c.Source.BodyPrefixLen,
		Timeout:           c.Source.Timeout,
		RequestsPerSecond: c.Source.RequestsPerSecond,
		Burst:             c.Source.Burst,
	}
}

// SchedulerConfig returns the scheduler configuration for a run.
func (c *Config) SchedulerConfig(runID string) scheduler.Config {
	return scheduler.Config{
		ItemsPerPage: c.Source.ItemsPerPage,
		ChunkSize:    c.Sync.ChunkSize,
		Download: pagination.Config{
			MaxConcurrency: c.Sync.Concurrency,
			Timeout:        c.Source.Timeout,
			Retry: source.RetryConfig{
				Delay:       c.Sync.RetryDelay,
				MaxAttempts: c.Sync.MaxAttempts,
			},
		},
		Shape: scheduler.ShapeConfig{
			Samples: c.Sync.ShapeSamples,
			Delay:   c.Sync.ShapeDelay,
		},
		MaxRestarts:  c.Sync.MaxRestarts,
		RestartDelay: c.Sync.RestartDelay,
		RunID:        runID,
	}
}

// LoggingConfig returns the zerolog setup for c.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}
