package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/pagesync/pkg/store"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Source.BodyPrefixLen != 13 {
		t.Errorf("expected default body prefix 13, got %d", cfg.Source.BodyPrefixLen)
	}
	if cfg.Sync.ChunkSize != 500 {
		t.Errorf("expected default chunk size 500, got %d", cfg.Sync.ChunkSize)
	}
	if cfg.Sync.ShapeSamples != 3 {
		t.Errorf("expected default shape samples 3, got %d", cfg.Sync.ShapeSamples)
	}
	if cfg.Sync.MaxAttempts != 0 {
		t.Errorf("expected unbounded retry by default, got %d attempts", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.RetryDelay != 2*time.Second {
		t.Errorf("expected default retry delay 2s, got %v", cfg.Sync.RetryDelay)
	}
	if cfg.Store.Driver != store.DriverMemory {
		t.Errorf("expected memory driver, got %q", cfg.Store.Driver)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected info log level, got %q", cfg.Log.Level)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yamlContent := `
source:
  url_template: "https://example.org/list?page={page}"
  items_per_page: 50
  body_prefix_len: 0
  timeout: 10s
sync:
  chunk_size: 250
  concurrency: 4
  retry_delay: 500ms
  max_attempts: 7
store:
  driver: pebble
  path: /var/lib/pagesync
lock:
  redis_addr: localhost:6379
  ttl: 1m
log:
  level: debug
  pretty: true
metrics:
  addr: ":9090"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Source.ItemsPerPage != 50 {
		t.Errorf("expected items per page 50, got %d", cfg.Source.ItemsPerPage)
	}
	if cfg.Source.BodyPrefixLen != 0 {
		t.Errorf("expected explicit body prefix 0, got %d", cfg.Source.BodyPrefixLen)
	}
	if cfg.Source.Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %v", cfg.Source.Timeout)
	}
	if cfg.Sync.ChunkSize != 250 || cfg.Sync.Concurrency != 4 {
		t.Errorf("unexpected sync section: %+v", cfg.Sync)
	}
	if cfg.Sync.RetryDelay != 500*time.Millisecond {
		t.Errorf("expected retry delay 500ms, got %v", cfg.Sync.RetryDelay)
	}
	if cfg.Sync.ShapeSamples != 3 {
		t.Errorf("unset shape_samples should keep default 3, got %d", cfg.Sync.ShapeSamples)
	}
	if cfg.Store.Driver != store.DriverPebble || cfg.Store.Path != "/var/lib/pagesync" {
		t.Errorf("unexpected store section: %+v", cfg.Store)
	}
	if cfg.Lock.TTL != time.Minute {
		t.Errorf("expected lock ttl 1m, got %v", cfg.Lock.TTL)
	}
	if cfg.Lock.Key != "pagesync:lock" {
		t.Errorf("unset lock key should keep default, got %q", cfg.Lock.Key)
	}
	if !cfg.Log.Pretty || cfg.Log.Level != "debug" {
		t.Errorf("unexpected log section: %+v", cfg.Log)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("expected metrics addr :9090, got %q", cfg.Metrics.Addr)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("expected error for invalid YAML")
	}

	if err := os.WriteFile(configPath, []byte("sync:\n  retry_delay: soon\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(configPath); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PAGESYNC_URL_TEMPLATE", "http://src/{page}")
	t.Setenv("PAGESYNC_ITEMS_PER_PAGE", "20")
	t.Setenv("PAGESYNC_CHUNK_SIZE", "100")
	t.Setenv("PAGESYNC_RETRY_DELAY", "3s")
	t.Setenv("PAGESYNC_STORE_DRIVER", "postgres")
	t.Setenv("PAGESYNC_STORE_DSN", "postgres://localhost/pagesync")
	t.Setenv("PAGESYNC_REQUESTS_PER_SECOND", "2.5")
	t.Setenv("PAGESYNC_LOG_PRETTY", "1")

	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Source.URLTemplate != "http://src/{page}" {
		t.Errorf("URLTemplate = %q", cfg.Source.URLTemplate)
	}
	if cfg.Source.ItemsPerPage != 20 {
		t.Errorf("ItemsPerPage = %d, want 20", cfg.Source.ItemsPerPage)
	}
	if cfg.Sync.ChunkSize != 100 {
		t.Errorf("ChunkSize = %d, want 100", cfg.Sync.ChunkSize)
	}
	if cfg.Sync.RetryDelay != 3*time.Second {
		t.Errorf("RetryDelay = %v, want 3s", cfg.Sync.RetryDelay)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN == "" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Source.RequestsPerSecond != 2.5 {
		t.Errorf("RequestsPerSecond = %v, want 2.5", cfg.Source.RequestsPerSecond)
	}
	if !cfg.Log.Pretty {
		t.Error("expected pretty logging")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PAGESYNC_ITEMS_PER_PAGE", "many"},
		{"PAGESYNC_RETRY_DELAY", "later"},
		{"PAGESYNC_REQUESTS_PER_SECOND", "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg := Default()
			err := cfg.LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("LoadFromEnv() error = %v, want mention of %s", err, tt.key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Source.URLTemplate = "http://src/list?page={page}"
		cfg.Source.ItemsPerPage = 50
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.Source.URLTemplate = "" }, wantErr: "url_template is required"},
		{name: "url without placeholder", mutate: func(c *Config) { c.Source.URLTemplate = "http://src" }, wantErr: "{page}"},
		{name: "no page size", mutate: func(c *Config) { c.Source.ItemsPerPage = 0 }, wantErr: "items_per_page"},
		{name: "negative prefix", mutate: func(c *Config) { c.Source.BodyPrefixLen = -1 }, wantErr: "body_prefix_len"},
		{name: "zero chunk", mutate: func(c *Config) { c.Sync.ChunkSize = 0 }, wantErr: "chunk_size"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Sync.Concurrency = 0 }, wantErr: "concurrency"},
		{name: "zero retry delay", mutate: func(c *Config) { c.Sync.RetryDelay = 0 }, wantErr: "retry_delay"},
		{name: "negative retry delay", mutate: func(c *Config) { c.Sync.RetryDelay = -time.Second }, wantErr: "retry_delay"},
		{name: "lock ttl too short", mutate: func(c *Config) { c.Lock.RedisAddr = "localhost:6379"; c.Lock.TTL = 2 * time.Nanosecond }, wantErr: "lock.ttl"},
		{name: "lock ttl ignored without redis", mutate: func(c *Config) { c.Lock.TTL = 0 }},
		{name: "negative attempts", mutate: func(c *Config) { c.Sync.MaxAttempts = -1 }, wantErr: "max_attempts"},
		{name: "zero samples", mutate: func(c *Config) { c.Sync.ShapeSamples = 0 }, wantErr: "shape_samples"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Driver = store.DriverPostgres }, wantErr: "store.dsn"},
		{name: "pebble without path", mutate: func(c *Config) { c.Store.Driver = store.DriverPebble }, wantErr: "store.path"},
		{name: "redis without addr", mutate: func(c *Config) { c.Store.Driver = store.DriverRedis }, wantErr: "store.redis_addr"},
		{name: "blob without url", mutate: func(c *Config) { c.Store.Driver = store.DriverBlob }, wantErr: "store.bucket_url"},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, wantErr: "unknown store driver"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_UnknownDriverIsSentinel(t *testing.T) {
	cfg := Default()
	cfg.Source.URLTemplate = "http://src/{page}"
	cfg.Source.ItemsPerPage = 1
	cfg.Store.Driver = "mongo"
	if err := cfg.Validate(); !errors.Is(err, store.ErrUnknownDriver) {
		t.Errorf("Validate() error = %v, want ErrUnknownDriver", err)
	}
}

func TestDerivedConfigs(t *testing.T) {
	cfg := Default()
	cfg.Source.URLTemplate = "http://src/{page}"
	cfg.Source.ItemsPerPage = 50
	cfg.Sync.MaxAttempts = 4

	cc := cfg.ClientConfig()
	if cc.URLTemplate != cfg.Source.URLTemplate || cc.BodyPrefixLen != 13 {
		t.Errorf("ClientConfig() = %+v", cc)
	}

	sc := cfg.SchedulerConfig("run-1")
	if sc.RunID != "run-1" || sc.ItemsPerPage != 50 {
		t.Errorf("SchedulerConfig() = %+v", sc)
	}
	if !sc.Download.Retry.Bounded() || sc.Download.Retry.MaxAttempts != 4 {
		t.Errorf("retry = %+v, want 4 bounded attempts", sc.Download.Retry)
	}

	lc := cfg.LoggingConfig()
	if lc.Level != "info" {
		t.Errorf("LoggingConfig().Level = %q", lc.Level)
	}
}
