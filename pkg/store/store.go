// Package store defines the durable side of a sync: the record store that
// persists a chunk's records and appends its range to the ledger in one
// atomic step, and a factory selecting one of the bundled drivers.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
	"github.com/Sternrassler/pagesync/pkg/store/blobstore"
	"github.com/Sternrassler/pagesync/pkg/store/memstore"
	"github.com/Sternrassler/pagesync/pkg/store/pebblestore"
	"github.com/Sternrassler/pagesync/pkg/store/pgstore"
	"github.com/Sternrassler/pagesync/pkg/store/redisstore"
)

// ErrPersist marks a failed persist-and-commit. Nothing of the chunk was
// written when it is returned.
var ErrPersist = errors.New("persist and commit failed")

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown store driver")

// RecordStore persists records together with the ledger of committed ranges.
type RecordStore interface {
	// PersistAndCommit stores records and appends r to the ledger atomically.
	PersistAndCommit(ctx context.Context, records []source.Record, r ranges.Range) error

	// LoadLedger returns committed ranges in ascending start order, unmerged.
	LoadLedger(ctx context.Context) ([]ranges.Range, error)

	// Close releases the store's resources.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverPebble   = "pebble"
	DriverRedis    = "redis"
	DriverBlob     = "blob"
)

// Config selects and configures a driver.
type Config struct {
	Driver string `yaml:"driver"`

	// Postgres
	DSN        string `yaml:"dsn"`
	Schema     string `yaml:"schema"`
	MaxConns   int    `yaml:"max_conns"`
	ViaBouncer bool   `yaml:"via_bouncer"`

	// Pebble
	Path string `yaml:"path"`

	// Redis
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`

	// Blob
	BucketURL string `yaml:"bucket_url"`
}

// Open creates the store described by cfg. runID is recorded with ledger
// entries by drivers that keep per-entry metadata.
func Open(ctx context.Context, cfg Config, runID string) (RecordStore, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return memstore.New(), nil

	case DriverPostgres:
		s, err := pgstore.Open(ctx, pgstore.Options{
			DSN:        cfg.DSN,
			Schema:     cfg.Schema,
			MaxConns:   cfg.MaxConns,
			ViaBouncer: cfg.ViaBouncer,
			RunID:      runID,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		return s, nil

	case DriverPebble:
		s, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.Path, Sync: true})
		if err != nil {
			return nil, fmt.Errorf("open pebble store: %w", err)
		}
		return s, nil

	case DriverRedis:
		s, err := redisstore.Open(ctx, redisstore.Options{
			Addr:      cfg.RedisAddr,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil

	case DriverBlob:
		s, err := blobstore.Open(ctx, cfg.BucketURL, cfg.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
