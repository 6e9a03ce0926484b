// Package pgstore is a PostgreSQL record store built on pgx. Each chunk is
// written in one transaction: the record inserts and the ledger row commit
// together or not at all.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
)

// Options configures the Postgres store.
type Options struct {
	DSN string
	// Schema holding the records and ledger tables. Default "public".
	Schema string
	// MaxConns caps the pool size. Default 2.
	MaxConns int
	// ViaBouncer switches to the simple protocol for transaction poolers.
	ViaBouncer bool
	// RunID is stored on every ledger row.
	RunID string
}

// Store persists records and ledger rows in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	runID  string
}

// Open connects a pool for opts.DSN.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, errors.New("pgstore: DSN is required")
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 2
	}
	cfg.MaxConns = int32(opts.MaxConns)
	if opts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return New(pool, opts.Schema, opts.RunID), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, schema, runID string) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{pool: pool, schema: schema, runID: runID}
}

func (s *Store) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// EnsureSchema creates the schema and tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.table("records") + ` (
			id         BIGINT PRIMARY KEY,
			fields     JSONB NOT NULL,
			fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.table("ledger") + ` (
			id           BIGSERIAL PRIMARY KEY,
			range_start  BIGINT NOT NULL,
			range_end    BIGINT NOT NULL,
			run_id       TEXT NOT NULL DEFAULT '',
			committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (range_start <= range_end)
		)`,
		`CREATE INDEX IF NOT EXISTS ledger_start_idx ON ` + s.table("ledger") + ` (range_start)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// PersistAndCommit implements store.RecordStore.
func (s *Store) PersistAndCommit(ctx context.Context, records []source.Record, r ranges.Range) error {
	recordsTable := s.table("records")
	ledgerTable := s.table("ledger")

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, rec := range records {
			b.Queue(
				`INSERT INTO `+recordsTable+` (id, fields) VALUES ($1, $2)
				ON CONFLICT (id) DO NOTHING`,
				int64(rec.ID), string(rec.Fields),
			)
		}
		b.Queue(
			`INSERT INTO `+ledgerTable+` (range_start, range_end, run_id) VALUES ($1, $2, $3)`,
			int64(r.Start), int64(r.End), s.runID,
		)

		br := tx.SendBatch(ctx, b)
		for i := 0; i < b.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("batch statement %d: %w", i, err)
			}
		}
		return br.Close()
	})
}

// LoadLedger implements store.RecordStore.
func (s *Store) LoadLedger(ctx context.Context) ([]ranges.Range, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT range_start, range_end FROM `+s.table("ledger")+` ORDER BY range_start, range_end`)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ranges.Range, error) {
		var start, end int64
		err := row.Scan(&start, &end)
		return ranges.Range{Start: int(start), End: int(end)}, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return out, nil
}

// CountRecords returns the number of stored records.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+s.table("records")).Scan(&n)
	return n, err
}

// Close implements store.RecordStore.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
