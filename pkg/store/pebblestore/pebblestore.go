// Package pebblestore is an embedded record store on Pebble. A chunk's record
// keys and its ledger key are written in one batch, so a crash leaves either
// all of them or none.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
)

const (
	recordPrefix = "r/"
	ledgerPrefix = "l/"
)

// ErrNotFound is returned by Record for ids that were never stored.
var ErrNotFound = errors.New("pebblestore: record not found")

// Options configures the Pebble store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Sync forces a WAL fsync on every committed chunk.
	Sync bool
	// FS overrides the filesystem (vfs.NewMem() in tests).
	FS vfs.FS
}

// Store wraps a Pebble database.
type Store struct {
	db        *pebble.DB
	writeSync bool
}

// Open creates or opens a Pebble database.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: DataDir is required")
	}

	po := &pebble.Options{}
	if opts.FS != nil {
		po.FS = opts.FS
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, writeSync: opts.Sync}, nil
}

func recordKey(id int) []byte {
	return []byte(fmt.Sprintf("%s%020d", recordPrefix, id))
}

func ledgerKey(r ranges.Range) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d", ledgerPrefix, r.Start, r.End))
}

func parseLedgerKey(key []byte) (ranges.Range, error) {
	parts := strings.Split(strings.TrimPrefix(string(key), ledgerPrefix), "/")
	if len(parts) != 2 {
		return ranges.Range{}, fmt.Errorf("malformed ledger key %q", key)
	}
	start, err := strconv.Atoi(parts[0])
	if err != nil {
		return ranges.Range{}, fmt.Errorf("ledger key %q: %w", key, err)
	}
	end, err := strconv.Atoi(parts[1])
	if err != nil {
		return ranges.Range{}, fmt.Errorf("ledger key %q: %w", key, err)
	}
	return ranges.Range{Start: start, End: end}, nil
}

// PersistAndCommit implements store.RecordStore.
func (s *Store) PersistAndCommit(ctx context.Context, records []source.Record, r ranges.Range) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	for _, rec := range records {
		if err := b.Set(recordKey(rec.ID), rec.Fields, nil); err != nil {
			return fmt.Errorf("batch set record %d: %w", rec.ID, err)
		}
	}
	if err := b.Set(ledgerKey(r), nil, nil); err != nil {
		return fmt.Errorf("batch set ledger %s: %w", r, err)
	}

	syncMode := pebble.NoSync
	if s.writeSync {
		syncMode = pebble.Sync
	}
	return b.Commit(syncMode)
}

// LoadLedger implements store.RecordStore. Keys are zero padded, so the
// iteration order is ascending start.
func (s *Store) LoadLedger(ctx context.Context) ([]ranges.Range, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(ledgerPrefix),
		UpperBound: []byte("l0"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []ranges.Range
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := parseLedgerKey(iter.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

// Record returns a copy of the stored fields of id.
func (s *Store) Record(id int) ([]byte, error) {
	val, closer, err := s.db.Get(recordKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Close implements store.RecordStore.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
