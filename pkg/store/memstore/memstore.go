// Package memstore is an in-memory record store for tests and dry runs.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"

	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
)

// ErrInjected is returned by PersistAndCommit after FailNext.
var ErrInjected = errors.New("memstore: injected failure")

// Store keeps records and the ledger in memory.
type Store struct {
	mu      sync.Mutex
	records map[int]json.RawMessage
	writes  map[int]int
	ledger  []ranges.Range
	failN   int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[int]json.RawMessage),
		writes:  make(map[int]int),
	}
}

// NewWithLedger creates a store whose ledger already holds committed.
func NewWithLedger(committed ...ranges.Range) *Store {
	s := New()
	s.ledger = append(s.ledger, committed...)
	return s
}

// FailNext makes the next n PersistAndCommit calls fail without writing.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
}

// PersistAndCommit implements store.RecordStore.
func (s *Store) PersistAndCommit(ctx context.Context, records []source.Record, r ranges.Range) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failN > 0 {
		s.failN--
		return ErrInjected
	}

	for _, rec := range records {
		s.records[rec.ID] = rec.Fields
		s.writes[rec.ID]++
	}
	s.ledger = append(s.ledger, r)
	return nil
}

// LoadLedger implements store.RecordStore.
func (s *Store) LoadLedger(ctx context.Context) ([]ranges.Range, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := slices.Clone(s.ledger)
	slices.SortStableFunc(out, func(a, b ranges.Range) int {
		return a.Start - b.Start
	})
	return out, nil
}

// Close implements store.RecordStore.
func (s *Store) Close() error {
	return nil
}

// Len returns the number of distinct records stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Record returns the stored fields of id.
func (s *Store) Record(id int) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.records[id]
	return f, ok
}

// Writes returns how many times id was written.
func (s *Store) Writes(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[id]
}

// Commits returns the ledger in append order.
func (s *Store) Commits() []ranges.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ledger)
}
