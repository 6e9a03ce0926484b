package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/cockroachdb/pebble/vfs"

	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DataDir: "db", FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func records(r ranges.Range) []source.Record {
	var out []source.Record
	for id := r.Start; id <= r.End; id++ {
		out = append(out, source.Record{ID: id, Fields: json.RawMessage(fmt.Sprintf(`{"id":%d}`, id))})
	}
	return out
}

func TestOpen_RequiresDataDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatal("expected error for empty DataDir")
	}
}

func TestStore_PersistAndLoad(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()

	// Appended out of order; the ledger must come back by ascending start.
	for _, r := range []ranges.Range{{Start: 1003, End: 1503}, {Start: 1, End: 501}, {Start: 502, End: 1002}} {
		if err := s.PersistAndCommit(ctx, records(r), r); err != nil {
			t.Fatalf("PersistAndCommit(%v) error = %v", r, err)
		}
	}

	ledger, err := s.LoadLedger(ctx)
	if err != nil {
		t.Fatalf("LoadLedger() error = %v", err)
	}
	want := []ranges.Range{{Start: 1, End: 501}, {Start: 502, End: 1002}, {Start: 1003, End: 1503}}
	if !reflect.DeepEqual(ledger, want) {
		t.Errorf("LoadLedger() = %v, want %v", ledger, want)
	}

	got, err := s.Record(777)
	if err != nil {
		t.Fatalf("Record(777) error = %v", err)
	}
	if string(got) != `{"id":777}` {
		t.Errorf("Record(777) = %s", got)
	}
}

func TestStore_EmptyLedger(t *testing.T) {
	s := openMem(t)

	ledger, err := s.LoadLedger(context.Background())
	if err != nil {
		t.Fatalf("LoadLedger() error = %v", err)
	}
	if len(ledger) != 0 {
		t.Errorf("LoadLedger() = %v, want empty", ledger)
	}
}

func TestStore_RecordNotFound(t *testing.T) {
	s := openMem(t)

	if _, err := s.Record(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Record(1) error = %v, want ErrNotFound", err)
	}
}

func TestStore_CancelledContextWritesNothing(t *testing.T) {
	s := openMem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := ranges.New(1, 5)
	if err := s.PersistAndCommit(ctx, records(r), r); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	ledger, _ := s.LoadLedger(context.Background())
	if len(ledger) != 0 {
		t.Errorf("ledger = %v, want empty", ledger)
	}
	if _, err := s.Record(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("record 1 stored despite cancelled commit")
	}
}

func TestParseLedgerKey(t *testing.T) {
	r := ranges.New(12, 3456)
	got, err := parseLedgerKey(ledgerKey(r))
	if err != nil {
		t.Fatalf("parseLedgerKey() error = %v", err)
	}
	if got != r {
		t.Errorf("parseLedgerKey() = %v, want %v", got, r)
	}

	if _, err := parseLedgerKey([]byte("l/garbage")); err == nil {
		t.Error("expected error for malformed key")
	}
}
