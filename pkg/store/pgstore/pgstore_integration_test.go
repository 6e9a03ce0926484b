//go:build integration

package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
)

// setupPostgres starts a Postgres container and returns a connected store.
func setupPostgres(t *testing.T) (*Store, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "pagesync",
			"POSTGRES_PASSWORD": "pagesync",
			"POSTGRES_DB":       "pagesync",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://pagesync:pagesync@%s:%s/pagesync?sslmode=disable", host, port.Port())
	s, err := Open(ctx, Options{DSN: dsn, Schema: "harvest", RunID: "test-run"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	cleanup := func() {
		s.Close()
		container.Terminate(ctx)
	}
	return s, cleanup
}

func records(r ranges.Range) []source.Record {
	var out []source.Record
	for id := r.Start; id <= r.End; id++ {
		out = append(out, source.Record{ID: id, Fields: json.RawMessage(fmt.Sprintf(`{"id":%d}`, id))})
	}
	return out
}

func TestStore_Integration_PersistAndLoad(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	for _, r := range []ranges.Range{{Start: 502, End: 1000}, {Start: 1, End: 501}} {
		if err := s.PersistAndCommit(ctx, records(r), r); err != nil {
			t.Fatalf("PersistAndCommit(%v) error = %v", r, err)
		}
	}

	ledger, err := s.LoadLedger(ctx)
	if err != nil {
		t.Fatalf("LoadLedger() error = %v", err)
	}
	want := []ranges.Range{{Start: 1, End: 501}, {Start: 502, End: 1000}}
	if !reflect.DeepEqual(ledger, want) {
		t.Errorf("LoadLedger() = %v, want %v", ledger, want)
	}

	n, err := s.CountRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1000 {
		t.Errorf("CountRecords() = %d, want 1000", n)
	}
}

func TestStore_Integration_AtomicOnFailure(t *testing.T) {
	s, cleanup := setupPostgres(t)
	defer cleanup()
	ctx := context.Background()

	bad := records(ranges.New(1, 10))
	bad[5].Fields = json.RawMessage(`{not json`)

	if err := s.PersistAndCommit(ctx, bad, ranges.New(1, 10)); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}

	ledger, err := s.LoadLedger(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ledger) != 0 {
		t.Errorf("ledger = %v, want empty after rollback", ledger)
	}
	n, err := s.CountRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("CountRecords() = %d, want 0 after rollback", n)
	}
}
