package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
)

// setupTestRedis connects to a local Redis and skips the test if none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func records(r ranges.Range) []source.Record {
	var out []source.Record
	for id := r.Start; id <= r.End; id++ {
		out = append(out, source.Record{ID: id, Fields: json.RawMessage(fmt.Sprintf(`{"id":%d}`, id))})
	}
	return out
}

func TestNew_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("New should panic with nil redis client")
		}
	}()
	New(nil, "")
}

func TestNew_DefaultPrefix(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	s := New(client, "")
	if s.recordsKey() != "pagesync:records" {
		t.Errorf("recordsKey() = %q", s.recordsKey())
	}
	if s.ledgerKey() != "pagesync:ledger" {
		t.Errorf("ledgerKey() = %q", s.ledgerKey())
	}
}

func TestOpen_RequiresAddr(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Fatal("expected error for empty Addr")
	}
}

func TestParseMember(t *testing.T) {
	tests := []struct {
		in      string
		want    ranges.Range
		wantErr bool
	}{
		{in: "1-501", want: ranges.New(1, 501)},
		{in: "1504-2000", want: ranges.New(1504, 2000)},
		{in: "garbage", wantErr: true},
		{in: "x-2", wantErr: true},
		{in: "1-y", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMember(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseMember(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseMember(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestStore_PersistAndLoad(t *testing.T) {
	client := setupTestRedis(t)
	s := New(client, "test")
	ctx := context.Background()

	for _, r := range []ranges.Range{{Start: 502, End: 1002}, {Start: 1, End: 501}, {Start: 1003, End: 1100}} {
		if err := s.PersistAndCommit(ctx, records(r), r); err != nil {
			t.Fatalf("PersistAndCommit(%v) error = %v", r, err)
		}
	}

	ledger, err := s.LoadLedger(ctx)
	if err != nil {
		t.Fatalf("LoadLedger() error = %v", err)
	}
	want := []ranges.Range{{Start: 1, End: 501}, {Start: 502, End: 1002}, {Start: 1003, End: 1100}}
	if !reflect.DeepEqual(ledger, want) {
		t.Errorf("LoadLedger() = %v, want %v", ledger, want)
	}

	n, err := s.CountRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1100 {
		t.Errorf("CountRecords() = %d, want 1100", n)
	}

	got, err := s.Record(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if got != `{"id":42}` {
		t.Errorf("Record(42) = %s", got)
	}
	if _, err := s.Record(ctx, 5000); !errors.Is(err, redis.Nil) {
		t.Errorf("Record(5000) error = %v, want redis.Nil", err)
	}
}

func TestStore_EmptyChunkCommitsLedger(t *testing.T) {
	client := setupTestRedis(t)
	s := New(client, "test")
	ctx := context.Background()

	if err := s.PersistAndCommit(ctx, nil, ranges.New(7, 9)); err != nil {
		t.Fatalf("PersistAndCommit() error = %v", err)
	}
	ledger, err := s.LoadLedger(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ledger, []ranges.Range{{Start: 7, End: 9}}) {
		t.Errorf("LoadLedger() = %v", ledger)
	}
}
