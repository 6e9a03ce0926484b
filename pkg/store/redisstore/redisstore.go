// Package redisstore keeps records in a Redis hash and the ledger in a sorted
// set scored by range start. Both writes of a chunk go through one MULTI/EXEC.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
)

// DefaultKeyPrefix namespaces the store's keys.
const DefaultKeyPrefix = "pagesync"

// Options configures the Redis store.
type Options struct {
	Addr      string
	DB        int
	KeyPrefix string
}

// Store persists records and the ledger in Redis.
type Store struct {
	redis  *redis.Client
	prefix string
	owned  bool
}

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redisstore: Addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, DB: opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := New(client, opts.KeyPrefix)
	s.owned = true
	return s, nil
}

// New wraps an existing client. The client is not closed by Close.
func New(client *redis.Client, prefix string) *Store {
	if client == nil {
		panic("redisstore: redis client is nil")
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{redis: client, prefix: prefix}
}

func (s *Store) recordsKey() string { return s.prefix + ":records" }
func (s *Store) ledgerKey() string  { return s.prefix + ":ledger" }

func member(r ranges.Range) string {
	return strconv.Itoa(r.Start) + "-" + strconv.Itoa(r.End)
}

func parseMember(m string) (ranges.Range, error) {
	a, b, ok := strings.Cut(m, "-")
	if !ok {
		return ranges.Range{}, fmt.Errorf("malformed ledger member %q", m)
	}
	start, err := strconv.Atoi(a)
	if err != nil {
		return ranges.Range{}, fmt.Errorf("ledger member %q: %w", m, err)
	}
	end, err := strconv.Atoi(b)
	if err != nil {
		return ranges.Range{}, fmt.Errorf("ledger member %q: %w", m, err)
	}
	return ranges.Range{Start: start, End: end}, nil
}

// PersistAndCommit implements store.RecordStore.
func (s *Store) PersistAndCommit(ctx context.Context, records []source.Record, r ranges.Range) error {
	fields := make(map[string]interface{}, len(records))
	for _, rec := range records {
		fields[strconv.Itoa(rec.ID)] = string(rec.Fields)
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(fields) > 0 {
			pipe.HSet(ctx, s.recordsKey(), fields)
		}
		pipe.ZAdd(ctx, s.ledgerKey(), redis.Z{Score: float64(r.Start), Member: member(r)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit chunk %s: %w", r, err)
	}
	return nil
}

// LoadLedger implements store.RecordStore.
func (s *Store) LoadLedger(ctx context.Context) ([]ranges.Range, error) {
	zs, err := s.redis.ZRangeWithScores(ctx, s.ledgerKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	out := make([]ranges.Range, 0, len(zs))
	for _, z := range zs {
		m, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected ledger member type %T", z.Member)
		}
		r, err := parseMember(m)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	// Equal scores sort by member text, which is not numeric order.
	slices.SortStableFunc(out, func(a, b ranges.Range) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})
	return out, nil
}

// Record returns the stored fields of id, or redis.Nil if absent.
func (s *Store) Record(ctx context.Context, id int) (string, error) {
	return s.redis.HGet(ctx, s.recordsKey(), strconv.Itoa(id)).Result()
}

// CountRecords returns the number of stored records.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	return s.redis.HLen(ctx, s.recordsKey()).Result()
}

// Close implements store.RecordStore.
func (s *Store) Close() error {
	if s.owned {
		return s.redis.Close()
	}
	return nil
}
