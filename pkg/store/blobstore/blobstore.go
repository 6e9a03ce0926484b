// Package blobstore writes each committed chunk as one JSON Lines object in a
// gocloud.dev bucket. The object's existence is the ledger entry: a blob
// writer only publishes the object on a successful Close, so an aborted chunk
// leaves nothing behind.
package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
)

const chunkDir = "chunks/"

// Store persists chunks into a bucket under a key prefix.
type Store struct {
	bucket *blob.Bucket
	prefix string
	owned  bool
}

// Open opens bucketURL (file://, mem://) and returns a store rooted at prefix.
func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	if bucketURL == "" {
		return nil, errors.New("blobstore: bucket URL is required")
	}
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	s := New(bkt, prefix)
	s.owned = true
	return s, nil
}

// New wraps an open bucket. The bucket is not closed by Close.
func New(bucket *blob.Bucket, prefix string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{bucket: bucket, prefix: prefix}
}

func (s *Store) chunkKey(r ranges.Range) string {
	return fmt.Sprintf("%s%s%020d-%020d.jsonl", s.prefix, chunkDir, r.Start, r.End)
}

func (s *Store) parseChunkKey(key string) (ranges.Range, error) {
	name := strings.TrimPrefix(key, s.prefix+chunkDir)
	name = strings.TrimSuffix(name, ".jsonl")
	var r ranges.Range
	if _, err := fmt.Sscanf(name, "%d-%d", &r.Start, &r.End); err != nil {
		return ranges.Range{}, fmt.Errorf("malformed chunk key %q: %w", key, err)
	}
	return r, nil
}

// PersistAndCommit implements store.RecordStore.
func (s *Store) PersistAndCommit(ctx context.Context, records []source.Record, r ranges.Range) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, s.chunkKey(r), &blob.WriterOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("open chunk writer: %w", err)
	}

	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			// Cancelling before Close discards the partial object.
			cancel()
			_ = w.Close()
			return fmt.Errorf("encode record %d: %w", rec.ID, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit chunk %s: %w", r, err)
	}
	return nil
}

// LoadLedger implements store.RecordStore.
func (s *Store) LoadLedger(ctx context.Context) ([]ranges.Range, error) {
	var out []ranges.Range
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix + chunkDir})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list chunks: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".jsonl") {
			continue
		}
		r, err := s.parseChunkKey(obj.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b ranges.Range) int {
		if a.Start != b.Start {
			return a.Start - b.Start
		}
		return a.End - b.End
	})
	return out, nil
}

// ReadChunk returns the records stored for a committed range.
func (s *Store) ReadChunk(ctx context.Context, r ranges.Range) ([]source.Record, error) {
	rd, err := s.bucket.NewReader(ctx, s.chunkKey(r), nil)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	var out []source.Record
	dec := json.NewDecoder(rd)
	for {
		var rec source.Record
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decode chunk %s: %w", r, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements store.RecordStore.
func (s *Store) Close() error {
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}
