// Package testutil provides testing utilities for pagesync.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Sternrassler/pagesync/pkg/index"
	"github.com/Sternrassler/pagesync/pkg/source"
)

// ItemFields is the JSON body of every record served by the fakes. ID is the
// record's LogicalId under the shape the fake was built with.
type ItemFields struct {
	ID   int `json:"id"`
	Page int `json:"page"`
	Pos  int `json:"pos"`
}

// BuildPage returns the page the fakes serve for page number p of shape.
func BuildPage(shape index.SourceShape, p int) *source.RawPage {
	ix := index.New(shape)
	n := shape.ItemsPerPage
	if p == shape.TotalPages {
		n = shape.LastPageItemCount
	}
	items := make([]json.RawMessage, 0, n)
	for pos := 1; pos <= n; pos++ {
		b, _ := json.Marshal(ItemFields{ID: ix.Index(p, pos), Page: p, Pos: pos})
		items = append(items, b)
	}
	return &source.RawPage{
		Success:    true,
		TotalPages: shape.TotalPages,
		ItemCount:  n,
		Items:      items,
	}
}

// FakeSource is an in-memory source.PageFetcher for a fixed shape.
type FakeSource struct {
	mu    sync.Mutex
	shape index.SourceShape

	// failures holds the number of transient failures left per page.
	failures map[int]int
	// errs holds a permanent error per page.
	errs map[int]error
	// totalPages overrides TotalPages for successive fetches, consumed in order.
	totalPages []int

	fetches map[int]int
}

// NewFakeSource creates a fake source serving shape.
func NewFakeSource(shape index.SourceShape) *FakeSource {
	return &FakeSource{
		shape:    shape,
		failures: make(map[int]int),
		errs:     make(map[int]error),
		fetches:  make(map[int]int),
	}
}

// FailTransiently makes the next n fetches of page report an empty record set.
func (f *FakeSource) FailTransiently(page, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[page] = n
}

// FailWith makes every fetch of page return err.
func (f *FakeSource) FailWith(page int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[page] = err
}

// SetTotalPagesSequence makes successive fetches report these total page
// counts, falling back to the shape once exhausted.
func (f *FakeSource) SetTotalPagesSequence(values ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totalPages = append([]int(nil), values...)
}

// FetchPage implements source.PageFetcher.
func (f *FakeSource) FetchPage(ctx context.Context, page int) (*source.RawPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[page]++

	if err, ok := f.errs[page]; ok {
		return nil, err
	}
	if page < 1 || page > f.shape.TotalPages {
		return nil, &source.SourceError{Page: page, Class: source.ErrorClassFatal, StatusCode: 404, Message: "no such page"}
	}
	if f.failures[page] > 0 {
		f.failures[page]--
		return &source.RawPage{Success: true, TotalPages: f.shape.TotalPages}, nil
	}

	p := BuildPage(f.shape, page)
	if len(f.totalPages) > 0 {
		p.TotalPages = f.totalPages[0]
		f.totalPages = f.totalPages[1:]
	}
	return p, nil
}

// Fetches returns how many times page was requested.
func (f *FakeSource) Fetches(page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[page]
}

// TotalFetches returns the number of page requests across all pages.
func (f *FakeSource) TotalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.fetches {
		total += n
	}
	return total
}

// DecodeItem unmarshals a record's fields produced by the fakes.
func DecodeItem(rec source.Record) (ItemFields, error) {
	var item ItemFields
	if err := json.Unmarshal(rec.Fields, &item); err != nil {
		return ItemFields{}, fmt.Errorf("decode record %d: %w", rec.ID, err)
	}
	return item, nil
}
