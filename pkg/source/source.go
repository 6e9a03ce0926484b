// Package source defines the contract between the sync core and a remote
// paginated data source: the page payload, the fetcher interface, the error
// taxonomy, and the retry loop wrapped around every page fetch.
package source

import (
	"context"
	"encoding/json"
)

// RawPage is one decoded page of the source.
type RawPage struct {
	Success    bool              `json:"success"`
	TotalPages int               `json:"total_pages"`
	ItemCount  int               `json:"item_count"`
	Items      []json.RawMessage `json:"data"`
}

// Validate reports a transient error for pages the source marks as failed or
// returns without records. The upstream is known to do both under load.
func (p *RawPage) Validate(page int) error {
	if p == nil {
		return &SourceError{Page: page, Class: ErrorClassTransient, Message: "nil page"}
	}
	if !p.Success {
		return &SourceError{Page: page, Class: ErrorClassTransient, Message: "source reported failure"}
	}
	if p.ItemCount == 0 || len(p.Items) == 0 {
		return &SourceError{Page: page, Class: ErrorClassTransient, Message: "empty record set"}
	}
	return nil
}

// Record is one harvested record. Fields is passed to stores unchanged.
type Record struct {
	ID     int             `json:"id"`
	Fields json.RawMessage `json:"fields"`
}

// PageFetcher fetches a single page by number.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int) (*RawPage, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, page int) (*RawPage, error)

// FetchPage calls f.
func (f PageFetcherFunc) FetchPage(ctx context.Context, page int) (*RawPage, error) {
	return f(ctx, page)
}
