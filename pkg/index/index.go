// Package index maps stable LogicalIds to physical page coordinates of a
// paginated source and back.
//
// The source lists its newest records on its last page, which may be only
// partially filled. LogicalId 1 is the newest record and TotalItems is the
// oldest, so ids already harvested keep their meaning as new records are
// appended to the source.
package index

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/pagesync/pkg/ranges"
)

// ErrInvalidShape is returned by SourceShape.Validate.
var ErrInvalidShape = errors.New("invalid source shape")

// SourceShape is a snapshot of the source's pagination, captured once per run.
type SourceShape struct {
	TotalPages        int `json:"total_pages"`
	ItemsPerPage      int `json:"items_per_page"`
	LastPageItemCount int `json:"last_page_item_count"`
}

// TotalItems returns the number of records the shape describes.
func (s SourceShape) TotalItems() int {
	return (s.TotalPages-1)*s.ItemsPerPage + s.LastPageItemCount
}

// Validate checks that the shape can back an Indexer.
func (s SourceShape) Validate() error {
	switch {
	case s.TotalPages < 1:
		return fmt.Errorf("%w: total pages %d < 1", ErrInvalidShape, s.TotalPages)
	case s.ItemsPerPage < 1:
		return fmt.Errorf("%w: items per page %d < 1", ErrInvalidShape, s.ItemsPerPage)
	case s.LastPageItemCount < 1 || s.LastPageItemCount > s.ItemsPerPage:
		return fmt.Errorf("%w: last page item count %d outside [1,%d]",
			ErrInvalidShape, s.LastPageItemCount, s.ItemsPerPage)
	}
	return nil
}

// Coordinate is the physical location of a record: a 1-based page number and
// a 1-based position inside that page's item list.
type Coordinate struct {
	Page int `json:"page"`
	Pos  int `json:"pos"`
}

// String renders the coordinate as "page:pos".
func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%d", c.Page, c.Pos)
}

// Indexer is a pure bijection between LogicalIds and Coordinates for one shape.
// Inputs are assumed in range; callers derive them from TotalRange.
type Indexer struct {
	shape SourceShape
}

// New creates an Indexer for shape.
func New(shape SourceShape) *Indexer {
	return &Indexer{shape: shape}
}

// Shape returns the shape the indexer was built from.
func (ix *Indexer) Shape() SourceShape {
	return ix.shape
}

// Index returns the LogicalId of the record at (page, pos).
func (ix *Indexer) Index(page, pos int) int {
	s := ix.shape
	if page == s.TotalPages {
		return s.LastPageItemCount - pos + 1
	}
	return (s.TotalPages-page-1)*s.ItemsPerPage + s.LastPageItemCount + (s.ItemsPerPage - pos + 1)
}

// RevIndex returns the coordinate holding id.
func (ix *Indexer) RevIndex(id int) Coordinate {
	s := ix.shape
	if id <= s.LastPageItemCount {
		return Coordinate{Page: s.TotalPages, Pos: s.LastPageItemCount - id + 1}
	}

	cleaned := id - s.LastPageItemCount
	relativePos := cleaned % s.ItemsPerPage
	relativePage := cleaned / s.ItemsPerPage
	// Exact multiples land one page too far without this.
	if relativePos == 0 {
		relativePage--
		relativePos = s.ItemsPerPage
	}

	return Coordinate{
		Page: s.TotalPages - 1 - relativePage,
		Pos:  s.ItemsPerPage - relativePos + 1,
	}
}

// TotalRange returns [1, TotalItems].
func (ix *Indexer) TotalRange() ranges.Range {
	return ranges.Range{Start: 1, End: ix.shape.TotalItems()}
}
