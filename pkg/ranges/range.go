// Package ranges implements closed LogicalId intervals and the pure algorithms
// the sync loop runs over them: coalescing committed ranges, deriving the gaps
// that are still missing, and splitting a gap into bounded chunks.
package ranges

import (
	"fmt"
)

// DefaultChunkSize is the default maxSize passed to Split.
// A chunk built with it spans at most DefaultChunkSize+1 ids.
const DefaultChunkSize = 500

// Range is a closed interval [Start, End] of LogicalIds. Start <= End.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// New returns the range [start, end].
func New(start, end int) Range {
	return Range{Start: start, End: end}
}

// Len returns the number of ids covered by the range.
func (r Range) Len() int {
	return r.End - r.Start + 1
}

// Valid reports whether the range is a well-formed closed interval of positive ids.
func (r Range) Valid() bool {
	return r.Start >= 1 && r.Start <= r.End
}

// Contains reports whether id lies inside the range.
func (r Range) Contains(id int) bool {
	return id >= r.Start && id <= r.End
}

// String renders the range as "[start,end]".
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Start, r.End)
}

// Merge coalesces ranges whose End+1 equals the next range's Start.
//
// The input must be sorted by Start. Overlapping neighbours are coalesced as
// well, so a ledger that was appended to twice for the same ids still merges
// into disjoint ranges. The input slice is never modified.
func Merge(rs []Range) []Range {
	if len(rs) == 0 {
		return []Range{}
	}

	merged := make([]Range, 0, len(rs))
	cur := rs[0]
	for _, next := range rs[1:] {
		if next.Start <= cur.End+1 {
			if next.End > cur.End {
				cur.End = next.End
			}
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	return append(merged, cur)
}

// FindGaps returns the complement of committed within bounds, in ascending order.
//
// committed must be merged (sorted, disjoint). Ranges partly or wholly outside
// bounds are clipped. An empty committed slice yields the single gap bounds.
func FindGaps(committed []Range, bounds Range) []Range {
	gaps := []Range{}
	cursor := bounds.Start

	for _, r := range committed {
		if r.End < cursor {
			continue
		}
		if r.Start > bounds.End {
			break
		}
		if r.Start > cursor {
			gaps = append(gaps, Range{Start: cursor, End: r.Start - 1})
		}
		cursor = r.End + 1
		if cursor > bounds.End {
			return gaps
		}
	}

	if cursor <= bounds.End {
		gaps = append(gaps, Range{Start: cursor, End: bounds.End})
	}
	return gaps
}

// Covered returns how many ids of bounds are covered by the merged ranges.
func Covered(committed []Range, bounds Range) int {
	missing := 0
	for _, g := range FindGaps(committed, bounds) {
		missing += g.Len()
	}
	return bounds.Len() - missing
}
