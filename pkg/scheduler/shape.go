package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/pagesync/pkg/index"
	"github.com/Sternrassler/pagesync/pkg/source"
)

// ShapeConfig controls total page sampling.
type ShapeConfig struct {
	// Samples is the number of total page reads voted on. Default 3.
	Samples int
	// Delay is the wait between two reads.
	Delay time.Duration
}

// DefaultShapeConfig returns three samples one second apart.
func DefaultShapeConfig() ShapeConfig {
	return ShapeConfig{Samples: 3, Delay: time.Second}
}

// ShapeProbe reads the parameters of a SourceShape from the source.
type ShapeProbe interface {
	// ReadTotalPages returns the total page count the source reports now.
	ReadTotalPages(ctx context.Context) (int, error)
	// ReadLastPageItemCount returns the number of items on page totalPages.
	ReadLastPageItemCount(ctx context.Context, totalPages int) (int, error)
}

// FetcherProbe implements ShapeProbe over a PageFetcher. Every read goes
// through the transient retry loop.
type FetcherProbe struct {
	Fetcher source.PageFetcher
	Retry   source.RetryConfig
}

// ReadTotalPages reads the total page count from page 1.
func (p FetcherProbe) ReadTotalPages(ctx context.Context) (int, error) {
	page, err := source.FetchWithRetry(ctx, p.Fetcher, p.Retry, "probe_total_pages", 1)
	if err != nil {
		return 0, err
	}
	if page.TotalPages < 1 {
		return 0, fmt.Errorf("%w: source reports %d total pages", index.ErrInvalidShape, page.TotalPages)
	}
	return page.TotalPages, nil
}

// ReadLastPageItemCount fetches the last page and counts its items.
func (p FetcherProbe) ReadLastPageItemCount(ctx context.Context, totalPages int) (int, error) {
	page, err := source.FetchWithRetry(ctx, p.Fetcher, p.Retry, "probe_last_page", totalPages)
	if err != nil {
		return 0, err
	}
	return len(page.Items), nil
}

// MajorityVote returns the most frequent value. Ties go to the value seen
// first. It returns 0 for no samples.
func MajorityVote(samples []int) int {
	counts := make(map[int]int, len(samples))
	best, bestCount := 0, 0
	for _, v := range samples {
		counts[v]++
	}
	for _, v := range samples {
		if counts[v] > bestCount {
			best, bestCount = v, counts[v]
		}
	}
	return best
}

// StabilizeShape samples the total page count cfg.Samples times, votes on it,
// then reads the last page's item count for the winning total.
func StabilizeShape(ctx context.Context, probe ShapeProbe, itemsPerPage int, cfg ShapeConfig) (index.SourceShape, error) {
	n := cfg.Samples
	if n <= 0 {
		n = DefaultShapeConfig().Samples
	}

	samples := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 && cfg.Delay > 0 {
			timer := time.NewTimer(cfg.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return index.SourceShape{}, fmt.Errorf("%w: %v", source.ErrContextCancelled, ctx.Err())
			case <-timer.C:
			}
		}
		tp, err := probe.ReadTotalPages(ctx)
		if err != nil {
			return index.SourceShape{}, fmt.Errorf("read total pages (sample %d): %w", i+1, err)
		}
		samples = append(samples, tp)
	}

	totalPages := MajorityVote(samples)
	log.Debug().
		Ints("samples", samples).
		Int("total_pages", totalPages).
		Msg("Total page count stabilized")

	last, err := probe.ReadLastPageItemCount(ctx, totalPages)
	if err != nil {
		return index.SourceShape{}, fmt.Errorf("read last page item count: %w", err)
	}

	shape := index.SourceShape{
		TotalPages:        totalPages,
		ItemsPerPage:      itemsPerPage,
		LastPageItemCount: last,
	}
	if err := shape.Validate(); err != nil {
		return index.SourceShape{}, err
	}
	return shape, nil
}
