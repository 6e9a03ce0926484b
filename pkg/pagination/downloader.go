package pagination

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/pagesync/pkg/index"
	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
)

// Prometheus metrics for range downloads.
var (
	pagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagesync_pages_fetched_total",
		Help: "Total number of pages fetched successfully",
	})

	rangeDownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagesync_range_download_duration_seconds",
		Help:    "Duration of a complete range download in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	rangeDownloadFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagesync_range_download_failures_total",
		Help: "Total number of range downloads that failed",
	})
)

// Config holds downloader configuration.
type Config struct {
	// MaxConcurrency is the maximum number of parallel page fetches.
	MaxConcurrency int
	// Timeout bounds a single page fetch attempt.
	Timeout time.Duration
	// Retry controls the fixed-delay retry around each page fetch.
	Retry source.RetryConfig
}

// DefaultConfig returns the default downloader configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		Timeout:        30 * time.Second,
		Retry:          source.DefaultRetryConfig(),
	}
}

// PageGroup is the set of positions requested from one page.
type PageGroup struct {
	Page      int
	Positions []int
}

// GroupByPage resolves every id in r to its coordinate and groups consecutive
// coordinates sharing a page. Groups are in ascending id order; positions
// inside a group are sorted ascending.
func GroupByPage(r ranges.Range, ix *index.Indexer) []PageGroup {
	var groups []PageGroup
	for id := r.Start; id <= r.End; id++ {
		c := ix.RevIndex(id)
		if n := len(groups); n > 0 && groups[n-1].Page == c.Page {
			groups[n-1].Positions = append(groups[n-1].Positions, c.Pos)
			continue
		}
		groups = append(groups, PageGroup{Page: c.Page, Positions: []int{c.Pos}})
	}
	for i := range groups {
		slices.Sort(groups[i].Positions)
	}
	return groups
}

// Downloader fetches LogicalId ranges page by page.
type Downloader struct {
	fetcher source.PageFetcher
	config  Config
}

// NewDownloader creates a new downloader.
func NewDownloader(fetcher source.PageFetcher, config Config) *Downloader {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 8
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Retry.Delay <= 0 {
		config.Retry.Delay = source.DefaultRetryConfig().Delay
	}

	return &Downloader{
		fetcher: fetcher,
		config:  config,
	}
}

// Download returns the records of r in ascending LogicalId order. If any page
// fails, no records are returned.
func (d *Downloader) Download(ctx context.Context, r ranges.Range, ix *index.Indexer) ([]source.Record, error) {
	start := time.Now()
	groups := GroupByPage(r, ix)

	workers := d.config.MaxConcurrency
	if workers > len(groups) {
		workers = len(groups)
	}

	log.Debug().
		Int("chunk_start", r.Start).
		Int("chunk_end", r.End).
		Int("pages", len(groups)).
		Int("workers", workers).
		Msg("Starting range download")

	queue := make(chan int, len(groups))
	for i := range groups {
		queue <- i
	}
	close(queue)

	results := make([][]source.Record, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		workerID := w
		g.Go(func() error {
			return d.worker(gctx, ix, groups, queue, results, workerID)
		})
	}

	if err := g.Wait(); err != nil {
		rangeDownloadFailuresTotal.Inc()
		log.Warn().
			Err(err).
			Int("chunk_start", r.Start).
			Int("chunk_end", r.End).
			Msg("Range download failed")
		return nil, fmt.Errorf("download %s: %w", r, err)
	}

	records := make([]source.Record, 0, r.Len())
	for _, recs := range results {
		records = append(records, recs...)
	}

	rangeDownloadDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Int("chunk_start", r.Start).
		Int("chunk_end", r.End).
		Int("records", len(records)).
		Int("pages", len(groups)).
		Dur("duration", time.Since(start)).
		Msg("Range download complete")

	return records, nil
}

// worker processes page groups from the queue until it drains or a fetch fails.
func (d *Downloader) worker(ctx context.Context, ix *index.Indexer, groups []PageGroup, queue <-chan int, results [][]source.Record, workerID int) error {
	pagesProcessed := 0

	for i := range queue {
		if err := ctx.Err(); err != nil {
			log.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return fmt.Errorf("%w: %v", source.ErrContextCancelled, err)
		}

		group := groups[i]
		page, err := d.fetchPage(ctx, group.Page)
		if err != nil {
			return err
		}

		recs, err := extract(page, group, ix)
		if err != nil {
			return err
		}
		results[i] = recs
		pagesProcessed++
		pagesFetchedTotal.Inc()
	}

	log.Debug().
		Int("worker_id", workerID).
		Int("pages_processed", pagesProcessed).
		Msg("Worker completed")
	return nil
}

// fetchPage fetches one page with a per-attempt timeout and the configured
// retry policy. An attempt that times out while ctx is still live is transient.
func (d *Downloader) fetchPage(ctx context.Context, page int) (*source.RawPage, error) {
	attempt := source.PageFetcherFunc(func(ctx context.Context, page int) (*source.RawPage, error) {
		pageCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()

		p, err := d.fetcher.FetchPage(pageCtx, page)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", source.ErrContextCancelled, err)
		}
		if err != nil && errors.Is(pageCtx.Err(), context.DeadlineExceeded) {
			return nil, &source.SourceError{
				Page:    page,
				Class:   source.ErrorClassTransient,
				Message: "page fetch timed out",
				Err:     err,
			}
		}
		return p, err
	})

	return source.FetchWithRetry(ctx, attempt, d.config.Retry, "page", page)
}

// extract picks the requested positions out of page and returns the records in
// ascending LogicalId order.
func extract(page *source.RawPage, group PageGroup, ix *index.Indexer) ([]source.Record, error) {
	recs := make([]source.Record, 0, len(group.Positions))
	for _, pos := range group.Positions {
		if pos > len(page.Items) {
			return nil, fmt.Errorf("%w: page %d has %d items, want position %d",
				source.ErrShortPage, group.Page, len(page.Items), pos)
		}
		recs = append(recs, source.Record{
			ID:     ix.Index(group.Page, pos),
			Fields: page.Items[pos-1],
		})
	}
	slices.SortFunc(recs, func(a, b source.Record) int {
		return a.ID - b.ID
	})
	return recs, nil
}
