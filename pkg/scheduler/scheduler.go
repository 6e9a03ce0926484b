// Package scheduler drives a sync run end to end: it stabilizes the source
// shape, derives the missing ranges from the ledger, splits them into chunks,
// and downloads, persists and commits each chunk before starting the next.
//
// The loop is single threaded. Parallelism lives inside the downloader, and
// every write to the store happens from the loop after a chunk's pages have
// all been collected.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagesync/pkg/index"
	"github.com/Sternrassler/pagesync/pkg/logging"
	"github.com/Sternrassler/pagesync/pkg/pagination"
	"github.com/Sternrassler/pagesync/pkg/ranges"
	"github.com/Sternrassler/pagesync/pkg/source"
	"github.com/Sternrassler/pagesync/pkg/store"
)

// Prometheus metrics for the orchestration loop.
var (
	schedulerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pagesync_scheduler_state",
		Help: "Current orchestration state (1 for the active state)",
	}, []string{"state"})

	chunksCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagesync_chunks_committed_total",
		Help: "Total number of chunks persisted and committed to the ledger",
	})

	recordsPersistedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagesync_records_persisted_total",
		Help: "Total number of records handed to the store",
	})

	persistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagesync_persist_duration_seconds",
		Help:    "Duration of a chunk's persist-and-commit in seconds",
		Buckets: prometheus.DefBuckets,
	})

	gapsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagesync_gap_ids_remaining",
		Help: "Number of ids not yet committed at the start of the current run",
	})

	runRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pagesync_run_restarts_total",
		Help: "Total number of runs restarted from the ledger after a connection error",
	})
)

// Config holds scheduler configuration.
type Config struct {
	// ItemsPerPage is the source's full page size.
	ItemsPerPage int
	// ChunkSize is the split threshold passed to ranges.Split.
	ChunkSize int
	// Download configures the per-chunk worker pool and page retry.
	Download pagination.Config
	// Shape configures total page sampling.
	Shape ShapeConfig
	// MaxRestarts bounds RunWithRestarts. Zero disables restarts.
	MaxRestarts int
	// RestartDelay is the wait before a restart.
	RestartDelay time.Duration
	// RunID tags log lines.
	RunID string
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    ranges.DefaultChunkSize,
		Download:     pagination.DefaultConfig(),
		Shape:        DefaultShapeConfig(),
		MaxRestarts:  3,
		RestartDelay: 5 * time.Second,
	}
}

// Summary describes a finished run.
type Summary struct {
	RunID            string            `json:"run_id"`
	Shape            index.SourceShape `json:"shape"`
	Bounds           ranges.Range      `json:"bounds"`
	Gaps             []ranges.Range    `json:"gaps"`
	Chunks           int               `json:"chunks"`
	ChunksCommitted  int               `json:"chunks_committed"`
	RecordsPersisted int               `json:"records_persisted"`
	Restarts         int               `json:"restarts"`
	Duration         time.Duration     `json:"duration"`
}

// Scheduler runs the sync loop against one source and one store.
type Scheduler struct {
	probe      ShapeProbe
	downloader *pagination.Downloader
	store      store.RecordStore
	config     Config
	logger     zerolog.Logger

	mu    sync.Mutex
	state State
}

// New creates a scheduler. The shape probe reads through fetcher with the
// download retry policy.
func New(fetcher source.PageFetcher, st store.RecordStore, config Config) *Scheduler {
	if config.Download.Retry.Delay <= 0 {
		config.Download.Retry.Delay = source.DefaultRetryConfig().Delay
	}
	return NewWithProbe(FetcherProbe{Fetcher: fetcher, Retry: config.Download.Retry}, fetcher, st, config)
}

// NewWithProbe creates a scheduler with a custom shape probe.
func NewWithProbe(probe ShapeProbe, fetcher source.PageFetcher, st store.RecordStore, config Config) *Scheduler {
	if config.ChunkSize <= 0 {
		config.ChunkSize = ranges.DefaultChunkSize
	}
	if config.Shape.Samples <= 0 {
		config.Shape.Samples = DefaultShapeConfig().Samples
	}
	if config.RestartDelay < 0 {
		config.RestartDelay = 0
	}
	if config.Download.Retry.Delay <= 0 {
		config.Download.Retry.Delay = source.DefaultRetryConfig().Delay
	}

	logger := logging.NewLogger("scheduler")
	if config.RunID != "" {
		logger = logging.WithRun(logger, config.RunID)
	}

	return &Scheduler{
		probe:      probe,
		downloader: pagination.NewDownloader(fetcher, config.Download),
		store:      st,
		config:     config,
		logger:     logger,
		state:      StateIdle,
	}
}

// State returns the current orchestration state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()

	for _, each := range AllStates {
		v := 0.0
		if each == st {
			v = 1
		}
		schedulerState.WithLabelValues(string(each)).Set(v)
	}
	if prev != st {
		s.logger.Debug().Str("state", string(st)).Str("from", string(prev)).Msg("State change")
	}
}

func (s *Scheduler) fail(sum *Summary, start time.Time, err error) (*Summary, error) {
	s.setState(StateFailed)
	sum.Duration = time.Since(start)
	s.logger.Error().Err(err).
		Int("chunks_committed", sum.ChunksCommitted).
		Msg("Run halted")
	return sum, err
}

// Run performs one sync pass. On error the ledger holds every chunk committed
// before the failure and nothing of the failing chunk.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{RunID: s.config.RunID}

	s.setState(StateComputingGaps)

	shape, err := StabilizeShape(ctx, s.probe, s.config.ItemsPerPage, s.config.Shape)
	if err != nil {
		return s.fail(sum, start, fmt.Errorf("stabilize shape: %w", err))
	}
	ix := index.New(shape)
	bounds := ix.TotalRange()
	sum.Shape = shape
	sum.Bounds = bounds

	committed, err := s.store.LoadLedger(ctx)
	if err != nil {
		return s.fail(sum, start, fmt.Errorf("load ledger: %w", err))
	}
	merged := ranges.Merge(committed)
	gaps := ranges.FindGaps(merged, bounds)
	sum.Gaps = gaps

	missing := bounds.Len() - ranges.Covered(merged, bounds)
	gapsRemaining.Set(float64(missing))

	s.logger.Info().
		Int("total_pages", shape.TotalPages).
		Int("total_items", shape.TotalItems()).
		Int("ledger_entries", len(committed)).
		Int("gaps", len(gaps)).
		Int("missing", missing).
		Msg("Gaps computed")

	for _, gap := range gaps {
		s.setState(StateChunking)
		chunks := ranges.Split(gap, s.config.ChunkSize)
		sum.Chunks += len(chunks)

		s.logger.Debug().
			Str("gap", gap.String()).
			Int("chunks", len(chunks)).
			Msg("Gap chunked")

		for _, chunk := range chunks {
			n, err := s.processChunk(ctx, chunk, ix)
			if err != nil {
				return s.fail(sum, start, err)
			}
			sum.ChunksCommitted++
			sum.RecordsPersisted += n
			missing -= chunk.Len()
			gapsRemaining.Set(float64(missing))
		}
	}

	s.setState(StateIdle)
	sum.Duration = time.Since(start)

	s.logger.Info().
		Int("chunks_committed", sum.ChunksCommitted).
		Int("records", sum.RecordsPersisted).
		Dur("duration", sum.Duration).
		Msg("Run complete")
	return sum, nil
}

// processChunk downloads, persists and commits chunk, returning the number of
// records handed to the store.
func (s *Scheduler) processChunk(ctx context.Context, chunk ranges.Range, ix *index.Indexer) (int, error) {
	logger := s.logger.With().
		Int("chunk_start", chunk.Start).
		Int("chunk_end", chunk.End).
		Logger()

	s.setState(StateDownloading)
	records, err := s.downloader.Download(ctx, chunk, ix)
	if err != nil {
		return 0, fmt.Errorf("download chunk %s: %w", chunk, err)
	}

	s.setState(StatePersisting)
	persistStart := time.Now()
	if err := s.store.PersistAndCommit(ctx, records, chunk); err != nil {
		return 0, fmt.Errorf("%w: chunk %s: %w", store.ErrPersist, chunk, err)
	}
	persistDuration.Observe(time.Since(persistStart).Seconds())

	s.setState(StateCommitting)
	chunksCommittedTotal.Inc()
	recordsPersistedTotal.Add(float64(len(records)))

	logger.Info().
		Int("records", len(records)).
		Dur("persist_duration", time.Since(persistStart)).
		Msg("Chunk committed")
	return len(records), nil
}

// RunWithRestarts runs until a pass completes, restarting from the ledger
// after connection errors up to MaxRestarts times. Other errors end the run.
// The returned summary describes the last pass, with committed chunks and
// records counted across all passes.
func (s *Scheduler) RunWithRestarts(ctx context.Context) (*Summary, error) {
	restarts := 0
	var chunksBefore, recordsBefore int
	for {
		sum, err := s.Run(ctx)
		if sum != nil {
			sum.Restarts = restarts
			sum.ChunksCommitted += chunksBefore
			sum.RecordsPersisted += recordsBefore
			chunksBefore, recordsBefore = sum.ChunksCommitted, sum.RecordsPersisted
		}
		if err == nil || !Restartable(err) || restarts >= s.config.MaxRestarts {
			return sum, err
		}

		restarts++
		runRestartsTotal.Inc()
		s.logger.Warn().Err(err).
			Int("restart", restarts).
			Int("max_restarts", s.config.MaxRestarts).
			Dur("delay", s.config.RestartDelay).
			Msg("Connection lost, restarting from ledger")

		timer := time.NewTimer(s.config.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return sum, fmt.Errorf("%w: %v", source.ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}

// Restartable reports whether err calls for a fresh pass from the ledger.
func Restartable(err error) bool {
	if errors.Is(err, store.ErrPersist) || errors.Is(err, source.ErrContextCancelled) {
		return false
	}
	return source.IsConnection(err)
}
