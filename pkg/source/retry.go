package source

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagesync_fetch_retries_total",
		Help: "Total number of page fetch retries by operation",
	}, []string{"op"})

	fetchRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagesync_fetch_retry_exhausted_total",
		Help: "Total number of times a bounded retry budget ran out by operation",
	}, []string{"op"})
)

// RetryConfig holds the configuration for the fixed-delay retry loop.
type RetryConfig struct {
	// Delay is the wait between attempts. Non-positive values use the
	// default delay.
	Delay time.Duration

	// MaxAttempts bounds the number of attempts, including the first.
	// Zero retries forever.
	MaxAttempts int
}

// DefaultRetryConfig returns the default retry configuration: retry forever,
// two seconds apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Delay:       2 * time.Second,
		MaxAttempts: 0,
	}
}

// Bounded reports whether the configuration has a finite retry budget.
func (c RetryConfig) Bounded() bool {
	return c.MaxAttempts > 0
}

// Retry runs fn until it succeeds, returns a non-transient error, the context
// is cancelled, or a bounded budget runs out. Transient errors are followed by
// a fixed delay.
func Retry(ctx context.Context, cfg RetryConfig, op string, fn func(ctx context.Context) error) error {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultRetryConfig().Delay
	}
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Debug().
					Str("op", op).
					Int("attempt", attempt).
					Msg("Fetch succeeded after retry")
			}
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if cfg.Bounded() && attempt >= cfg.MaxAttempts {
			break
		}

		fetchRetriesTotal.WithLabelValues(op).Inc()
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt).
			Dur("delay", cfg.Delay).
			Msg("Transient source error, retrying")

		timer := time.NewTimer(cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	fetchRetryExhaustedTotal.WithLabelValues(op).Inc()
	log.Error().
		Str("op", op).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, cfg.MaxAttempts, lastErr)
}

// FetchWithRetry fetches page through f, treating decode errors, reported
// failures and empty pages as transient.
func FetchWithRetry(ctx context.Context, f PageFetcher, cfg RetryConfig, op string, page int) (*RawPage, error) {
	var result *RawPage
	err := Retry(ctx, cfg, op, func(ctx context.Context) error {
		p, err := f.FetchPage(ctx, page)
		if err != nil {
			return err
		}
		if err := p.Validate(page); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
