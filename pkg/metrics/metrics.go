// Package metrics exposes the Prometheus metrics of pagesync. The metrics
// themselves are declared with promauto in the packages that own them
// (source, client, pagination, scheduler, lock) so this package carries no
// import of them; it documents them and serves the registry over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the registerer every pagesync metric is registered with.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes Handler on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Metrics Documentation
//
// Fetch retry (pkg/source):
//   - pagesync_fetch_retries_total{op} (Counter): transient failures followed by a retry
//   - pagesync_fetch_retry_exhausted_total{op} (Counter): bounded retry budgets that ran out
//
// HTTP page client (pkg/client):
//   - pagesync_http_requests_total{status} (Counter): page requests by HTTP status
//   - pagesync_http_request_duration_seconds (Histogram): page request latency
//   - pagesync_http_errors_total{class} (Counter): failed requests by error class
//
// Downloads (pkg/pagination):
//   - pagesync_pages_fetched_total (Counter): pages fetched and extracted
//   - pagesync_range_download_duration_seconds (Histogram): chunk download time
//   - pagesync_range_download_failures_total (Counter): chunk downloads that failed
//
// Orchestration (pkg/scheduler):
//   - pagesync_scheduler_state{state} (Gauge): 1 for the active state
//   - pagesync_chunks_committed_total (Counter): chunks persisted and committed
//   - pagesync_records_persisted_total (Counter): records handed to the store
//   - pagesync_persist_duration_seconds (Histogram): persist-and-commit latency
//   - pagesync_gap_ids_remaining (Gauge): ids still missing in the current run
//   - pagesync_run_restarts_total (Counter): restarts after connection loss
//
// Run lock (pkg/lock):
//   - pagesync_lock_acquire_total{result} (Counter): acquired, held or error
//   - pagesync_lock_lost_total (Counter): leases lost before release
//
// Example Prometheus Queries:
//
//   # Sync progress
//   pagesync_gap_ids_remaining
//
//   # Transient failure rate
//   rate(pagesync_fetch_retries_total[5m])
//
//   # P95 chunk download time
//   histogram_quantile(0.95, rate(pagesync_range_download_duration_seconds_bucket[5m]))
//
//   # Stuck in a state
//   pagesync_scheduler_state{state="downloading"} == 1
