// Package metrics documents the Prometheus metrics of the flipbook mirror and
// exposes them over HTTP. All metrics are defined in their respective packages
// (client, cache, ratelimit, fetcher, download, assembler) to maintain
// modularity and avoid circular dependencies.
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

// Registry is the default Prometheus registry used by the mirror.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - flipbook_requests_total{kind, status} (Counter): Host requests by kind (config, page) and HTTP status
//   - flipbook_request_duration_seconds{kind} (Histogram): Request duration by kind
//   - flipbook_errors_total{class} (Counter): Errors by class (client, server, throttled, network)
//
// Retry Metrics (pkg/client):
//   - flipbook_retries_total{error_class} (Counter): Page retry attempts by error class
//   - flipbook_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - flipbook_retry_exhausted_total{error_class} (Counter): Page requests that exhausted retries
//
// Cache Metrics (pkg/cache):
//   - flipbook_cache_hits_total{layer="redis"} (Counter): Config cache hits
//   - flipbook_cache_misses_total (Counter): Config cache misses
//   - flipbook_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - flipbook_304_responses_total (Counter): 304 Not Modified replies
//   - flipbook_conditional_requests_total (Counter): Conditional config requests
//   - flipbook_cache_errors_total{operation} (Counter): Cache operation errors
//
// Throttle Metrics (pkg/ratelimit):
//   - flipbook_throttle_pauses_total (Counter): 429/503 replies that paused requests
//   - flipbook_throttle_wait_seconds (Histogram): Time requests waited on a pause
//
// Page Metrics (pkg/fetcher, pkg/download):
//   - flipbook_pages_total{status} (Counter): Pages by outcome (saved, skipped, not_found, failed)
//   - flipbook_pages_in_flight (Gauge): Page fetches currently running
//   - flipbook_page_conversions_total{source} (Counter): Fallback pages re-encoded to JPEG
//   - flipbook_download_duration_seconds (Histogram): Duration of a download run
//
// Assembly Metrics (pkg/assembler):
//   - flipbook_assembled_pages_total (Counter): Pages written into documents
//   - flipbook_segments_total (Counter): Segments rendered
//   - flipbook_assembly_duration_seconds (Histogram): Duration of assembly
//
// Example Prometheus Queries:
//
//   # Page failure ratio
//   sum(rate(flipbook_pages_total{status=~"not_found|failed"}[5m])) /
//   sum(rate(flipbook_pages_total[5m]))
//
//   # Throttling
//   rate(flipbook_throttle_pauses_total[5m]) > 0
//
//   # P95 page latency
//   histogram_quantile(0.95, rate(flipbook_request_duration_seconds_bucket{kind="page"}[5m]))
//
//   # Fallback share
//   rate(flipbook_page_conversions_total[5m]) / rate(flipbook_pages_total{status="saved"}[5m])
