// Package metrics exposes the Prometheus metrics of the dispatch client.
// All metrics are defined in their respective packages (client,
// dispatcher, stream, cache, ratelimit) and registered via promauto.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the client.
var Registry = prometheus.DefaultRegisterer

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Mux returns a mux serving /metrics and a plain /health check.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - graph_requests_total{endpoint, status} (Counter): Top-level requests by endpoint and status
//   - graph_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - graph_errors_total{class} (Counter): Errors by class
//
// Retry Metrics (pkg/client):
//   - graph_retries_total{error_class} (Counter): Retry attempts by error class
//   - graph_retry_backoff_seconds{error_class} (Histogram): Wait before each retry
//   - graph_retry_exhausted_total{error_class} (Counter): Requests that exhausted their budget
//
// Dispatcher Metrics (pkg/dispatcher):
//   - graph_dispatcher_batches_total{result} (Counter): Batches sent by outcome
//   - graph_dispatcher_batch_size (Histogram): Items per batch
//   - graph_dispatcher_batch_delay_seconds (Histogram): Upfront delay of requeued batches
//   - graph_dispatcher_inflight_batches (Gauge): Batches currently in flight
//   - graph_dispatcher_queue_depth{queue} (Gauge): Intake and retry queue depth
//   - graph_dispatcher_requeued_total (Counter): Items requeued after a throttled sub-response
//   - graph_dispatcher_enqueued_total{outcome} (Counter): Enqueue calls by outcome
//
// Stream Metrics (pkg/stream):
//   - graph_stream_results_total{stream} (Counter): Results pushed per stream
//   - graph_stream_dropped_total{stream} (Counter): Results pushed after close
//
// Throttle Metrics (pkg/ratelimit):
//   - graph_throttle_events_total (Counter): 429 responses recorded
//   - graph_throttle_wait_seconds (Histogram): Time spent waiting out a throttle window
//   - graph_throttled_until_timestamp_seconds (Gauge): End of the current throttle window
//
// Token Cache Metrics (pkg/cache):
//   - graph_token_cache_lookups_total{result} (Counter)
//   - graph_token_cache_stores_total{result} (Counter)
//   - graph_token_cache_invalidations_total{result} (Counter)
//   - graph_token_cache_errors_total{operation} (Counter)
//
// Example Prometheus Queries:
//
//   # Throttled share of sub-requests
//   rate(graph_dispatcher_requeued_total[5m]) / rate(graph_dispatcher_enqueued_total[5m])
//
//   # Average batch fill
//   rate(graph_dispatcher_batch_size_sum[5m]) / rate(graph_dispatcher_batch_size_count[5m])
//
//   # P95 batch latency
//   histogram_quantile(0.95, rate(graph_request_duration_seconds_bucket[5m]))
