// Package metrics exposes the Prometheus counters/histograms this
// engine emits: handshake completions, ratchet operations, media
// transfer bytes, and orchestrator state transitions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "e2e_relay_connections",
			Help: "Number of active relay WebSocket connections",
		},
	)

	RelayFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_relay_frames_total",
			Help: "Total number of opaque frames forwarded by the relay",
		},
		[]string{"frame_type", "direction"}, // direction: inbound, outbound
	)

	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_handshakes_total",
			Help: "Total number of X3DH handshakes completed",
		},
		[]string{"role"}, // initiator, responder
	)

	OrchestratorStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_orchestrator_state_transitions_total",
			Help: "Total number of room state machine transitions",
		},
		[]string{"from", "to"},
	)

	RatchetOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_ratchet_operations_total",
			Help: "Total number of Double Ratchet / Sender Key operations",
		},
		[]string{"chain", "operation", "result"}, // chain: double_ratchet, sender_key; operation: encrypt, decrypt; result: ok, auth_failure, skip_overflow, error
	)

	SkippedKeysStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "e2e_skipped_keys_stored",
			Help: "Current number of skipped message keys held across all sessions in a room",
		},
	)

	MediaTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_media_transfers_total",
			Help: "Total number of media transfers completed",
		},
		[]string{"media_type", "result"}, // result: complete, timeout, reassembly_failed
	)

	MediaTransferBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "e2e_media_transfer_bytes",
			Help:    "Size of completed media transfers in bytes",
			Buckets: prometheus.ExponentialBuckets(16*1024, 4, 12), // 16KiB to 64GiB
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_http_requests_total",
			Help: "Total number of HTTP requests handled by the relay",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "e2e_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware wraps HTTP handlers with request-count/latency metrics,
// the same wrap-the-ResponseWriter shape as the teacher's
// MetricsMiddleware.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHandshake records a completed X3DH handshake.
func RecordHandshake(role string) {
	HandshakesTotal.WithLabelValues(role).Inc()
}

// RecordOrchestratorTransition records a room state machine transition.
func RecordOrchestratorTransition(from, to string) {
	OrchestratorStateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordRatchetOperation records a Double Ratchet or Sender Key
// encrypt/decrypt outcome.
func RecordRatchetOperation(chain, operation, result string) {
	RatchetOperationsTotal.WithLabelValues(chain, operation, result).Inc()
}

// RecordMediaTransfer records a finished (or abandoned) media transfer.
func RecordMediaTransfer(mediaType, result string, sizeBytes int64) {
	MediaTransfersTotal.WithLabelValues(mediaType, result).Inc()
	if result == "complete" {
		MediaTransferBytes.Observe(float64(sizeBytes))
	}
}

// RecordRelayFrame records one frame forwarded through the relay.
func RecordRelayFrame(frameType, direction string) {
	RelayFramesTotal.WithLabelValues(frameType, direction).Inc()
}
