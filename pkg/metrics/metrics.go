package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Chunk metrics
	ChunksNewTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coffer_chunks_new_total",
			Help: "Total number of chunks stored for the first time",
		},
	)

	ChunksDedupTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coffer_chunks_dedup_total",
			Help: "Total number of chunks skipped because the index already had them",
		},
	)

	BytesReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coffer_source_bytes_read_total",
			Help: "Total plaintext bytes read from backup sources",
		},
	)

	// Pack metrics
	PacksSealedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coffer_packs_sealed_total",
			Help: "Total number of packs sealed and uploaded",
		},
	)

	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coffer_bytes_uploaded_total",
			Help: "Total ciphertext bytes uploaded to the backend",
		},
	)

	BytesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coffer_bytes_downloaded_total",
			Help: "Total ciphertext bytes downloaded from the backend",
		},
	)

	// Backend metrics
	BackendRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coffer_backend_retries_total",
			Help: "Total number of retried backend operations",
		},
	)

	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coffer_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Operation metrics
	BackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coffer_backup_duration_seconds",
			Help:    "Time taken for a complete backup in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	RestoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coffer_restore_duration_seconds",
			Help:    "Time taken for a complete restore in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	SnapshotsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coffer_snapshots_total",
			Help: "Number of snapshots in the repository at last listing",
		},
	)

	IndexEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coffer_index_entries_total",
			Help: "Number of chunk entries in the in-memory index",
		},
	)
)

func init() {
	prometheus.MustRegister(ChunksNewTotal)
	prometheus.MustRegister(ChunksDedupTotal)
	prometheus.MustRegister(BytesReadTotal)
	prometheus.MustRegister(PacksSealedTotal)
	prometheus.MustRegister(BytesUploadedTotal)
	prometheus.MustRegister(BytesDownloadedTotal)
	prometheus.MustRegister(BackendRetriesTotal)
	prometheus.MustRegister(BackendRequestDuration)
	prometheus.MustRegister(BackupDuration)
	prometheus.MustRegister(RestoreDuration)
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(IndexEntriesTotal)
}

// Handler returns the HTTP handler exposing all registered metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes metrics on addr until the server fails. Long-running
// commands call this in a goroutine when asked to.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}

// Timer measures operation durations
type Timer struct {
	start time.Time
}

// NewTimer creates a started timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
