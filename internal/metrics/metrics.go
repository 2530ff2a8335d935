// Package metrics registers the Prometheus collectors for ingestion,
// embedding and retrieval. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docsearch"

// Metrics holds every collector owned by the engine.
type Metrics struct {
	// documentsTotal counts finished ingestions by final status.
	documentsTotal *prometheus.CounterVec
	// chunksTotal counts chunks by outcome: "stored", "embed_failed", "store_failed".
	chunksTotal *prometheus.CounterVec
	// ingestDuration is the wall-clock time of one document ingestion.
	ingestDuration prometheus.Histogram

	// embedCacheTotal counts embedding cache lookups by result: "hit" or "miss".
	embedCacheTotal *prometheus.CounterVec
	// embedCallsTotal counts calls to the external model by outcome.
	embedCallsTotal *prometheus.CounterVec

	// searchTotal counts searches by outcome: "ok", "cached", "bad_request", "unavailable", "error".
	searchTotal *prometheus.CounterVec
	// searchDuration is the latency of uncached searches.
	searchDuration prometheus.Histogram
}

// New registers all collectors against reg. promauto.With(reg) keeps tests
// hermetic when they pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		documentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Documents whose ingestion finished, partitioned by final status.",
		}, []string{"status"}),
		chunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks processed during ingestion, partitioned by outcome.",
		}, []string{"outcome"}),
		ingestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a single document ingestion.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		embedCacheTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embed",
			Name:      "cache_lookups_total",
			Help:      "Embedding cache lookups, partitioned by result.",
		}, []string{"result"}),
		embedCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "embed",
			Name:      "model_calls_total",
			Help:      "Calls to the external embedding model, partitioned by outcome.",
		}, []string{"outcome"}),
		searchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Hybrid searches, partitioned by outcome.",
		}, []string{"outcome"}),
		searchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Latency of hybrid searches that missed the result cache.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) DocumentFinished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.documentsTotal.WithLabelValues(status).Inc()
	m.ingestDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) Chunks(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.chunksTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) EmbedCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.embedCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.embedCacheTotal.WithLabelValues("miss").Inc()
}

func (m *Metrics) EmbedCall(outcome string) {
	if m == nil {
		return
	}
	m.embedCallsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Search(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.searchTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.searchDuration.Observe(elapsed.Seconds())
	}
}
