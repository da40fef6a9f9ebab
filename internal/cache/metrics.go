package cache

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/git-pkgs/schemaloader/internal/core"
)

type metrics struct {
	requests      *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	retries       prometheus.Counter
	entries       prometheus.Gauge
	pending       prometheus.Gauge
	bytes         prometheus.Gauge
	fetchDuration *prometheus.HistogramVec
}

// newMetrics creates the cache metrics. A nil registerer leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "schemaloader_cache_requests_total",
			Help: "Total number of schema cache lookups by result (hit, miss, joined).",
		}, []string{"result"}),
		evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "schemaloader_cache_evictions_total",
			Help: "Total number of schema cache evictions by reason.",
		}, []string{"reason"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "schemaloader_store_fetch_retries_total",
			Help: "Total number of schema fetches retried after a transient failure.",
		}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Name: "schemaloader_cache_entries",
			Help: "Current number of ready documents in the schema cache.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "schemaloader_cache_pending_fetches",
			Help: "Current number of in-flight schema fetches.",
		}),
		bytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "schemaloader_cache_size_bytes",
			Help: "Current accounted size of the schema cache in bytes.",
		}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schemaloader_store_fetch_duration_seconds",
			Help:    "Duration of schema fetches from the store, including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		}, []string{"outcome"}),
	}
}

func (m *metrics) observeFetch(err error, d time.Duration) {
	m.fetchDuration.WithLabelValues(fetchOutcome(err)).Observe(d.Seconds())
}

func fetchOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		switch core.KindOf(err) {
		case core.KindNotFound:
			return "not_found"
		case core.KindMalformed:
			return "malformed"
		case core.KindUnavailable:
			return "unavailable"
		default:
			return "error"
		}
	}
}
