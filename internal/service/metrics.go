package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/git-pkgs/schemaloader/internal/core"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "schemaloader_requests_total",
			Help: "Total number of schema requests by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "schemaloader_request_duration_seconds",
			Help:    "Time taken to answer a schema request.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *metrics) observe(err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		switch core.KindOf(err) {
		case core.KindInvalidArgument:
			outcome = "invalid_argument"
		case core.KindNotFound:
			outcome = "not_found"
		default:
			outcome = "internal"
		}
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}
