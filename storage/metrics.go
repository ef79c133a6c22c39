package storage

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type StoreMetrics struct {
	commits         prometheus.Counter
	commitDuration  prometheus.Summary
	segmentsCreated prometheus.Counter
	segments        prometheus.Gauge
	committedBytes  prometheus.Gauge
}

// NewStoreMetrics builds the store collectors and registers them when
// registerer is non-nil. Stores reopened under the same prefix share the
// collectors registered first.
func NewStoreMetrics(registerer prometheus.Registerer, prefix string) *StoreMetrics {
	m := &StoreMetrics{}

	m.commits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "commits_total",
		Help: "Total number of store commits.",
	})

	m.commitDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "commit_duration_seconds",
		Help:       "Duration of msync of all segments and the offset index.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.segmentsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "segments_created_total",
		Help: "Total number of data segments allocated.",
	})

	m.segments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "segments",
		Help: "Number of data segments currently open.",
	})

	m.committedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "committed_bytes",
		Help: "Bytes made durable by the last commit.",
	})

	if registerer != nil {
		r := prometheus.WrapRegistererWith(prometheus.Labels{"store": prefix},
			prometheus.WrapRegistererWithPrefix("extsort_store_", registerer))

		m.commits = RegisterCollector(r, m.commits)
		m.commitDuration = RegisterCollector(r, m.commitDuration)
		m.segmentsCreated = RegisterCollector(r, m.segmentsCreated)
		m.segments = RegisterCollector(r, m.segments)
		m.committedBytes = RegisterCollector(r, m.committedBytes)
	}

	return m
}

// RegisterCollector registers c, or returns the equivalent collector already
// registered so that several short-lived owners can report into one registry.
// Any other registration error panics like MustRegister.
func RegisterCollector[T prometheus.Collector](r prometheus.Registerer, c T) T {
	err := r.Register(c)

	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError

	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}

	panic(err)
}
