package sorter

import (
	"extsort/storage"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	appended      prometheus.Counter
	spills        prometheus.Counter
	merged        prometheus.Counter
	mergeDuration prometheus.Histogram
	batchCapacity prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.appended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "records_appended_total",
		Help: "Total number of records accepted for sorting.",
	})

	m.spills = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spills_total",
		Help: "Total number of sorted batches spilled to the staging store.",
	})

	m.merged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "records_merged_total",
		Help: "Total number of records written by the k-way merge.",
	})

	m.mergeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "merge_duration_seconds",
		Help:    "Duration of the final spill and k-way merge.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	m.batchCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "batch_capacity_records",
		Help: "Number of records held in memory before a spill.",
	})

	if registerer != nil {
		r := prometheus.WrapRegistererWithPrefix("extsort_sorter_", registerer)

		m.appended = storage.RegisterCollector(r, m.appended)
		m.spills = storage.RegisterCollector(r, m.spills)
		m.merged = storage.RegisterCollector(r, m.merged)
		m.mergeDuration = storage.RegisterCollector(r, m.mergeDuration)
		m.batchCapacity = storage.RegisterCollector(r, m.batchCapacity)
	}

	return m
}
