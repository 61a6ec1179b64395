package indexer

import "github.com/prometheus/client_golang/prometheus"

var ChunkCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "indexer",
	Name:      "chunks",
}, []string{"index", "result"})

var RetryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "indexer",
	Name:      "retries",
}, []string{"index", "reason"})

var LimitGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "meridian",
	Subsystem: "indexer",
	Name:      "record_limit",
}, []string{"index"})

var ScannedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "indexer",
	Name:      "records_scanned",
}, []string{"index"})

var BuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "meridian",
	Subsystem: "indexer",
	Name:      "build_duration_seconds",
	Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 300, 900, 3600},
}, []string{"index", "strategy", "result"})

var LeaseTakeoverCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "meridian",
	Subsystem: "indexer",
	Name:      "lease_takeovers",
}, []string{"index"})

// RegisterMetrics registers the indexer collectors.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ChunkCount, RetryCount, LimitGauge, ScannedCount, BuildDuration, LeaseTakeoverCount)
}
