package meridian

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// StoreCollector exposes commit-pipeline counters and the interesting
// subset of the underlying pebble metrics.
type StoreCollector struct {
	s *Store

	commits        *prometheus.Desc
	conflicts      *prometheus.Desc
	conflictWindow *prometheus.Desc

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
}

func NewStoreCollector(s *Store) *StoreCollector {
	return &StoreCollector{
		s: s,

		commits: prometheus.NewDesc(
			"meridian_store_commits_total",
			"Total committed transactions",
			nil, nil,
		),
		conflicts: prometheus.NewDesc(
			"meridian_store_conflicts_total",
			"Total commits rejected by conflict checking",
			nil, nil,
		),
		conflictWindow: prometheus.NewDesc(
			"meridian_store_conflict_window",
			"Commits currently retained for conflict checking",
			nil, nil,
		),

		compactionCount: prometheus.NewDesc(
			"meridian_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"meridian_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"meridian_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"meridian_pebble_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"meridian_pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
	}
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.commits
	ch <- sc.conflicts
	ch <- sc.conflictWindow
	ch <- sc.compactionCount
	ch <- sc.compactionDebt
	ch <- sc.memtableSize
	ch <- sc.walSize
	ch <- sc.walBytesWritten
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		sc.commits,
		prometheus.CounterValue,
		float64(sc.s.commitCount.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.conflicts,
		prometheus.CounterValue,
		float64(sc.s.conflictCount.Load()),
	)
	sc.s.commitMu.Lock()
	window := len(sc.s.recent)
	sc.s.commitMu.Unlock()
	ch <- prometheus.MustNewConstMetric(
		sc.conflictWindow,
		prometheus.GaugeValue,
		float64(window),
	)

	var metrics *pebble.Metrics = sc.s.db.Metrics()
	ch <- prometheus.MustNewConstMetric(
		sc.compactionCount,
		prometheus.CounterValue,
		float64(metrics.Compact.Count),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.compactionDebt,
		prometheus.GaugeValue,
		float64(metrics.Compact.EstimatedDebt),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.memtableSize,
		prometheus.GaugeValue,
		float64(metrics.MemTable.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walSize,
		prometheus.GaugeValue,
		float64(metrics.WAL.Size),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.walBytesWritten,
		prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten),
	)
}
