package daytable

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

var invalidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "daytable",
	Subsystem: "invalidation",
	Name:      "writes",
}, []string{"scope"})

var refreshCycles = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "daytable",
	Subsystem: "refresh",
	Name:      "cycles",
})

var refreshDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "daytable",
	Subsystem: "refresh",
	Name:      "cycle_duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.02, 0.1, 0.5, 1, 5, 20},
})

var epochGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "daytable",
	Subsystem: "snapshot",
	Name:      "epoch",
})

// Collectors returns everything the embedding application should register:
// the engine's own metrics plus the store collector.
func (dt *DayTable) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		invalidationsTotal,
		refreshCycles,
		refreshDuration,
		epochGauge,
		NewStoreCollector(dt.db),
	}
}

// StoreCollector surfaces the health of the underlying store: write debt,
// memtable pressure and on-disk footprint. Client devices care about disk
// and write amplification, not server-grade compaction detail.
type StoreCollector struct {
	db *pebble.DB

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
	diskUsage       *prometheus.Desc
	readAmp         *prometheus.Desc
}

func NewStoreCollector(db *pebble.DB) *StoreCollector {
	return &StoreCollector{
		db: db,

		compactionCount: prometheus.NewDesc(
			"daytable_store_compaction_count_total",
			"Total number of store compactions performed",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"daytable_store_compaction_estimated_debt_bytes",
			"Estimated bytes to compact before the store is stable",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"daytable_store_memtable_size_bytes",
			"Current memtable size in bytes",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"daytable_store_wal_size_bytes",
			"Size of live WAL data in bytes",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"daytable_store_wal_bytes_written_total",
			"Total physical bytes written to the WAL",
			nil, nil,
		),
		diskUsage: prometheus.NewDesc(
			"daytable_store_disk_usage_bytes",
			"Total on-disk footprint of the store",
			nil, nil,
		),
		readAmp: prometheus.NewDesc(
			"daytable_store_read_amplification",
			"Current read amplification across levels",
			nil, nil,
		),
	}
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.compactionCount
	ch <- sc.compactionDebt
	ch <- sc.memtableSize
	ch <- sc.walSize
	ch <- sc.walBytesWritten
	ch <- sc.diskUsage
	ch <- sc.readAmp
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := sc.db.Metrics()

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
	ch <- prometheus.MustNewConstMetric(
		sc.diskUsage,
		prometheus.GaugeValue,
		float64(metrics.DiskSpaceUsage()),
	)
	ch <- prometheus.MustNewConstMetric(
		sc.readAmp,
		prometheus.GaugeValue,
		float64(metrics.ReadAmp()),
	)
}
