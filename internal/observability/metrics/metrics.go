package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "panelbridge_"

var (
	registerOnce sync.Once

	cycleTotal   *prometheus.CounterVec
	cycleLatency prometheus.Histogram

	renameTotal     *prometheus.CounterVec
	planEntries     prometheus.Counter
	planUnresolved  prometheus.Counter
	reloadTotal     prometheus.Counter
	flagPending     *prometheus.GaugeVec
	snapshotFetched *prometheus.CounterVec
)

// Init registers the engine's metrics. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		cycleTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "update_cycles_total",
				Help: "Total update cycles by result",
			},
			[]string{"result"},
		)
		cycleLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "update_cycle_seconds",
				Help:    "Update cycle duration",
				Buckets: prometheus.DefBuckets,
			},
		)
		renameTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "renames_total",
				Help: "Total rename attempts by result",
			},
			[]string{"result"},
		)
		planEntries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "plan_entries_total",
				Help: "Total planned rename entries",
			},
		)
		planUnresolved = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "plan_unresolved_total",
				Help: "Total plan entries skipped as unresolved",
			},
		)
		reloadTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "reloads_total",
				Help: "Total coalesced reload requests",
			},
		)
		flagPending = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "migration_flag_pending",
				Help: "Whether a migration flag is pending (1) or clear (0)",
			},
			[]string{"flag"},
		)
		snapshotFetched = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "snapshot_fetches_total",
				Help: "Total snapshot fetches by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			cycleTotal,
			cycleLatency,
			renameTotal,
			planEntries,
			planUnresolved,
			reloadTotal,
			flagPending,
			snapshotFetched,
		)
	})
}

// ObserveCycle records one finished update cycle.
func ObserveCycle(result string, elapsed time.Duration) {
	if cycleTotal == nil {
		return
	}
	cycleTotal.WithLabelValues(result).Inc()
	cycleLatency.Observe(elapsed.Seconds())
}

// RenameResult records one rename attempt.
func RenameResult(result string) {
	if renameTotal == nil {
		return
	}
	renameTotal.WithLabelValues(result).Inc()
}

// PlanObserved records the size of a freshly computed plan.
func PlanObserved(entries, unresolved int) {
	if planEntries == nil {
		return
	}
	planEntries.Add(float64(entries))
	planUnresolved.Add(float64(unresolved))
}

// ReloadRequested records one coalesced reload.
func ReloadRequested() {
	if reloadTotal == nil {
		return
	}
	reloadTotal.Inc()
}

// FlagPending mirrors a migration flag into a gauge.
func FlagPending(flag string, pending bool) {
	if flagPending == nil {
		return
	}
	value := 0.0
	if pending {
		value = 1.0
	}
	flagPending.WithLabelValues(flag).Set(value)
}

// SnapshotFetch records one snapshot fetch attempt.
func SnapshotFetch(result string) {
	if snapshotFetched == nil {
		return
	}
	snapshotFetched.WithLabelValues(result).Inc()
}
