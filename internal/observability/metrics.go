package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/healthsync/internal/domain"
)

var (
	syncPassCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Completed per-user sync passes, labeled by outcome.",
	}, []string{"outcome"})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of one per-user sync pass.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	upsertCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "upserts_total",
		Help:      "Reconciler writes by entity kind and operation.",
	}, []string{"kind", "op"})

	significantCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "significant_changes_total",
		Help:      "Sync passes that raised the significant-change signal.",
	})

	lastSyncGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "healthsync",
		Subsystem: "sync",
		Name:      "last_pass_timestamp_seconds",
		Help:      "Unix timestamp of the most recent completed sync pass.",
	})
)

func init() {
	prometheus.MustRegister(syncPassCounter, syncDuration, upsertCounter, significantCounter, lastSyncGauge)
}

// RecordSyncReport publishes the outcome of one successful per-user pass.
func RecordSyncReport(report domain.SyncReport) {
	syncPassCounter.WithLabelValues("ok").Inc()
	if !report.FinishedAt.IsZero() {
		lastSyncGauge.Set(float64(report.FinishedAt.Unix()))
		if !report.StartedAt.IsZero() {
			syncDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
		}
	}
	if report.SignificantChange {
		significantCounter.Inc()
	}
	for kind, stats := range report.Stats {
		if stats.Inserted > 0 {
			upsertCounter.WithLabelValues(string(kind), "insert").Add(float64(stats.Inserted))
		}
		if stats.Updated > 0 {
			upsertCounter.WithLabelValues(string(kind), "update").Add(float64(stats.Updated))
		}
		if stats.Skipped > 0 {
			upsertCounter.WithLabelValues(string(kind), "skip").Add(float64(stats.Skipped))
		}
	}
}

// RecordSyncFailure counts a failed per-user pass.
func RecordSyncFailure() {
	syncPassCounter.WithLabelValues("error").Inc()
}

// RecordWatermark updates the last-pass gauge directly; used by one-shot
// tools that bypass report plumbing.
func RecordWatermark(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSyncGauge.Set(float64(ts.Unix()))
}
