package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "loomwatch_"

	resultSuccess = "success"
	resultError   = "error"

	compactionCommitted = "committed"
	compactionSkipped   = "skipped"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	classifications *prometheus.CounterVec

	compactionHours   *prometheus.CounterVec
	compactionPurged  prometheus.Counter
	compactionLatency *prometheus.HistogramVec

	dailyResetTotal *prometheus.CounterVec

	notifySubscribers *prometheus.GaugeVec
	notifyDropped     *prometheus.CounterVec

	rollupExportTotal   *prometheus.CounterVec
	rollupExportLatency *prometheus.HistogramVec

	catalogReloadTotal *prometheus.CounterVec
)

// Init registers observability metrics and DB-backed gauges.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total device ingest requests by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_errors_total",
				Help: "Total ingest errors by reason",
			},
			[]string{"reason"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		classifications = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "classifications_total",
				Help: "Machine status decisions by status",
			},
			[]string{"status"},
		)

		compactionHours = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "compaction_hours_total",
				Help: "Device hours processed by compaction by result",
			},
			[]string{"result"},
		)
		compactionPurged = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "compaction_events_purged_total",
				Help: "Raw events deleted after compaction",
			},
		)
		compactionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "compaction_run_latency_seconds",
				Help:    "Compaction run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		dailyResetTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "daily_reset_total",
				Help: "Daily counter resets by result",
			},
			[]string{"result"},
		)

		notifySubscribers = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "notify_subscribers",
				Help: "Connected live subscribers by transport",
			},
			[]string{"transport"},
		)
		notifyDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notify_dropped_total",
				Help: "Messages dropped from full subscriber queues by transport",
			},
			[]string{"transport"},
		)

		rollupExportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rollup_export_total",
				Help: "Total rollup exports by format and result",
			},
			[]string{"format", "result"},
		)
		rollupExportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "rollup_export_latency_seconds",
				Help:    "Rollup export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)

		catalogReloadTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "catalog_reload_total",
				Help: "Catalog file imports by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			classifications,
			compactionHours,
			compactionPurged,
			compactionLatency,
			dailyResetTotal,
			notifySubscribers,
			notifyDropped,
			rollupExportTotal,
			rollupExportLatency,
			catalogReloadTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest request duration and result.
func ObserveIngest(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncIngestError increments ingest error counter.
func IncIngestError(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncClassification counts a status decision.
func IncClassification(status string) {
	if status == "" {
		status = "unknown"
	}
	if classifications != nil {
		classifications.WithLabelValues(status).Inc()
	}
}

// IncCompactionHour counts one device hour by outcome.
func IncCompactionHour(result string) {
	if result == "" {
		result = compactionCommitted
	}
	if compactionHours != nil {
		compactionHours.WithLabelValues(result).Inc()
	}
}

// AddPurgedEvents adds deleted raw events.
func AddPurgedEvents(count int64) {
	if count <= 0 {
		return
	}
	if compactionPurged != nil {
		compactionPurged.Add(float64(count))
	}
}

// ObserveCompactionRun records a full compaction pass.
func ObserveCompactionRun(result string, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if compactionLatency != nil {
		compactionLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncDailyReset counts a daily reset run.
func IncDailyReset(result string) {
	if result == "" {
		result = resultSuccess
	}
	if dailyResetTotal != nil {
		dailyResetTotal.WithLabelValues(result).Inc()
	}
}

// SetSubscribers sets the connected subscriber count of a transport.
func SetSubscribers(transport string, count int) {
	if transport == "" {
		transport = "unknown"
	}
	if notifySubscribers != nil {
		notifySubscribers.WithLabelValues(transport).Set(float64(count))
	}
}

// IncNotifyDropped counts a message evicted from a full queue.
func IncNotifyDropped(transport string) {
	if transport == "" {
		transport = "unknown"
	}
	if notifyDropped != nil {
		notifyDropped.WithLabelValues(transport).Inc()
	}
}

// ObserveRollupExport records export latency and result.
func ObserveRollupExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if rollupExportTotal != nil {
		rollupExportTotal.WithLabelValues(format, result).Inc()
	}
	if rollupExportLatency != nil {
		rollupExportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// IncCatalogReload counts a catalog import.
func IncCatalogReload(result string) {
	if result == "" {
		result = resultSuccess
	}
	if catalogReloadTotal != nil {
		catalogReloadTotal.WithLabelValues(result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError

	CompactionCommitted = compactionCommitted
	CompactionSkipped   = compactionSkipped
)
