package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	metricPrefix = "meter_"

	resultSuccess = "success"
)

// Aggregation outcomes.
const (
	AggregationWritten    = "written"
	AggregationNotReady   = "not_ready"
	AggregationNoSite     = "no_site"
	AggregationLockBusy   = "lock_busy"
	AggregationError      = "error"
	AggregationNoMeasures = "no_measurements"
	AggregationNotVisible = "not_visible"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	rolloverCorrections prometheus.Counter
	clampedDeltas       *prometheus.CounterVec
	devicesProvisioned  *prometheus.CounterVec

	aggregationTotal   *prometheus.CounterVec
	aggregationLatency prometheus.Histogram

	alarmEventsTotal *prometheus.CounterVec
	notifySends      *prometheus.CounterVec

	cacheLookups *prometheus.CounterVec
)

// Init registers collectors and, when db is non-nil, DB-backed gauges.
func Init(db *sql.DB, logger zerolog.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total ingest requests by result",
			},
			[]string{"result"},
		)
		ingestErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_rejections_total",
				Help: "Total rejected payloads by reason",
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
		rolloverCorrections = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "rollover_corrections_total",
				Help: "Cumulative counters corrected for a wrap",
			},
		)
		clampedDeltas = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "energy_delta_clamped_total",
				Help: "Energy deltas clamped to zero by reason",
			},
			[]string{"reason"},
		)
		devicesProvisioned = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "devices_resolved_total",
				Help: "Device resolutions during ingest by outcome",
			},
			[]string{"outcome"},
		)
		aggregationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "site_aggregation_total",
				Help: "Site aggregation attempts by outcome",
			},
			[]string{"outcome"},
		)
		aggregationLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "site_aggregation_latency_seconds",
				Help:    "Site aggregation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Alarm lifecycle events by type",
			},
			[]string{"event"},
		)
		notifySends = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_notifications_total",
				Help: "Alarm notifications by kind and result",
			},
			[]string{"kind", "result"},
		)
		cacheLookups = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_cache_lookups_total",
				Help: "Device cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestErrors,
			ingestLatency,
			rolloverCorrections,
			clampedDeltas,
			devicesProvisioned,
			aggregationTotal,
			aggregationLatency,
			alarmEventsTotal,
			notifySends,
			cacheLookups,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest duration and result.
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

// IncIngestRejected increments the rejection counter.
func IncIngestRejected(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if ingestErrors != nil {
		ingestErrors.WithLabelValues(reason).Inc()
	}
}

// IncRolloverCorrection counts a corrected counter wrap.
func IncRolloverCorrection() {
	if rolloverCorrections != nil {
		rolloverCorrections.Inc()
	}
}

// IncClampedDelta counts an energy delta forced to zero.
func IncClampedDelta(reason string) {
	if clampedDeltas != nil {
		clampedDeltas.WithLabelValues(reason).Inc()
	}
}

// IncDeviceResolved counts how ingest found its device.
func IncDeviceResolved(outcome string) {
	if devicesProvisioned != nil {
		devicesProvisioned.WithLabelValues(outcome).Inc()
	}
}

// ObserveAggregation records a site aggregation attempt.
func ObserveAggregation(outcome string, duration time.Duration) {
	if aggregationTotal != nil {
		aggregationTotal.WithLabelValues(outcome).Inc()
	}
	if aggregationLatency != nil && outcome == AggregationWritten {
		aggregationLatency.Observe(duration.Seconds())
	}
}

// IncAlarmEvent increments alarm lifecycle event counter.
func IncAlarmEvent(event string) {
	if event == "" {
		event = "unknown"
	}
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(event).Inc()
	}
}

// IncNotification counts an attempted alarm notification.
func IncNotification(kind, result string) {
	if notifySends != nil {
		notifySends.WithLabelValues(kind, result).Inc()
	}
}

// CacheHit counts a cache hit.
func CacheHit(cache string) {
	if cacheLookups != nil {
		cacheLookups.WithLabelValues(cache, "hit").Inc()
	}
}

// CacheMiss counts a cache miss.
func CacheMiss(cache string) {
	if cacheLookups != nil {
		cacheLookups.WithLabelValues(cache, "miss").Inc()
	}
}
