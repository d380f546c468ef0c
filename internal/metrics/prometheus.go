package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes scanner metrics. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	reg prometheus.Gatherer

	scansTotal     *prometheus.CounterVec
	scanDuration   prometheus.Histogram
	fetchTotal     *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	cacheLookups   *prometheus.CounterVec
	gapsDetected   *prometheus.CounterVec
	inversions     *prometheus.CounterVec
	activeGaps     *prometheus.GaugeVec
	alertsTotal    *prometheus.CounterVec
	alertsDropped  prometheus.Counter
	lastScanUnix   prometheus.Gauge
	symbolFailures prometheus.Gauge
}

// New registers the scanner metrics on reg. A nil reg uses a fresh
// registry.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		scansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gapsentinel_scans_total",
			Help: "Total number of scan cycles by outcome",
		}, []string{"outcome"}),
		scanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gapsentinel_scan_duration_seconds",
			Help:    "Duration of scan cycles in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		fetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gapsentinel_fetch_total",
			Help: "Provider fetches by result kind",
		}, []string{"kind"}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gapsentinel_fetch_duration_seconds",
			Help:    "Duration of provider fetches including retries",
			Buckets: prometheus.DefBuckets,
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gapsentinel_cache_lookups_total",
			Help: "Series cache lookups by result",
		}, []string{"result"}),
		gapsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gapsentinel_gaps_detected_total",
			Help: "Newly tracked gaps",
		}, []string{"timeframe", "direction"}),
		inversions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gapsentinel_inversions_detected_total",
			Help: "Confirmed gap inversions",
		}, []string{"timeframe", "direction"}),
		activeGaps: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gapsentinel_active_gaps",
			Help: "Unfilled gaps currently tracked",
		}, []string{"symbol", "timeframe"}),
		alertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gapsentinel_alerts_total",
			Help: "Alerts emitted by kind",
		}, []string{"kind"}),
		alertsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "gapsentinel_alert_deliveries_failed_total",
			Help: "Alert deliveries that failed on a transport",
		}),
		lastScanUnix: f.NewGauge(prometheus.GaugeOpts{
			Name: "gapsentinel_last_scan_timestamp_seconds",
			Help: "Completion time of the last scan cycle",
		}),
		symbolFailures: f.NewGauge(prometheus.GaugeOpts{
			Name: "gapsentinel_last_scan_failed_symbols",
			Help: "Symbols that failed in the last scan cycle",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordScan records a completed or failed cycle.
func (r *Recorder) RecordScan(ok bool, seconds float64, failedSymbols int, completedUnix float64) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	r.scansTotal.WithLabelValues(outcome).Inc()
	if ok {
		r.scanDuration.Observe(seconds)
		r.lastScanUnix.Set(completedUnix)
		r.symbolFailures.Set(float64(failedSymbols))
	}
}

// RecordFetch records one pair outcome; kind is "ok" or the error kind.
func (r *Recorder) RecordFetch(kind string, seconds float64) {
	if r == nil {
		return
	}
	r.fetchTotal.WithLabelValues(kind).Inc()
	r.fetchDuration.Observe(seconds)
}

// RecordCache records a cache hit or miss.
func (r *Recorder) RecordCache(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// RecordGap counts a newly tracked gap.
func (r *Recorder) RecordGap(timeframe, direction string) {
	if r == nil {
		return
	}
	r.gapsDetected.WithLabelValues(timeframe, direction).Inc()
}

// RecordInversion counts a confirmed inversion.
func (r *Recorder) RecordInversion(timeframe, direction string) {
	if r == nil {
		return
	}
	r.inversions.WithLabelValues(timeframe, direction).Inc()
}

// SetActiveGaps sets the unfilled gap gauge for a pair.
func (r *Recorder) SetActiveGaps(symbol, timeframe string, n int) {
	if r == nil {
		return
	}
	r.activeGaps.WithLabelValues(symbol, timeframe).Set(float64(n))
}

// RecordAlert counts an emitted alert.
func (r *Recorder) RecordAlert(kind string) {
	if r == nil {
		return
	}
	r.alertsTotal.WithLabelValues(kind).Inc()
}

// RecordDeliveryFailure counts a failed transport delivery.
func (r *Recorder) RecordDeliveryFailure() {
	if r == nil {
		return
	}
	r.alertsDropped.Inc()
}
