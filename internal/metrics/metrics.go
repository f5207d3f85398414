// Package metrics holds the Prometheus instrumentation for the detection
// pipeline: per-wave timings, circuit-breaker trips, cache pressure, and
// verdict counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the engine records.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	VerdictTotal       *prometheus.CounterVec
	BotProbability     prometheus.Histogram
	DetectionDuration  *prometheus.HistogramVec
	WaveDuration       *prometheus.HistogramVec
	DetectorFailures   *prometheus.CounterVec
	CircuitBreakerTrip *prometheus.CounterVec
	CacheSize          *prometheus.GaugeVec
	CacheEvictions     *prometheus.CounterVec
	ActionPolicyTotal  *prometheus.CounterVec
}

// New creates and registers every metric against the default registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botdetect_requests_total",
				Help: "Total requests passed through the detection pipeline",
			},
			[]string{"policy"},
		),
		VerdictTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botdetect_verdict_total",
				Help: "Total requests by risk band",
			},
			[]string{"risk_band"},
		),
		BotProbability: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "botdetect_bot_probability",
				Help:    "Distribution of aggregated bot probability",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),
		DetectionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botdetect_detection_duration_seconds",
				Help:    "End-to-end orchestrator duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"early_exit"},
		),
		WaveDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "botdetect_wave_duration_seconds",
				Help:    "Per-wave duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"wave"},
		),
		DetectorFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botdetect_detector_failures_total",
				Help: "Detector errors or timeouts by detector name",
			},
			[]string{"detector", "reason"}, // reason: error, timeout, panic
		),
		CircuitBreakerTrip: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botdetect_circuitbreaker_trips_total",
				Help: "Circuit breaker state transitions to open",
			},
			[]string{"detector"},
		),
		CacheSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "botdetect_cache_entries",
				Help: "Current entry count per cache",
			},
			[]string{"cache"}, // cache: signature_aggregate, visitor_list
		),
		CacheEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botdetect_cache_evictions_total",
				Help: "Evicted entries by cache",
			},
			[]string{"cache"},
		),
		ActionPolicyTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "botdetect_action_total",
				Help: "Action-policy decisions by kind",
			},
			[]string{"kind"}, // kind: block, throttle, challenge, redirect, continue
		),
	}
}

// RecordVerdict records one request's terminal classification.
func (m *Metrics) RecordVerdict(policyName, riskBand string, probability float64) {
	m.RequestsTotal.WithLabelValues(policyName).Inc()
	m.VerdictTotal.WithLabelValues(riskBand).Inc()
	m.BotProbability.Observe(probability)
}

// RecordDetection records the orchestrator's total wall-clock duration.
func (m *Metrics) RecordDetection(seconds float64, earlyExit bool) {
	label := "false"
	if earlyExit {
		label = "true"
	}
	m.DetectionDuration.WithLabelValues(label).Observe(seconds)
}

// RecordWave records one wave's duration.
func (m *Metrics) RecordWave(wave int, seconds float64) {
	m.WaveDuration.WithLabelValues(waveLabel(wave)).Observe(seconds)
}

// RecordDetectorFailure increments the failure counter for one detector.
func (m *Metrics) RecordDetectorFailure(detector, reason string) {
	m.DetectorFailures.WithLabelValues(detector, reason).Inc()
}

// RecordCircuitBreakerTrip increments the trip counter for one detector's
// breaker.
func (m *Metrics) RecordCircuitBreakerTrip(detector string) {
	m.CircuitBreakerTrip.WithLabelValues(detector).Inc()
}

// SetCacheSize updates the current entry-count gauge for a named cache.
func (m *Metrics) SetCacheSize(cache string, size int) {
	m.CacheSize.WithLabelValues(cache).Set(float64(size))
}

// RecordCacheEviction adds n evicted entries to a named cache's counter.
func (m *Metrics) RecordCacheEviction(cache string, n int) {
	m.CacheEvictions.WithLabelValues(cache).Add(float64(n))
}

// RecordAction increments the decision counter for one action kind.
func (m *Metrics) RecordAction(kind string) {
	m.ActionPolicyTotal.WithLabelValues(kind).Inc()
}

func waveLabel(wave int) string {
	switch wave {
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	case 4:
		return "4"
	default:
		return "5+"
	}
}
