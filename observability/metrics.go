package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	claimsMetricsOnce sync.Once
	claimsRegistry    *ClaimsMetrics
)

// ClaimsMetrics wraps collectors tracking the claim settlement pipeline.
type ClaimsMetrics struct {
	admissions    *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	refunds       *prometheus.CounterVec
	earnings      *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	runLatency    prometheus.Histogram
	queueDepth    *prometheus.GaugeVec
	requests      *prometheus.CounterVec
	durations     *prometheus.HistogramVec
}

// Claims exposes the lazily initialised metrics registry for claimd.
func Claims() *ClaimsMetrics {
	claimsMetricsOnce.Do(func() {
		claimsRegistry = &ClaimsMetrics{
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "admissions_total",
				Help:      "Claim admission attempts segmented by outcome.",
			}, []string{"outcome"}),
			confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "confirmations_total",
				Help:      "Direct claim confirmations segmented by outcome.",
			}, []string{"outcome"}),
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "refunds_total",
				Help:      "Refund attempts for failed claims segmented by outcome.",
			}, []string{"outcome"}),
			earnings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "earnings_total",
				Help:      "Recorded earning events segmented by outcome.",
			}, []string{"outcome"}),
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "claim_resolutions_total",
				Help:      "Claims resolved by the settlement engine segmented by resulting status.",
			}, []string{"status"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "chain_submissions_total",
				Help:      "On-chain batch submissions segmented by outcome.",
			}, []string{"outcome"}),
			runLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "engine_run_duration_seconds",
				Help:      "Latency distribution for settlement engine invocations.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "queue_claims",
				Help:      "Claim transactions per status as of the last stats snapshot.",
			}, []string{"status"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "http_requests_total",
				Help:      "HTTP requests served by claimd.",
			}, []string{"route", "method", "status"}),
			durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rewards",
				Subsystem: "claimd",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(
			claimsRegistry.admissions,
			claimsRegistry.confirmations,
			claimsRegistry.refunds,
			claimsRegistry.earnings,
			claimsRegistry.resolutions,
			claimsRegistry.submissions,
			claimsRegistry.runLatency,
			claimsRegistry.queueDepth,
			claimsRegistry.requests,
			claimsRegistry.durations,
		)
	})
	return claimsRegistry
}

// RecordAdmission increments the admission counter.
func (m *ClaimsMetrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(label(outcome)).Inc()
}

// RecordConfirmation increments the direct confirmation counter.
func (m *ClaimsMetrics) RecordConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(label(outcome)).Inc()
}

// RecordRefund increments the refund counter.
func (m *ClaimsMetrics) RecordRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(label(outcome)).Inc()
}

// RecordEarning increments the earning counter.
func (m *ClaimsMetrics) RecordEarning(outcome string) {
	if m == nil {
		return
	}
	m.earnings.WithLabelValues(label(outcome)).Inc()
}

// RecordResolution adds n claims resolved into the supplied status.
func (m *ClaimsMetrics) RecordResolution(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resolutions.WithLabelValues(label(status)).Add(float64(n))
}

// RecordSubmission increments the chain submission counter.
func (m *ClaimsMetrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(outcome)).Inc()
}

// ObserveRun records the duration of a settlement engine invocation.
func (m *ClaimsMetrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.runLatency.Observe(d.Seconds())
}

// SetQueueDepth publishes the number of claims currently in a status.
func (m *ClaimsMetrics) SetQueueDepth(status string, count int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(label(status)).Set(float64(count))
}

// ObserveRequest records one served HTTP request.
func (m *ClaimsMetrics) ObserveRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.durations.WithLabelValues(route, method).Observe(d.Seconds())
}

func label(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unspecified"
	}
	return trimmed
}
