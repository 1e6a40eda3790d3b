package loop

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const maxLabelLen = 64

// sanitizeLabel keeps label values short and non-empty.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics instruments the orchestration loop.
type Metrics struct {
	iterations      *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	limitRejections *prometheus.CounterVec
	pendingApproval *prometheus.CounterVec
	spendUSD        *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the process-wide metrics, registering them on first use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	m := &Metrics{
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aeroagent",
				Subsystem: "loop",
				Name:      "iterations_total",
				Help:      "Model calls made by the autonomous loop by provider and model",
			},
			[]string{"provider", "model"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aeroagent",
				Subsystem: "loop",
				Name:      "outcomes_total",
				Help:      "Loop invocations by terminal status",
			},
			[]string{"status"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aeroagent",
				Subsystem: "tools",
				Name:      "calls_total",
				Help:      "Tool calls by tool and result",
			},
			[]string{"tool", "result"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "aeroagent",
				Subsystem: "tools",
				Name:      "duration_seconds",
				Help:      "Tool call duration including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		limitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aeroagent",
				Subsystem: "limits",
				Name:      "rejections_total",
				Help:      "Model requests rejected before sending, by limit and provider",
			},
			[]string{"limit", "provider"},
		),
		pendingApproval: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aeroagent",
				Subsystem: "approval",
				Name:      "requests_total",
				Help:      "Tool calls surfaced for user approval by tool",
			},
			[]string{"tool"},
		),
		spendUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "aeroagent",
				Subsystem: "budget",
				Name:      "spend_usd_total",
				Help:      "Recorded model spend in USD by provider",
			},
			[]string{"provider"},
		),
	}

	prometheus.MustRegister(
		m.iterations,
		m.outcomes,
		m.toolCalls,
		m.toolDuration,
		m.limitRejections,
		m.pendingApproval,
		m.spendUSD,
	)

	return m
}

// RecordIteration records one model call.
func (m *Metrics) RecordIteration(provider, model string) {
	m.iterations.WithLabelValues(sanitizeLabel(provider), sanitizeLabel(model)).Inc()
}

// RecordOutcome records how a loop invocation ended.
func (m *Metrics) RecordOutcome(status Status) {
	m.outcomes.WithLabelValues(string(status)).Inc()
}

// RecordToolCall records a finished tool call.
func (m *Metrics) RecordToolCall(tool string, failed bool, seconds float64) {
	result := "success"
	if failed {
		result = "error"
	}
	m.toolCalls.WithLabelValues(sanitizeLabel(tool), result).Inc()
	m.toolDuration.WithLabelValues(sanitizeLabel(tool)).Observe(seconds)
}

// RecordLimitRejection records a pre-flight rejection. limit is "rate" or "budget".
func (m *Metrics) RecordLimitRejection(limit, provider string) {
	m.limitRejections.WithLabelValues(limit, sanitizeLabel(provider)).Inc()
}

// RecordApprovalRequest records a call surfaced for approval.
func (m *Metrics) RecordApprovalRequest(tool string) {
	m.pendingApproval.WithLabelValues(sanitizeLabel(tool)).Inc()
}

// RecordSpend adds recorded spend.
func (m *Metrics) RecordSpend(provider string, usd float64) {
	if usd <= 0 {
		return
	}
	m.spendUSD.WithLabelValues(sanitizeLabel(provider)).Add(usd)
}
