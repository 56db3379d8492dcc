// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "runbook_engine"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	executionsStarted  prometheus.Counter
	executionsFinished *prometheus.CounterVec
	activeExecutions   prometheus.Gauge
	stepAttempts       *prometheus.CounterVec
	stepDuration       prometheus.Histogram
	healingDecisions   *prometheus.CounterVec
	webhookRequests    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Runbook executions started",
		}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Runbook executions that reached a terminal status",
		}, []string{"status"}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Runbook executions currently scheduled in this process",
		}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step attempts handed to the script host by outcome",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_attempt_duration_seconds",
			Help:      "Duration of a single step attempt",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		healingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "healing_decisions_total",
			Help:      "Self-healing rule decisions by outcome",
		}, []string{"outcome"}),
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook trigger requests by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.executionsStarted,
			m.executionsFinished,
			m.activeExecutions,
			m.stepAttempts,
			m.stepDuration,
			m.healingDecisions,
			m.webhookRequests,
		)
	}
	return m
}

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsStarted.Inc()
	m.activeExecutions.Inc()
}

func (m *Metrics) ExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(status).Inc()
	m.activeExecutions.Dec()
}

func (m *Metrics) StepAttempt(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(outcome).Inc()
	m.stepDuration.Observe(d.Seconds())
}

func (m *Metrics) HealingDecision(outcome string) {
	if m == nil {
		return
	}
	m.healingDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookRequest(result string) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(result).Inc()
}
