// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the plugind Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	ActiveJobs  prometheus.Gauge
	Rejections  *prometheus.CounterVec
	Transitions *prometheus.CounterVec
}

// NewMetrics creates the plugind collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugind_install_jobs_total",
				Help: "Installation jobs finished, by final status and error code",
			},
			[]string{"status", "code"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugind_install_job_duration_seconds",
				Help:    "Wall time of installation jobs from start to final status",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugind_install_jobs_active",
			Help: "Installation jobs currently pending or running in this process",
		}),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugind_security_rejections_total",
				Help: "Security pipeline rejections by stage, code and severity",
			},
			[]string{"stage", "code", "severity"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugind_lifecycle_transitions_total",
				Help: "Lifecycle operations by action and outcome code",
			},
			[]string{"action", "outcome"},
		),
	}

	reg.MustRegister(m.JobsTotal, m.JobDuration, m.ActiveJobs, m.Rejections, m.Transitions)
	return m
}

// JobQueued records a job accepted by this process.
func (m *Metrics) JobQueued() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

// JobFinished records a job reaching a final status. code is "" on success.
func (m *Metrics) JobFinished(status, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
	m.JobsTotal.WithLabelValues(status, code).Inc()
	m.JobDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// JobDeferred records a queued job left pending for a later process.
func (m *Metrics) JobDeferred() {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
}

// StageRejected records a security pipeline rejection.
func (m *Metrics) StageRejected(stage, code, severity string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(stage, code, severity).Inc()
}

// Transition records a lifecycle operation. outcome is "ok" or an error code.
func (m *Metrics) Transition(action, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action, outcome).Inc()
}
