// Package metrics exposes Prometheus collectors for the router registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registration outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeRefreshed = "refreshed"
	OutcomeForbidden = "forbidden"
	OutcomeFailed    = "failed"
)

// Update outcomes.
const (
	UpdateApplied = "applied"
	UpdateIgnored = "ignored"
	UpdateFailed  = "failed"
)

// Metrics holds the registry collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// SessionsGauge tracks authenticated sessions attached for broadcast.
	SessionsGauge prometheus.Gauge

	// RoutersGauge tracks routers currently owned by a live session.
	RoutersGauge prometheus.Gauge

	// RegistrationsCounter counts register requests.
	// Labels: outcome (created, refreshed, forbidden, failed)
	RegistrationsCounter *prometheus.CounterVec

	// UpdatesCounter counts update-router messages.
	// Labels: outcome (applied, ignored, failed)
	UpdatesCounter *prometheus.CounterVec

	// FramesCounter counts broadcast frames per receiver.
	// Labels: event, result (sent, dropped)
	FramesCounter *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "routerdist",
			Subsystem: "registry",
			Name:      "sessions",
			Help:      "Authenticated sessions receiving broadcasts.",
		}),
		RoutersGauge: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "routerdist",
			Subsystem: "registry",
			Name:      "routers",
			Help:      "Routers owned by a live session.",
		}),
		RegistrationsCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routerdist",
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Register requests by outcome.",
		}, []string{"outcome"}),
		UpdatesCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routerdist",
			Subsystem: "registry",
			Name:      "updates_total",
			Help:      "update-router messages by outcome.",
		}, []string{"outcome"}),
		FramesCounter: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routerdist",
			Subsystem: "broadcast",
			Name:      "frames_total",
			Help:      "Broadcast frames per receiver by event and result.",
		}, []string{"event", "result"}),
	}
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsGauge.Set(float64(n))
}

func (m *Metrics) RouterAdded() {
	if m == nil {
		return
	}
	m.RoutersGauge.Inc()
}

func (m *Metrics) RouterRemoved() {
	if m == nil {
		return
	}
	m.RoutersGauge.Dec()
}

func (m *Metrics) ResetRouters() {
	if m == nil {
		return
	}
	m.RoutersGauge.Set(0)
}

func (m *Metrics) Registration(outcome string) {
	if m == nil {
		return
	}
	m.RegistrationsCounter.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Update(outcome string) {
	if m == nil {
		return
	}
	m.UpdatesCounter.WithLabelValues(outcome).Inc()
}

// Broadcast records the delivery result of one fan-out.
func (m *Metrics) Broadcast(event string, sent, dropped int) {
	if m == nil {
		return
	}
	m.FramesCounter.WithLabelValues(event, "sent").Add(float64(sent))
	m.FramesCounter.WithLabelValues(event, "dropped").Add(float64(dropped))
}
