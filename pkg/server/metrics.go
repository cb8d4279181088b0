package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions prometheus.Gauge
	connections    *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	framesSent     prometheus.Counter
	sendFailures   prometheus.Counter
	authAttempts   *prometheus.CounterVec
	groupsCreated  prometheus.Counter
	messagesStored *prometheus.CounterVec
}

// NewMetrics registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_active_sessions",
			Help: "Authenticated connections currently registered",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_connections_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_frames_received_total",
			Help: "Inbound frames by routed kind",
		}, []string{"kind"}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_frames_sent_total",
			Help: "Frames written to live sessions",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_send_failures_total",
			Help: "Writes to live sessions that failed",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_auth_attempts_total",
			Help: "Authentication attempts by mode and result",
		}, []string{"mode", "result"}),
		groupsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_groups_created_total",
			Help: "Groups created",
		}),
		messagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_messages_stored_total",
			Help: "Messages persisted by kind (direct, group)",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.connections,
		m.framesReceived,
		m.framesSent,
		m.sendFailures,
		m.authAttempts,
		m.groupsCreated,
		m.messagesStored,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) RecordConnection(transport string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordFrame(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordSend(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sendFailures.Inc()
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) RecordAuth(mode, result string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) RecordGroupCreated() {
	if m == nil {
		return
	}
	m.groupsCreated.Inc()
}

func (m *Metrics) RecordStored(kind string) {
	if m == nil {
		return
	}
	m.messagesStored.WithLabelValues(kind).Inc()
}
