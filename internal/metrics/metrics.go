// Package metrics holds the Prometheus collectors for requesters, responders
// and state listeners. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes.
const (
	OutcomeReplied = "replied"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
)

// Responder outcomes.
const (
	OutcomeCommitted   = "committed"
	OutcomeRetried     = "retried"
	OutcomeQuarantined = "quarantined"
)

// Metrics groups the agentmq collectors.
type Metrics struct {
	mu sync.Mutex

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	processedTotal  *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	repliesTotal    *prometheus.CounterVec
	statePublished  *prometheus.CounterVec
	stateReceived   *prometheus.CounterVec
	listenersActive prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmq",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentmq",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		labels,
	)
}

// New creates the collectors. They are not registered until Register is
// called. A nil registerer means prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		requestsTotal:   newCounterVec("requester", "requests_total", "Requests sent, by outcome", []string{"queue", "outcome"}),
		requestDuration: newHistogramVec("requester", "request_duration_seconds", "Time from send to reply or timeout", []string{"queue"}),
		processedTotal:  newCounterVec("responder", "messages_total", "Received requests, by outcome", []string{"queue", "outcome"}),
		handlerDuration: newHistogramVec("responder", "handler_duration_seconds", "Handler execution time", []string{"queue"}),
		repliesTotal:    newCounterVec("responder", "replies_total", "Replies sent, by result", []string{"result"}),
		statePublished:  newCounterVec("state", "published_total", "State updates published, by result", []string{"exchange", "result"}),
		stateReceived:   newCounterVec("state", "received_total", "State updates received, by result", []string{"exchange", "result"}),
		listenersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentmq",
			Subsystem: "state",
			Name:      "listeners_active",
			Help:      "Running state listeners",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.requestsTotal,
		m.requestDuration,
		m.processedTotal,
		m.handlerDuration,
		m.repliesTotal,
		m.statePublished,
		m.stateReceived,
		m.listenersActive,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// ObserveRequest records a finished request.
func (m *Metrics) ObserveRequest(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(queue, outcome).Inc()
	m.requestDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// ObserveMessage records how the responder settled a message.
func (m *Metrics) ObserveMessage(queue, outcome string) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveHandler records handler execution time.
func (m *Metrics) ObserveHandler(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// ObserveReply records a reply attempt.
func (m *Metrics) ObserveReply(err error) {
	if m == nil {
		return
	}
	m.repliesTotal.WithLabelValues(result(err)).Inc()
}

// ObserveStatePublished records a state publish attempt.
func (m *Metrics) ObserveStatePublished(exchange string, err error) {
	if m == nil {
		return
	}
	m.statePublished.WithLabelValues(exchange, result(err)).Inc()
}

// ObserveStateReceived records a received state update.
func (m *Metrics) ObserveStateReceived(exchange string, err error) {
	if m == nil {
		return
	}
	m.stateReceived.WithLabelValues(exchange, result(err)).Inc()
}

// ListenerStarted and ListenerStopped track running listeners.
func (m *Metrics) ListenerStarted() {
	if m == nil {
		return
	}
	m.listenersActive.Inc()
}

func (m *Metrics) ListenerStopped() {
	if m == nil {
		return
	}
	m.listenersActive.Dec()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
