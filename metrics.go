package msgsock

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus collectors of a Server.
// A nil *metrics is valid and records nothing.
type metrics struct {
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected prometheus.Counter
	messagesReceived    prometheus.Counter
	messagesSent        prometheus.Counter
	bytesReceived       prometheus.Counter
	bytesSent           prometheus.Counter
	handlerErrors       prometheus.Counter
	handlerDuration     prometheus.Histogram
}

// newMetrics creates and registers server metrics. It returns nil when no
// registerer is configured.
func newMetrics(registerer prometheus.Registerer, namespace string, logger Logger) *metrics {
	if registerer == nil {
		return nil
	}

	const subsystem = "server"
	m := &metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Connections currently served",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Connections accepted",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_rejected_total",
			Help:      "Connections refused by capacity, handshake or OnConnect",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Requests handed to the message handler",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Replies written back to clients",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Request payload bytes",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_sent_total",
			Help:      "Reply payload bytes",
		}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_errors_total",
			Help:      "Handler calls that failed or panicked",
		}),
		handlerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the message handler",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}

	m.connectionsActive = register(registerer, m.connectionsActive, logger)
	m.connectionsTotal = register(registerer, m.connectionsTotal, logger)
	m.connectionsRejected = register(registerer, m.connectionsRejected, logger)
	m.messagesReceived = register(registerer, m.messagesReceived, logger)
	m.messagesSent = register(registerer, m.messagesSent, logger)
	m.bytesReceived = register(registerer, m.bytesReceived, logger)
	m.bytesSent = register(registerer, m.bytesSent, logger)
	m.handlerErrors = register(registerer, m.handlerErrors, logger)
	m.handlerDuration = register(registerer, m.handlerDuration, logger)

	return m
}

// register adds c to registerer, reusing an identical collector that is
// already registered.
func register[T prometheus.Collector](registerer prometheus.Registerer, c T, logger Logger) T {
	err := registerer.Register(c)
	if err == nil {
		return c
	}

	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	logger.Warn("metric registration failed", "error", err)
	return c
}

func (m *metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *metrics) connectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *metrics) received(n int) {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *metrics) sent(n int) {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *metrics) handled(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.handlerDuration.Observe(d.Seconds())
	if failed {
		m.handlerErrors.Inc()
	}
}
