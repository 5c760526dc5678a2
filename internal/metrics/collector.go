// Package metrics implements tpmbrokerd's Prometheus instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "tpmbrokerd"
	subsystem = "broker"
)

const labelResult = "result"

// Reporter is the instrumentation surface the session, pipeline, and
// control packages depend on. Collector implements it; NoopReporter is
// used where metrics are not wired (tests that don't care about them).
type Reporter interface {
	RegisterSession()
	UnregisterSession()
	IncCommandsReceived()
	IncResponsesSent()
	IncCommandsDropped()
	IncCancel(result string)
	IncLocalityChange()
	IncCreateConnection(outcome string)
}

// Collector holds every Prometheus metric tpmbrokerd exports.
type Collector struct {
	// Sessions tracks the number of currently registered sessions.
	Sessions prometheus.Gauge

	// CommandsReceived counts command frames accepted by CommandSource.
	CommandsReceived prometheus.Counter

	// ResponsesSent counts response frames the Broker produces from the
	// transport, counted before ResponseSink writes them.
	ResponsesSent prometheus.Counter

	// CommandsDropped counts command frames rejected for malformed
	// length or lost to an I/O error before reaching the Broker.
	CommandsDropped prometheus.Counter

	// Cancellations counts control-plane Cancel calls, labeled by result
	// ("canceled" or "nothing_to_cancel").
	Cancellations *prometheus.CounterVec

	// LocalityChanges counts Broker-issued SetLocality calls to the
	// transport.
	LocalityChanges prometheus.Counter

	// CreateConnections counts control-plane CreateConnection calls,
	// labeled by outcome ("ok" or "resource_exhausted").
	CreateConnections *prometheus.CounterVec
}

// NewCollector creates a Collector and registers all of its metrics
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.CommandsReceived,
		c.ResponsesSent,
		c.CommandsDropped,
		c.Cancellations,
		c.LocalityChanges,
		c.CreateConnections,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently registered sessions.",
		}),
		CommandsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_received_total",
			Help:      "Total command frames accepted from client connections.",
		}),
		ResponsesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "responses_sent_total",
			Help:      "Total response frames produced by the Broker from the transport.",
		}),
		CommandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_dropped_total",
			Help:      "Total command frames discarded for malformed length or I/O error.",
		}),
		Cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cancellations_total",
			Help:      "Total control-plane Cancel calls by result.",
		}, []string{labelResult}),
		LocalityChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "locality_changes_total",
			Help:      "Total transport SetLocality calls issued by the Broker.",
		}),
		CreateConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "create_connection_total",
			Help:      "Total control-plane CreateConnection calls by outcome.",
		}, []string{"outcome"}),
	}
}

func (c *Collector) RegisterSession()   { c.Sessions.Inc() }
func (c *Collector) UnregisterSession() { c.Sessions.Dec() }

func (c *Collector) IncCommandsReceived() { c.CommandsReceived.Inc() }
func (c *Collector) IncResponsesSent()    { c.ResponsesSent.Inc() }
func (c *Collector) IncCommandsDropped()  { c.CommandsDropped.Inc() }

func (c *Collector) IncCancel(result string) { c.Cancellations.WithLabelValues(result).Inc() }

func (c *Collector) IncLocalityChange() { c.LocalityChanges.Inc() }

func (c *Collector) IncCreateConnection(outcome string) {
	c.CreateConnections.WithLabelValues(outcome).Inc()
}
