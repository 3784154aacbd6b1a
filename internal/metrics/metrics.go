// Package metrics declares the bus's Prometheus collectors, in the
// idiom tempo uses throughout its modules (a struct of collectors built
// once and passed down by reference), exposed under the bus's internal
// status server alongside grafana-tempo/cmd/tempo/app's /status page
// pattern.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Bus groups every counter/gauge the bus loop and registry update as
// they run.
type Bus struct {
	ConnectedClients   prometheus.Gauge
	RegisteredCommands prometheus.Gauge
	WaitQueueDepth     prometheus.Gauge
	MessagesReceived   *prometheus.CounterVec
	MalformedMessages  prometheus.Counter
	Reconnections      prometheus.Counter
	ReexecsStarted     prometheus.Counter
}

// NewBus constructs and registers a Bus's collectors with reg.
func NewBus(reg prometheus.Registerer) *Bus {
	b := &Bus{
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mds",
			Name:      "connected_clients",
			Help:      "Number of clients currently connected to the bus socket.",
		}),
		RegisteredCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mds",
			Name:      "registered_commands",
			Help:      "Number of distinct protocol commands with at least one registered implementor.",
		}),
		WaitQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mds",
			Name:      "wait_queue_depth",
			Help:      "Number of in-flight \"wait\" requests blocked on commands that are not yet registered.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mds",
			Name:      "messages_received_total",
			Help:      "Number of messages received by command name.",
		}, []string{"command"}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mds",
			Name:      "malformed_messages_total",
			Help:      "Number of connections terminated due to malformed framing.",
		}),
		Reconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mds",
			Name:      "display_reconnections_total",
			Help:      "Number of client connections that ended in a reset rather than a clean close.",
		}),
		ReexecsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mds",
			Name:      "reexecs_started_total",
			Help:      "Number of live re-executions initiated.",
		}),
	}
	reg.MustRegister(
		b.ConnectedClients,
		b.RegisteredCommands,
		b.WaitQueueDepth,
		b.MessagesReceived,
		b.MalformedMessages,
		b.Reconnections,
		b.ReexecsStarted,
	)
	return b
}
