// Package metrics exposes engine counters through prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "collab_engine"

// Collector is a prometheus.Collector for the realtime engine. A nil *Collector is
// valid and records nothing.
type Collector struct {
	connectionCount     prometheus.Gauge
	roomCount           prometheus.Gauge
	eventsDelivered     *prometheus.CounterVec
	eventsDropped       *prometheus.CounterVec
	commands            *prometheus.CounterVec
	commandLatency      *prometheus.HistogramVec
	presenceTransitions *prometheus.CounterVec
	updateAppends       prometheus.Counter
	relayMessages       *prometheus.CounterVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		connectionCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "connection_count",
				Help:      "The number of live connections.",
			},
		),
		roomCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "room_count",
				Help:      "The number of rooms with at least one subscriber.",
			},
		),
		eventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_delivered_total",
				Help:      "Events queued for delivery to a connection.",
			}, []string{"event"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because the connection was closed or its queue was full.",
			}, []string{"event"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Inbound commands by name and outcome.",
			}, []string{"command", "outcome"},
		),
		commandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "command_duration_seconds",
				Help:      "Time taken to handle an inbound command.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"command"},
		),
		presenceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "presence_transitions_total",
				Help:      "Presence transitions by resulting status.",
			}, []string{"status"},
		),
		updateAppends: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "document_updates_appended_total",
				Help:      "Document update log entries appended.",
			},
		),
		relayMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "relay_messages_total",
				Help:      "Envelopes exchanged with other engine nodes.",
			}, []string{"direction"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.connectionCount.Describe(ch)
	c.roomCount.Describe(ch)
	c.eventsDelivered.Describe(ch)
	c.eventsDropped.Describe(ch)
	c.commands.Describe(ch)
	c.commandLatency.Describe(ch)
	c.presenceTransitions.Describe(ch)
	c.updateAppends.Describe(ch)
	c.relayMessages.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.connectionCount.Collect(ch)
	c.roomCount.Collect(ch)
	c.eventsDelivered.Collect(ch)
	c.eventsDropped.Collect(ch)
	c.commands.Collect(ch)
	c.commandLatency.Collect(ch)
	c.presenceTransitions.Collect(ch)
	c.updateAppends.Collect(ch)
	c.relayMessages.Collect(ch)
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionCount.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionCount.Dec()
}

func (c *Collector) RoomCreated() {
	if c == nil {
		return
	}
	c.roomCount.Inc()
}

func (c *Collector) RoomReleased() {
	if c == nil {
		return
	}
	c.roomCount.Dec()
}

func (c *Collector) EventDelivered(event string) {
	if c == nil {
		return
	}
	c.eventsDelivered.WithLabelValues(event).Inc()
}

func (c *Collector) EventDropped(event string) {
	if c == nil {
		return
	}
	c.eventsDropped.WithLabelValues(event).Inc()
}

// CommandHandled records the outcome and latency of one inbound command.
func (c *Collector) CommandHandled(command, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(command, outcome).Inc()
	c.commandLatency.WithLabelValues(command).Observe(elapsed.Seconds())
}

func (c *Collector) PresenceTransition(status string) {
	if c == nil {
		return
	}
	c.presenceTransitions.WithLabelValues(status).Inc()
}

func (c *Collector) UpdateAppended() {
	if c == nil {
		return
	}
	c.updateAppends.Inc()
}

func (c *Collector) RelayMessage(direction string) {
	if c == nil {
		return
	}
	c.relayMessages.WithLabelValues(direction).Inc()
}
