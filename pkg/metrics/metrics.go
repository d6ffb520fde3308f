// Package metrics exports client and relay counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeGROOVE-dev/resock/pkg/client"
	"github.com/codeGROOVE-dev/resock/pkg/srv"
)

const namespace = "resock"

var allStates = []client.State{
	client.Disconnected,
	client.Connecting,
	client.Connected,
	client.Reconnecting,
	client.Failed,
}

// ClientSource is the part of *client.Client the collector reads.
type ClientSource interface {
	State() client.State
	Stats() client.Stats
}

// ClientCollector reads a client's Stats on every scrape.
type ClientCollector struct {
	source      ClientSource
	name        string
	state       *prometheus.Desc
	pending     *prometheus.Desc
	attempt     *prometheus.Desc
	sent        *prometheus.Desc
	received    *prometheus.Desc
	reconnects  *prometheus.Desc
	dropped     *prometheus.Desc
	parseErrors *prometheus.Desc
}

// NewClientCollector creates a collector labelled with name.
func NewClientCollector(name string, source ClientSource) *ClientCollector {
	labels := prometheus.Labels{"client": name}
	desc := func(metric, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "client", metric), help, variable, labels)
	}
	return &ClientCollector{
		source:      source,
		name:        name,
		state:       desc("state", "1 for the current connection state, 0 otherwise.", "state"),
		pending:     desc("pending_messages", "Messages queued while disconnected."),
		attempt:     desc("reconnect_attempt", "Consecutive failed attempts in the current cycle."),
		sent:        desc("messages_sent_total", "Messages written to the socket."),
		received:    desc("messages_received_total", "Inbound messages delivered to listeners."),
		reconnects:  desc("reconnects_total", "Reconnect dials started."),
		dropped:     desc("messages_dropped_total", "Queued messages discarded by the pending limit."),
		parseErrors: desc("parse_errors_total", "Inbound frames that were not JSON objects."),
	}
}

// Describe implements prometheus.Collector.
func (c *ClientCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.state, c.pending, c.attempt, c.sent, c.received, c.reconnects, c.dropped, c.parseErrors,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *ClientCollector) Collect(ch chan<- prometheus.Metric) {
	current := c.source.State()
	s := c.source.Stats()

	for _, st := range allStates {
		v := 0.0
		if st == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, st.String())
	}
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending))
	ch <- prometheus.MustNewConstMetric(c.attempt, prometheus.GaugeValue, float64(s.Attempt))
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(s.Sent))
	ch <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(s.Received))
	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(s.Reconnects))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.Dropped))
	ch <- prometheus.MustNewConstMetric(c.parseErrors, prometheus.CounterValue, float64(s.ParseErrors))
}

// InstrumentClient registers a collector for c with reg.
func InstrumentClient(reg prometheus.Registerer, name string, c *client.Client) error {
	return reg.Register(NewClientCollector(name, c))
}

// HubSource is the part of *srv.Hub the collector reads.
type HubSource interface {
	Stats() srv.HubStats
}

// HubCollector exports relay hub counters.
type HubCollector struct {
	hub        HubSource
	active     func() int
	clients    *prometheus.Desc
	broadcasts *prometheus.Desc
	delivered  *prometheus.Desc
	dropped    *prometheus.Desc
	conns      *prometheus.Desc
}

// NewHubCollector creates a hub collector. active, when non-nil, reports
// connections held by the connection limiter, including handshakes in progress.
func NewHubCollector(hub HubSource, active func() int) *HubCollector {
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "hub", metric), help, nil, nil)
	}
	return &HubCollector{
		hub:        hub,
		active:     active,
		clients:    desc("clients", "Registered relay clients."),
		broadcasts: desc("broadcasts_total", "Messages fanned out by the hub."),
		delivered:  desc("deliveries_total", "Frames queued to recipients."),
		dropped:    desc("drops_total", "Frames dropped because a buffer was full."),
		conns:      desc("connections", "Connections held by the connection limiter."),
	}
}

// Describe implements prometheus.Collector.
func (h *HubCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- h.clients
	ch <- h.broadcasts
	ch <- h.delivered
	ch <- h.dropped
	if h.active != nil {
		ch <- h.conns
	}
}

// Collect implements prometheus.Collector.
func (h *HubCollector) Collect(ch chan<- prometheus.Metric) {
	s := h.hub.Stats()
	ch <- prometheus.MustNewConstMetric(h.clients, prometheus.GaugeValue, float64(s.Clients))
	ch <- prometheus.MustNewConstMetric(h.broadcasts, prometheus.CounterValue, float64(s.Broadcasts))
	ch <- prometheus.MustNewConstMetric(h.delivered, prometheus.CounterValue, float64(s.Delivered))
	ch <- prometheus.MustNewConstMetric(h.dropped, prometheus.CounterValue, float64(s.Dropped))
	if h.active != nil {
		ch <- prometheus.MustNewConstMetric(h.conns, prometheus.GaugeValue, float64(h.active()))
	}
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
