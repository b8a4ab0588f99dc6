// Package api exposes a running voidnet node to operators: Prometheus
// metrics, an HTTP status server and a gRPC health service.
package api

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/VanDung-dev/voidnet/engine"
	"github.com/VanDung-dev/voidnet/network"
)

// Metrics holds all Prometheus metrics of a node. It implements
// network.Recorder.
type Metrics struct {
	// Gossip metrics
	MessagesAccepted *prometheus.CounterVec
	MessagesRejected *prometheus.CounterVec

	// Handshake metrics
	HandshakesTotal *prometheus.CounterVec

	// Topology metrics
	Connections   prometheus.Gauge
	TopologyNodes prometheus.Gauge
	TopologyEdges prometheus.Gauge

	// Loop metrics
	LoopPending   prometheus.Gauge
	LoopCompleted prometheus.Gauge
	LoopFailed    prometheus.Gauge
}

var _ network.Recorder = (*Metrics)(nil)

// NewMetrics creates a new Metrics instance with the given namespace,
// registered with reg. A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		MessagesAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_accepted_total",
			Help:      "Total number of gossip messages accepted, by type",
		}, []string{"type"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Total number of gossip messages rejected, by reason",
		}, []string{"reason"}),

		HandshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total number of finished handshakes by role and result",
		}, []string{"role", "result"}),

		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Current number of established connections",
		}),
		TopologyNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_nodes",
			Help:      "Number of nodes with at least one confirmed link",
		}),
		TopologyEdges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_edges",
			Help:      "Number of confirmed links in the network map",
		}),

		LoopPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_pending_tasks",
			Help:      "Number of tasks queued on the node loop",
		}),
		LoopCompleted: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_completed_tasks",
			Help:      "Number of tasks the node loop has completed",
		}),
		LoopFailed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_failed_tasks",
			Help:      "Number of node loop tasks that panicked",
		}),
	}
}

// MessageAccepted implements network.Recorder.
func (m *Metrics) MessageAccepted(msgType string) {
	m.MessagesAccepted.WithLabelValues(msgType).Inc()
}

// MessageRejected implements network.Recorder.
func (m *Metrics) MessageRejected(reason string) {
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// HandshakeFinished implements network.Recorder.
func (m *Metrics) HandshakeFinished(initiated bool, err error) {
	role := "acceptor"
	if initiated {
		role = "initiator"
	}
	m.HandshakesTotal.WithLabelValues(role, handshakeResult(err)).Inc()
}

// ConnectionsChanged implements network.Recorder.
func (m *Metrics) ConnectionsChanged(count int) {
	m.Connections.Set(float64(count))
}

// TopologyChanged implements network.Recorder.
func (m *Metrics) TopologyChanged(nodes, edges int) {
	m.TopologyNodes.Set(float64(nodes))
	m.TopologyEdges.Set(float64(edges))
}

// UpdateLoop updates the loop gauges.
func (m *Metrics) UpdateLoop(stats engine.LoopStats) {
	m.LoopPending.Set(float64(stats.Pending))
	m.LoopCompleted.Set(float64(stats.Completed))
	m.LoopFailed.Set(float64(stats.Failed))
}

var handshakeResults = []struct {
	err   error
	label string
}{
	{network.ErrHandshakeTimeout, "timeout"},
	{network.ErrHandshakeRejected, "rejected"},
	{network.ErrHandshakeMismatch, "mismatch"},
	{network.ErrHandshakeAborted, "aborted"},
	{network.ErrUnsolicitedAck, "unsolicited"},
	{network.ErrInvalidIdentity, "invalid_identity"},
	{network.ErrDialFailed, "dial_failed"},
	{network.ErrSelfConnect, "self"},
	{network.ErrDuplicateHandshake, "duplicate"},
	{network.ErrNodeStopped, "stopped"},
}

func handshakeResult(err error) string {
	if err == nil {
		return "success"
	}
	for _, r := range handshakeResults {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "error"
}
