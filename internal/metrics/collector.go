// Package trdpmetrics exposes Prometheus instrumentation for the trdpd
// daemon.
package trdpmetrics

import (
	"net/netip"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "trdpd"
	subsystem = "trdp"
)

// Label names for TRDP metrics.
const (
	labelLocalAddr = "local_addr"
	labelComID     = "com_id"
	labelKind      = "kind" // reply | confirm | reqConfirm
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// -------------------------------------------------------------------------
// Collector: Prometheus TRDP Metrics
// -------------------------------------------------------------------------

// Collector holds all TRDP Prometheus metrics.
//
// Metrics are designed for consist-wide monitoring:
//   - Publisher/subscriber gauges track PD population per process.
//   - PD packet counters track cyclic send/receive/drop volumes.
//   - MD dialog counters track the Mn/Mr/Mp/Mq/Mc/Me state machine.
//   - MD timeout counters break out which timeout kind fired, for alerting.
type Collector struct {
	// Publishers tracks the number of currently registered PD publishers.
	Publishers *prometheus.GaugeVec

	// Subscribers tracks the number of currently registered PD subscribers.
	Subscribers *prometheus.GaugeVec

	// MDSessions tracks the number of currently open MD dialogs.
	MDSessions *prometheus.GaugeVec

	// PDPacketsSent counts PD datagrams transmitted per (local_addr, com_id).
	PDPacketsSent *prometheus.CounterVec

	// PDPacketsReceived counts PD datagrams delivered per (local_addr, com_id).
	PDPacketsReceived *prometheus.CounterVec

	// PDPacketsDropped counts PD datagrams the PD engine dropped (topo-count
	// mismatch, no matching subscriber, repeated sequence counter) per
	// local_addr. Datagrams rejected earlier for a CRC failure are not counted.
	PDPacketsDropped *prometheus.CounterVec

	// MDStateTransitions counts MD dialog FSM transitions, labeled with the
	// old and new state for precise alerting.
	MDStateTransitions *prometheus.CounterVec

	// MDTimeouts counts MD dialogs that ended via a timeout, labeled by
	// which timeout kind fired (reply, confirm, reqConfirm).
	MDTimeouts *prometheus.CounterVec
}

// NewCollector creates a Collector with all TRDP metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "trdpd_trdp_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Publishers,
		c.Subscribers,
		c.MDSessions,
		c.PDPacketsSent,
		c.PDPacketsReceived,
		c.PDPacketsDropped,
		c.MDStateTransitions,
		c.MDTimeouts,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	processLabels := []string{labelLocalAddr}
	comIDLabels := []string{labelLocalAddr, labelComID}
	transitionLabels := []string{labelLocalAddr, labelFromState, labelToState}
	timeoutLabels := []string{labelLocalAddr, labelKind}

	return &Collector{
		Publishers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "publishers",
			Help:      "Number of currently registered PD publishers.",
		}, processLabels),

		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscribers",
			Help:      "Number of currently registered PD subscribers.",
		}, processLabels),

		MDSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "md_sessions",
			Help:      "Number of currently open MD dialogs.",
		}, processLabels),

		PDPacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pd_packets_sent_total",
			Help:      "Total PD datagrams transmitted.",
		}, comIDLabels),

		PDPacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pd_packets_received_total",
			Help:      "Total PD datagrams delivered to a matching subscriber.",
		}, comIDLabels),

		PDPacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pd_packets_dropped_total",
			Help:      "Total PD datagrams dropped (topo-count mismatch, CRC failure, no subscriber).",
		}, processLabels),

		MDStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "md_state_transitions_total",
			Help:      "Total MD dialog FSM state transitions.",
		}, transitionLabels),

		MDTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "md_timeouts_total",
			Help:      "Total MD dialogs ended by timeout, by timeout kind.",
		}, timeoutLabels),
	}
}

// -------------------------------------------------------------------------
// Population Gauges
// -------------------------------------------------------------------------

// SetPublishers sets the publisher gauge for the given process.
func (c *Collector) SetPublishers(local netip.Addr, n int) {
	c.Publishers.WithLabelValues(local.String()).Set(float64(n))
}

// SetSubscribers sets the subscriber gauge for the given process.
func (c *Collector) SetSubscribers(local netip.Addr, n int) {
	c.Subscribers.WithLabelValues(local.String()).Set(float64(n))
}

// SetMDSessions sets the open-MD-dialog gauge for the given process.
func (c *Collector) SetMDSessions(local netip.Addr, n int) {
	c.MDSessions.WithLabelValues(local.String()).Set(float64(n))
}

// -------------------------------------------------------------------------
// PD Packet Counters
// -------------------------------------------------------------------------

// IncPDPacketsSent increments the transmitted PD counter for (local, comID).
func (c *Collector) IncPDPacketsSent(local netip.Addr, comID uint32) {
	c.PDPacketsSent.WithLabelValues(local.String(), strconv.FormatUint(uint64(comID), 10)).Inc()
}

// IncPDPacketsReceived increments the delivered PD counter for (local, comID).
func (c *Collector) IncPDPacketsReceived(local netip.Addr, comID uint32) {
	c.PDPacketsReceived.WithLabelValues(local.String(), strconv.FormatUint(uint64(comID), 10)).Inc()
}

// IncPDPacketsDropped increments the dropped PD counter for the process.
func (c *Collector) IncPDPacketsDropped(local netip.Addr) {
	c.PDPacketsDropped.WithLabelValues(local.String()).Inc()
}

// -------------------------------------------------------------------------
// MD Dialog Counters
// -------------------------------------------------------------------------

// RecordMDStateTransition increments the MD FSM transition counter with
// the old and new state labels. Used for alerting on dialogs stuck in
// ReqSent/AwaitConfirm* states.
func (c *Collector) RecordMDStateTransition(local netip.Addr, from, to string) {
	c.MDStateTransitions.WithLabelValues(local.String(), from, to).Inc()
}

// IncMDTimeout increments the MD timeout counter for the given kind
// ("reply", "confirm", "reqConfirm").
func (c *Collector) IncMDTimeout(local netip.Addr, kind string) {
	c.MDTimeouts.WithLabelValues(local.String(), kind).Inc()
}
