package trdp

import "net/netip"

// MetricsReporter receives instrumentation callbacks from the PD and MD
// engines as traffic flows: PD datagrams sent/received/dropped and MD
// dialog state transitions and timeouts. internal/metrics.Collector
// satisfies it; engines hold a never-nil reporter, defaulting to
// noopMetrics when none is configured.
type MetricsReporter interface {
	IncPDPacketsSent(local netip.Addr, comID uint32)
	IncPDPacketsReceived(local netip.Addr, comID uint32)
	IncPDPacketsDropped(local netip.Addr)
	RecordMDStateTransition(local netip.Addr, from, to string)
	IncMDTimeout(local netip.Addr, kind string)
}

// noopMetrics is the reporter used when Config.Metrics is nil, so engine
// call sites never have to nil-check.
type noopMetrics struct{}

func (noopMetrics) IncPDPacketsSent(netip.Addr, uint32)                {}
func (noopMetrics) IncPDPacketsReceived(netip.Addr, uint32)            {}
func (noopMetrics) IncPDPacketsDropped(netip.Addr)                     {}
func (noopMetrics) RecordMDStateTransition(netip.Addr, string, string) {}
func (noopMetrics) IncMDTimeout(netip.Addr, string)                    {}
