package trdpmetrics_test

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	trdpmetrics "github.com/trdp-go/trdpd/internal/metrics"
)

func testLocal() netip.Addr {
	return netip.MustParseAddr("10.0.0.2")
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := trdpmetrics.NewCollector(reg)

	if c.Publishers == nil {
		t.Error("Publishers is nil")
	}
	if c.Subscribers == nil {
		t.Error("Subscribers is nil")
	}
	if c.MDSessions == nil {
		t.Error("MDSessions is nil")
	}
	if c.PDPacketsSent == nil {
		t.Error("PDPacketsSent is nil")
	}
	if c.PDPacketsReceived == nil {
		t.Error("PDPacketsReceived is nil")
	}
	if c.PDPacketsDropped == nil {
		t.Error("PDPacketsDropped is nil")
	}
	if c.MDStateTransitions == nil {
		t.Error("MDStateTransitions is nil")
	}
	if c.MDTimeouts == nil {
		t.Error("MDTimeouts is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestPopulationGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := trdpmetrics.NewCollector(reg)

	local := testLocal()

	c.SetPublishers(local, 3)
	if val := gaugeValue(t, c.Publishers, local.String()); val != 3 {
		t.Errorf("Publishers = %v, want 3", val)
	}

	c.SetSubscribers(local, 5)
	if val := gaugeValue(t, c.Subscribers, local.String()); val != 5 {
		t.Errorf("Subscribers = %v, want 5", val)
	}

	c.SetMDSessions(local, 2)
	if val := gaugeValue(t, c.MDSessions, local.String()); val != 2 {
		t.Errorf("MDSessions = %v, want 2", val)
	}

	c.SetPublishers(local, 1)
	if val := gaugeValue(t, c.Publishers, local.String()); val != 1 {
		t.Errorf("Publishers after re-set = %v, want 1", val)
	}
}

func TestPDPacketCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := trdpmetrics.NewCollector(reg)

	local := testLocal()
	const comID = 1001

	c.IncPDPacketsSent(local, comID)
	c.IncPDPacketsSent(local, comID)
	c.IncPDPacketsSent(local, comID)

	if val := counterValue(t, c.PDPacketsSent, local.String(), "1001"); val != 3 {
		t.Errorf("PDPacketsSent = %v, want 3", val)
	}

	c.IncPDPacketsReceived(local, comID)
	c.IncPDPacketsReceived(local, comID)

	if val := counterValue(t, c.PDPacketsReceived, local.String(), "1001"); val != 2 {
		t.Errorf("PDPacketsReceived = %v, want 2", val)
	}

	c.IncPDPacketsDropped(local)

	if val := counterValue(t, c.PDPacketsDropped, local.String()); val != 1 {
		t.Errorf("PDPacketsDropped = %v, want 1", val)
	}
}

func TestMDStateTransition(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := trdpmetrics.NewCollector(reg)

	local := testLocal()

	c.RecordMDStateTransition(local, "Idle", "ReqSent")
	if val := counterValue(t, c.MDStateTransitions, local.String(), "Idle", "ReqSent"); val != 1 {
		t.Errorf("MDStateTransitions(Idle->ReqSent) = %v, want 1", val)
	}

	c.RecordMDStateTransition(local, "ReqSent", "Done")
	if val := counterValue(t, c.MDStateTransitions, local.String(), "ReqSent", "Done"); val != 1 {
		t.Errorf("MDStateTransitions(ReqSent->Done) = %v, want 1", val)
	}

	c.RecordMDStateTransition(local, "Idle", "ReqSent")
	if val := counterValue(t, c.MDStateTransitions, local.String(), "Idle", "ReqSent"); val != 2 {
		t.Errorf("MDStateTransitions(Idle->ReqSent) = %v, want 2", val)
	}
}

func TestMDTimeouts(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := trdpmetrics.NewCollector(reg)

	local := testLocal()

	c.IncMDTimeout(local, "reply")
	c.IncMDTimeout(local, "reply")
	c.IncMDTimeout(local, "confirm")

	if val := counterValue(t, c.MDTimeouts, local.String(), "reply"); val != 2 {
		t.Errorf("MDTimeouts(reply) = %v, want 2", val)
	}
	if val := counterValue(t, c.MDTimeouts, local.String(), "confirm"); val != 1 {
		t.Errorf("MDTimeouts(confirm) = %v, want 1", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
