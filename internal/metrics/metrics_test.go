package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.QueueDepth.Set(3)
	m.ActiveBuilds.Set(1)
	m.BuildsTotal.WithLabelValues(OutcomeSucceeded).Inc()
	m.LaunchesTotal.Inc()
	m.FetchErrorsTotal.Inc()
	m.LeaderTransitions.WithLabelValues(LeaderEventAcquired).Inc()
	m.LeaderStatus.Set(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var found map[string]bool = map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}

	for _, name := range []string{
		"buildmonitor_queue_depth",
		"buildmonitor_active_builds",
		"buildmonitor_builds_total",
		"buildmonitor_launches_total",
		"buildmonitor_fetch_errors_total",
		"buildmonitor_leader_transitions_total",
		"buildmonitor_leader_status",
	} {
		if !found[name] {
			t.Errorf("metric %s not found in registry", name)
		}
	}
}

func TestQueueDepthGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.QueueDepth.Set(5)

	var metric dto.Metric
	if err := m.QueueDepth.Write(&metric); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if metric.GetGauge().GetValue() != 5 {
		t.Fatalf("QueueDepth = %v, want 5", metric.GetGauge().GetValue())
	}
}
