package smartrouter

import (
	"testing"
	"time"
)

func defaultConfig() Config {
	return Config{
		MaxLatencyThreshold:     time.Second,
		MinReliabilityThreshold: 0.8,
		Policy:                  PolicyFastest,
	}
}

func TestSelectRoute_EmptyIsDirect(t *testing.T) {
	r := New(defaultConfig())
	d := r.SelectRoute()
	if d.RouteType != RouteDirect || d.SelectedTarget != nil {
		t.Errorf("expected Direct route with no target, got %+v", d)
	}
}

func TestAddTarget_Idempotent(t *testing.T) {
	r := New(defaultConfig())
	r.AddTarget("1.2.3.4", 80)
	r.AddTarget("1.2.3.4", 80)
	if len(r.targets) != 1 {
		t.Errorf("expected idempotent add, got %d targets", len(r.targets))
	}
}

func TestSelectRoute_FastestPicksLowestLatency(t *testing.T) {
	r := New(defaultConfig())
	r.AddTarget("10.0.0.1", 80)
	r.AddTarget("10.0.0.2", 80)
	r.targets[0].Latency = 200 * time.Millisecond
	r.targets[1].Latency = 50 * time.Millisecond

	d := r.SelectRoute()
	if d.SelectedTarget == nil || d.SelectedTarget.IP != "10.0.0.2" {
		t.Errorf("expected fastest target 10.0.0.2, got %+v", d.SelectedTarget)
	}
}

func TestSelectRoute_FiltersUnreliableTargets(t *testing.T) {
	r := New(defaultConfig())
	r.AddTarget("10.0.0.1", 80)
	r.targets[0].Reliability = 0.1 // below threshold

	d := r.SelectRoute()
	// No available targets after the filter → falls back to targets[0].
	if d.SelectedTarget == nil || d.SelectedTarget.IP != "10.0.0.1" {
		t.Errorf("expected fallback to only target, got %+v", d.SelectedTarget)
	}
}

func TestRecordResult_UnknownDestinationIsNoop(t *testing.T) {
	r := New(defaultConfig())
	r.RecordResult("9.9.9.9:80", true, time.Millisecond) // should not panic
}

func TestParsePolicy_UnknownFallsBackToFastest(t *testing.T) {
	if ParsePolicy("bogus") != PolicyFastest {
		t.Errorf("expected unknown policy tag to fall back to fastest")
	}
}
