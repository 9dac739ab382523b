package anomaly

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Enabled:             true,
		SpikeThreshold:      3.0,
		LatencyThresholdMs:  5000,
		ErrorRateThreshold:  0.1,
		ConnectionThreshold: 500,
	}
}

func TestDetect_DisabledReturnsNothing(t *testing.T) {
	d := New(Config{Enabled: false}, nil)
	events := d.Detect(1e9, time.Hour, 1.0, 1e9)
	if len(events) != 0 {
		t.Errorf("expected no events when disabled, got %d", len(events))
	}
}

func TestDetect_NoSpikeBeforeMinSamples(t *testing.T) {
	d := New(testConfig(), nil)
	for i := 0; i < minSpikeSamples-1; i++ {
		d.Detect(100, 10*time.Millisecond, 0, 0)
	}
	events := d.Detect(10000, 10*time.Millisecond, 0, 0)
	for _, e := range events {
		if e.Type == TrafficSpike {
			t.Errorf("expected no traffic spike before %d samples", minSpikeSamples)
		}
	}
}

func TestDetect_TrafficSpike(t *testing.T) {
	d := New(testConfig(), nil)
	for i := 0; i < minSpikeSamples; i++ {
		d.Detect(10, 10*time.Millisecond, 0, 0)
	}
	events := d.Detect(1000, 10*time.Millisecond, 0, 0)
	found := false
	for _, e := range events {
		if e.Type == TrafficSpike {
			found = true
			if e.Severity != SeverityHigh {
				t.Errorf("expected High severity for large spike, got %v", e.Severity)
			}
		}
	}
	if !found {
		t.Fatal("expected a traffic spike event")
	}
}

func TestDetect_CooldownSuppressesRepeat(t *testing.T) {
	d := New(testConfig(), nil)
	for i := 0; i < minSpikeSamples; i++ {
		d.Detect(10, 10*time.Millisecond, 0, 0)
	}
	first := d.Detect(1000, 10*time.Millisecond, 0, 0)
	if len(first) == 0 {
		t.Fatal("expected first spike to fire")
	}
	second := d.Detect(1000, 10*time.Millisecond, 0, 0)
	for _, e := range second {
		if e.Type == TrafficSpike {
			t.Errorf("expected traffic spike to be suppressed by cooldown")
		}
	}
}

func TestDetect_LatencySpike(t *testing.T) {
	d := New(testConfig(), nil)
	events := d.Detect(1, 6*time.Second, 0, 0)
	found := false
	for _, e := range events {
		if e.Type == LatencySpike {
			found = true
			if e.Severity != SeverityMedium {
				t.Errorf("expected Medium severity, got %v", e.Severity)
			}
		}
	}
	if !found {
		t.Fatal("expected a latency spike event")
	}
}

func TestDetect_ErrorRateHigh(t *testing.T) {
	d := New(testConfig(), nil)
	events := d.Detect(1, time.Millisecond, 0.5, 0)
	found := false
	for _, e := range events {
		if e.Type == ErrorRateHigh && e.Severity == SeverityHigh {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a High-severity error rate event")
	}
}

func TestDetect_ConnectionFlood(t *testing.T) {
	d := New(testConfig(), nil)
	events := d.Detect(1, time.Millisecond, 0, 1000)
	found := false
	for _, e := range events {
		if e.Type == ConnectionFlood {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a connection flood event")
	}
}

func TestEventHistory_CapsAtMax(t *testing.T) {
	d := New(testConfig(), nil)
	for i := 0; i < MaxEventHistory+20; i++ {
		d.lastAlert = make(map[Type]time.Time) // force every call past cooldown
		d.Detect(1, time.Millisecond, 0.9, 0)
	}
	if len(d.EventHistory()) > MaxEventHistory {
		t.Errorf("expected event history capped at %d, got %d", MaxEventHistory, len(d.EventHistory()))
	}
}
