// Package anomaly implements the Anomaly Detector: threshold-based
// detection of traffic spikes, latency spikes, high error rates, and
// connection floods, each on its own alert cooldown.
package anomaly

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vulpini/proxy/internal/metrics"
)

// AlertCooldown is how long a given anomaly type stays silenced after
// firing.
const AlertCooldown = 30 * time.Second

// HistoryWindow is how long samples are retained for baseline averaging.
const HistoryWindow = 5 * time.Minute

// MaxEventHistory bounds the event ring buffer.
const MaxEventHistory = 200

// minSpikeSamples is the minimum number of historical rate samples needed
// before a traffic spike can be detected at all.
const minSpikeSamples = 5

// Type identifies an anomaly category.
type Type string

const (
	TrafficSpike    Type = "traffic_spike"
	LatencySpike    Type = "latency_spike"
	ErrorRateHigh   Type = "error_rate_high"
	ConnectionFlood Type = "connection_flood"
)

// Severity ranks how serious an anomaly event is.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Event is one detected anomaly.
type Event struct {
	ID          string
	Timestamp   time.Time
	Type        Type
	Value       float64
	Threshold   float64
	Description string
	Severity    Severity
}

// Config configures a Detector.
type Config struct {
	Enabled             bool
	SpikeThreshold      float64
	LatencyThresholdMs  uint64
	ErrorRateThreshold  float64
	ConnectionThreshold uint32
}

type sample struct {
	at    time.Time
	value float64
}

// Detector is the Anomaly Detector component.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	requestRates  []sample
	latencies     []sample // value is seconds
	errorRates    []sample
	eventHistory  []Event
	lastAlert     map[Type]time.Time
}

// New creates a Detector.
func New(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{cfg: cfg, logger: logger, lastAlert: make(map[Type]time.Time)}
}

// SetConfig updates the active configuration (e.g. on reload).
func (d *Detector) SetConfig(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// Detect evaluates the current metrics against history, emits any new
// anomaly events, then appends the current sample to history. Detection
// runs against the pre-update baseline so a spike never dilutes its own
// comparison point.
func (d *Detector) Detect(requestsPerSecond float64, avgLatency time.Duration, errorRate float64, activeConnections uint32) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.cfg.Enabled {
		return nil
	}

	now := time.Now()
	d.cleanupLocked(now)

	var events []Event
	if e := d.detectSpikeLocked(now, requestsPerSecond); e != nil {
		events = append(events, *e)
	}
	if e := d.detectLatencyLocked(now, avgLatency); e != nil {
		events = append(events, *e)
	}
	if e := d.detectErrorRateLocked(now, errorRate); e != nil {
		events = append(events, *e)
	}
	if e := d.detectConnectionFloodLocked(now, activeConnections); e != nil {
		events = append(events, *e)
	}

	d.requestRates = append(d.requestRates, sample{now, requestsPerSecond})
	d.latencies = append(d.latencies, sample{now, avgLatency.Seconds()})
	d.errorRates = append(d.errorRates, sample{now, errorRate})

	for _, e := range events {
		d.eventHistory = append(d.eventHistory, e)
		d.lastAlert[e.Type] = now
		metrics.AnomalyEvents.WithLabelValues(string(e.Type), string(e.Severity)).Inc()
		if d.logger != nil {
			d.logger.Warn("anomaly detected", "type", e.Type, "severity", e.Severity, "description", e.Description)
		}
	}
	if len(d.eventHistory) > MaxEventHistory {
		d.eventHistory = d.eventHistory[len(d.eventHistory)-MaxEventHistory:]
	}

	return events
}

// EventHistory returns a snapshot of all retained events.
func (d *Detector) EventHistory() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Event, len(d.eventHistory))
	copy(out, d.eventHistory)
	return out
}

func (d *Detector) onCooldownLocked(now time.Time, t Type) bool {
	last, ok := d.lastAlert[t]
	return ok && now.Sub(last) < AlertCooldown
}

func (d *Detector) cleanupLocked(now time.Time) {
	cutoff := now.Add(-HistoryWindow)
	d.requestRates = dropBefore(d.requestRates, cutoff)
	d.latencies = dropBefore(d.latencies, cutoff)
	d.errorRates = dropBefore(d.errorRates, cutoff)
}

func dropBefore(s []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

func newEvent(t Type, value, threshold float64, desc string, sev Severity) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now(),
		Type:        t,
		Value:       value,
		Threshold:   threshold,
		Description: desc,
		Severity:    sev,
	}
}

func (d *Detector) detectSpikeLocked(now time.Time, currentRate float64) *Event {
	if d.onCooldownLocked(now, TrafficSpike) {
		return nil
	}
	if len(d.requestRates) < minSpikeSamples {
		return nil
	}

	var sum float64
	for _, s := range d.requestRates {
		sum += s.value
	}
	avg := sum / float64(len(d.requestRates))
	threshold := avg * d.cfg.SpikeThreshold

	if currentRate <= threshold {
		return nil
	}

	severity := SeverityMedium
	if currentRate > avg*d.cfg.SpikeThreshold*2 {
		severity = SeverityHigh
	}
	return newEvent(TrafficSpike, currentRate, threshold,
		fmt.Sprintf("Traffic spike detected: current %.2f req/s, average %.2f req/s", currentRate, avg), severity)
}

func (d *Detector) detectLatencyLocked(now time.Time, currentLatency time.Duration) *Event {
	if d.onCooldownLocked(now, LatencySpike) {
		return nil
	}
	threshold := time.Duration(d.cfg.LatencyThresholdMs) * time.Millisecond
	if currentLatency <= threshold {
		return nil
	}
	return newEvent(LatencySpike, currentLatency.Seconds(), threshold.Seconds(),
		fmt.Sprintf("High latency detected: %.2fms, threshold %.2fms", currentLatency.Seconds()*1000, threshold.Seconds()*1000), SeverityMedium)
}

func (d *Detector) detectErrorRateLocked(now time.Time, currentErrorRate float64) *Event {
	if d.onCooldownLocked(now, ErrorRateHigh) {
		return nil
	}
	if currentErrorRate <= d.cfg.ErrorRateThreshold {
		return nil
	}
	return newEvent(ErrorRateHigh, currentErrorRate, d.cfg.ErrorRateThreshold,
		fmt.Sprintf("High error rate: %.2f%%, threshold %.2f%%", currentErrorRate*100, d.cfg.ErrorRateThreshold*100), SeverityHigh)
}

func (d *Detector) detectConnectionFloodLocked(now time.Time, connections uint32) *Event {
	if d.onCooldownLocked(now, ConnectionFlood) {
		return nil
	}
	if connections <= d.cfg.ConnectionThreshold {
		return nil
	}
	return newEvent(ConnectionFlood, float64(connections), float64(d.cfg.ConnectionThreshold),
		fmt.Sprintf("Connection flood: %d active connections, threshold %d", connections, d.cfg.ConnectionThreshold), SeverityHigh)
}
