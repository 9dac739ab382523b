// Package trafficanalyzer maintains a rolling window of request and byte
// history and derives rate, latency-percentile, and error statistics from
// it on every update.
package trafficanalyzer

import (
	"sort"
	"sync"
	"time"

	"github.com/vulpini/proxy/internal/metrics"
)

// maxHistory bounds the request and byte rings regardless of window size,
// so a pathological window can't grow memory unboundedly.
const maxHistory = 10000

// errorLatencyThreshold marks a request as an "error" for error_count/
// error_rate purposes once its latency exceeds this — a high-latency
// proxied request is treated as a signal of trouble even if it eventually
// succeeded.
const errorLatencyThreshold = 10 * time.Second

// RequestInfo is one recorded request/connection attempt.
type RequestInfo struct {
	Timestamp time.Time
	Size      uint64
	Latency   time.Duration
	Protocol  string
	Success   bool
}

type byteSample struct {
	at    time.Time
	bytes uint64
	in    bool
}

// Stats is the derived snapshot returned by GetStats.
type Stats struct {
	TotalRequests      uint64
	TotalBytesIn        uint64
	TotalBytesOut       uint64
	ActiveConnections   uint32
	RequestsPerSecond   float64
	BytesPerSecond      float64
	AvgLatency          time.Duration
	P50Latency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ErrorCount          uint64
	ErrorRate           float64
}

// Analyzer is the Traffic Analyzer component.
type Analyzer struct {
	mu         sync.Mutex
	window     time.Duration
	requests   []RequestInfo
	bytes      []byteSample
	stats      Stats
}

// New creates an Analyzer with the given rolling window size.
func New(window time.Duration) *Analyzer {
	return &Analyzer{window: window}
}

// RecordRequest appends a request, evicts anything outside the window, and
// recomputes statistics.
func (a *Analyzer) RecordRequest(r RequestInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.requests = append(a.requests, r)
	if len(a.requests) > maxHistory {
		a.requests = a.requests[len(a.requests)-maxHistory:]
	}
	a.cleanupLocked()
	a.recomputeLocked()
}

// RecordBytes appends an inbound/outbound byte pair and recomputes
// statistics.
func (a *Analyzer) RecordBytes(bytesIn, bytesOut uint64) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bytes = append(a.bytes, byteSample{at: now, bytes: bytesIn, in: true})
	a.bytes = append(a.bytes, byteSample{at: now, bytes: bytesOut, in: false})
	if len(a.bytes) > maxHistory {
		a.bytes = a.bytes[len(a.bytes)-maxHistory:]
	}
	a.cleanupLocked()
	a.recomputeLocked()
}

// UpdateConnections sets the current active-connection gauge.
func (a *Analyzer) UpdateConnections(active uint32) {
	a.mu.Lock()
	a.stats.ActiveConnections = active
	a.mu.Unlock()
}

// GetStats returns the current derived snapshot.
func (a *Analyzer) GetStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Analyzer) cleanupLocked() {
	cutoff := time.Now().Add(-a.window)

	i := 0
	for i < len(a.requests) && a.requests[i].Timestamp.Before(cutoff) {
		i++
	}
	a.requests = a.requests[i:]

	j := 0
	for j < len(a.bytes) && a.bytes[j].at.Before(cutoff) {
		j++
	}
	a.bytes = a.bytes[j:]
}

func (a *Analyzer) recomputeLocked() {
	if len(a.requests) == 0 {
		return
	}

	totalRequests := uint64(len(a.requests))
	var totalLatency time.Duration
	var errors uint64
	var requestBytes uint64
	latencies := make([]time.Duration, 0, len(a.requests))
	for _, r := range a.requests {
		totalLatency += r.Latency
		requestBytes += r.Size
		latencies = append(latencies, r.Latency)
		if r.Latency > errorLatencyThreshold {
			errors++
		}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var bytesIn, bytesOut uint64
	for _, b := range a.bytes {
		if b.in {
			bytesIn += b.bytes
		} else {
			bytesOut += b.bytes
		}
	}

	windowSecs := a.window.Seconds()

	n := len(latencies)
	a.stats.TotalRequests = totalRequests
	a.stats.TotalBytesIn = bytesIn
	a.stats.TotalBytesOut = bytesOut
	a.stats.RequestsPerSecond = float64(totalRequests) / windowSecs
	// BytesPerSecond is derived from recorded request sizes, not the
	// tunnel byte totals summed above — a different quantity from TotalBytesIn/Out.
	a.stats.BytesPerSecond = float64(requestBytes) / windowSecs
	a.stats.AvgLatency = totalLatency / time.Duration(totalRequests)
	a.stats.P50Latency = latencies[n*50/100]
	if n >= 20 {
		a.stats.P95Latency = latencies[n*95/100]
	} else {
		a.stats.P95Latency = latencies[n-1]
	}
	if n >= 100 {
		a.stats.P99Latency = latencies[n*99/100]
	} else {
		a.stats.P99Latency = latencies[n-1]
	}
	a.stats.ErrorCount = errors
	a.stats.ErrorRate = float64(errors) / float64(totalRequests)

	metrics.RequestsPerSecond.Set(a.stats.RequestsPerSecond)
	metrics.LatencyPercentiles.WithLabelValues("p50").Set(a.stats.P50Latency.Seconds())
	metrics.LatencyPercentiles.WithLabelValues("p95").Set(a.stats.P95Latency.Seconds())
	metrics.LatencyPercentiles.WithLabelValues("p99").Set(a.stats.P99Latency.Seconds())
	metrics.ErrorRate.Set(a.stats.ErrorRate)
}
