// Package smartrouter ranks candidate destination targets — not upstream
// hops; see nodepool's doc comment for why the two stay separate — and
// picks among them via one of three load-balancing policies.
package smartrouter

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// RouteType describes whether a routing decision goes straight to the
// destination or through a ranked target.
type RouteType int

const (
	RouteDirect RouteType = iota
	RouteProxy
)

// RouteTarget is one candidate destination the router can rank.
type RouteTarget struct {
	IP          string
	Port        uint16
	Latency     time.Duration
	Reliability float64
	Load        float64
}

func (t RouteTarget) key() string {
	return fmt.Sprintf("%s:%d", t.IP, t.Port)
}

// Decision is the result of SelectRoute.
type Decision struct {
	SelectedTarget    *RouteTarget
	RouteType         RouteType
	EstimatedLatency  time.Duration
	FallbackTargets   []RouteTarget
}

type targetStats struct {
	mu                  sync.Mutex
	totalRequests       uint64
	successfulRequests  uint64
	totalLatency        time.Duration
	currentConnections  uint32
}

// Policy is a load-balancing policy tag.
type Policy int

const (
	PolicyFastest Policy = iota
	PolicyRoundRobin
	PolicyLeastConnections
)

// ParsePolicy maps a config tag to a Policy. Unknown tags fall back to
// "fastest", matching the Rust original's default arm.
func ParsePolicy(tag string) Policy {
	switch tag {
	case "roundrobin":
		return PolicyRoundRobin
	case "leastconnections":
		return PolicyLeastConnections
	default:
		return PolicyFastest
	}
}

// Config configures a Router.
type Config struct {
	MaxLatencyThreshold   time.Duration
	MinReliabilityThreshold float64
	Policy                Policy
}

// Router is the Smart Router component.
type Router struct {
	mu      sync.RWMutex
	cfg     Config
	targets []RouteTarget
	stats   map[string]*targetStats
	rrIndex int
}

// New creates an empty Router.
func New(cfg Config) *Router {
	return &Router{cfg: cfg, stats: make(map[string]*targetStats)}
}

// AddTarget registers a candidate destination. Idempotent: adding the same
// ip:port twice is a no-op rather than a duplicate entry.
func (r *Router) AddTarget(ip string, port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s:%d", ip, port)
	if _, ok := r.stats[key]; ok {
		return
	}

	r.targets = append(r.targets, RouteTarget{
		IP:          ip,
		Port:        port,
		Latency:     100 * time.Millisecond,
		Reliability: 0.95,
	})
	r.stats[key] = &targetStats{}
}

// SelectRoute applies the availability filter and the active policy to
// return a routing decision. An empty target list routes Direct with no
// selected target.
func (r *Router) SelectRoute() Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.targets) == 0 {
		return Decision{RouteType: RouteDirect, EstimatedLatency: math.MaxInt64}
	}

	var available []int
	for i, t := range r.targets {
		if t.Latency < r.cfg.MaxLatencyThreshold && t.Reliability >= r.cfg.MinReliabilityThreshold {
			available = append(available, i)
		}
	}

	if len(available) == 0 {
		best := r.targets[0]
		return Decision{
			SelectedTarget:   &best,
			RouteType:        RouteProxy,
			EstimatedLatency: best.Latency,
		}
	}

	var selected int
	switch r.cfg.Policy {
	case PolicyRoundRobin:
		selected = r.roundRobinSelect(available)
	case PolicyLeastConnections:
		selected = r.leastConnectionsSelect(available)
	default:
		selected = r.fastestSelect(available)
	}

	target := r.targets[selected]
	var fallback []RouteTarget
	for _, i := range available {
		if i != selected {
			fallback = append(fallback, r.targets[i])
		}
	}

	return Decision{
		SelectedTarget:   &target,
		RouteType:        RouteProxy,
		EstimatedLatency: target.Latency,
		FallbackTargets:  fallback,
	}
}

// RecordResult updates a target's running stats after an attempt.
func (r *Router) RecordResult(destination string, success bool, latency time.Duration) {
	r.mu.RLock()
	stats, ok := r.stats[destination]
	r.mu.RUnlock()
	if !ok {
		return
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	stats.totalRequests++
	stats.totalLatency += latency
	if success {
		stats.successfulRequests++
	}
}

func (r *Router) roundRobinSelect(available []int) int {
	r.rrIndex = (r.rrIndex + 1) % len(r.targets)
	for _, i := range available {
		if i == r.rrIndex {
			return r.rrIndex
		}
	}
	return available[0]
}

func (r *Router) leastConnectionsSelect(available []int) int {
	best := available[0]
	bestConns := r.connectionsFor(best)
	for _, i := range available[1:] {
		if c := r.connectionsFor(i); c < bestConns {
			best, bestConns = i, c
		}
	}
	return best
}

func (r *Router) connectionsFor(i int) uint32 {
	key := r.targets[i].key()
	if s, ok := r.stats[key]; ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.currentConnections
	}
	return 0
}

func (r *Router) fastestSelect(available []int) int {
	best := available[0]
	for _, i := range available[1:] {
		if r.targets[i].Latency < r.targets[best].Latency {
			best = i
		}
	}
	return best
}
