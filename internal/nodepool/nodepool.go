// Package nodepool implements the Node Pool: the set of upstream proxy
// nodes a connection can be routed through, their health classification,
// and the four selection strategies used to pick one per request.
//
// Node Pool deliberately knows nothing about destinations — it only ranks
// hops. Destination ranking lives in the smartrouter package; see
// SPEC_FULL.md §1 for why the two are kept separate.
package nodepool

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/vulpini/proxy/internal/metrics"
)

// Health is a node's current health classification.
type Health int

const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Strategy is a node selection strategy.
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyRandom
	StrategyLeastUsed
	StrategyPerformanceBased
)

// ParseStrategy maps a config tag to a Strategy. An unrecognized tag falls
// back to round-robin, matching the Rust original's `_ =>
// self.select_round_robin()` arm.
func ParseStrategy(tag string) Strategy {
	switch tag {
	case "random":
		return StrategyRandom
	case "leastused":
		return StrategyLeastUsed
	case "performance":
		return StrategyPerformanceBased
	case "roundrobin":
		return StrategyRoundRobin
	default:
		return StrategyRoundRobin
	}
}

// Node selection becomes "unhealthy" once failure_rate reaches 0.6 and
// "degraded" once it reaches 0.3, but only after HealthMinSamples attempts
// have been recorded — a freshly added node stays Unknown (and available)
// until it has earned a classification.
const HealthMinSamples = 5

const (
	unhealthyFailureRate = 0.6
	degradedFailureRate  = 0.3
)

// IPInfo identifies one upstream node.
type IPInfo struct {
	Address string
	Port    uint16
	Country string // empty means unset
	ISP     string // empty means unset
}

// Key is the IPInfo's pool identity, "address:port".
func (i IPInfo) Key() string {
	return fmt.Sprintf("%s:%d", i.Address, i.Port)
}

// NodeState is one node's live, mutable state.
type NodeState struct {
	Info         IPInfo
	Enabled      bool
	Health       Health
	UseCount     uint64
	SuccessCount uint64
	FailureCount uint64
	LastLatency  time.Duration
	LastUsed     time.Time
}

// Available reports whether the node can currently be selected:
// enabled and not classified Unhealthy.
func (n NodeState) Available() bool {
	return n.Enabled && n.Health != HealthUnhealthy
}

// NodeStats is the separate running-average view of a node's history,
// distinct from the per-selection NodeState counters (spec.md keeps these
// as two structs so a reclassification pass can read historical averages
// without disturbing the hot selection-path counters).
type NodeStats struct {
	AvgLatency    time.Duration
	TotalUses     uint64
	TotalFailures uint64
	LastFailure   *time.Time
}

type entry struct {
	state NodeState
	stats NodeStats
}

// Pool holds every known node and serves selection, health-probe, and
// admin (add/remove/update/toggle) operations.
type Pool struct {
	mu       sync.RWMutex
	order    []string // keys, in insertion order — round-robin walks this
	byKey    map[string]*entry
	rrIndex  int
	strategy Strategy
	logger   *slog.Logger
}

// New creates an empty pool using the given default strategy.
func New(strategy Strategy, logger *slog.Logger) *Pool {
	return &Pool{
		byKey:    make(map[string]*entry),
		strategy: strategy,
		logger:   logger,
	}
}

// SetStrategy changes the active selection strategy (e.g. on config reload).
func (p *Pool) SetStrategy(s Strategy) {
	p.mu.Lock()
	p.strategy = s
	p.mu.Unlock()
}

var ErrNodeExists = errors.New("node already exists")
var ErrNodeNotFound = errors.New("node not found")
var ErrPoolEmpty = errors.New("node pool is empty")

// AddNode registers a new node, enabled and with health Unknown. Returns
// ErrNodeExists if the address:port pair is already registered.
func (p *Pool) AddNode(info IPInfo) error {
	key := info.Key()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byKey[key]; ok {
		return fmt.Errorf("add node %s: %w", key, ErrNodeExists)
	}

	p.byKey[key] = &entry{
		state: NodeState{
			Info:    info,
			Enabled: true,
			Health:  HealthUnknown,
		},
	}
	p.order = append(p.order, key)
	return nil
}

// RemoveNode removes a node entirely.
func (p *Pool) RemoveNode(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byKey[key]; !ok {
		return fmt.Errorf("remove node %s: %w", key, ErrNodeNotFound)
	}
	delete(p.byKey, key)
	for i, k := range p.order {
		if k == key {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

// NodeUpdate patches a subset of a node's mutable fields. A nil field is
// left unchanged. Address is immutable and has no field here.
type NodeUpdate struct {
	Port    *uint16
	Country *string
	ISP     *string
	Enabled *bool
}

// UpdateNode patches port/country/isp/enabled on an existing node; any nil
// field in patch is left unchanged. Since the pool is keyed by
// "address:port", a Port change re-keys the entry.
func (p *Pool) UpdateNode(key string, patch NodeUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byKey[key]
	if !ok {
		return fmt.Errorf("update node %s: %w", key, ErrNodeNotFound)
	}

	if patch.Country != nil {
		e.state.Info.Country = *patch.Country
	}
	if patch.ISP != nil {
		e.state.Info.ISP = *patch.ISP
	}
	if patch.Enabled != nil {
		e.state.Enabled = *patch.Enabled
	}
	if patch.Port != nil && *patch.Port != e.state.Info.Port {
		newKey := fmt.Sprintf("%s:%d", e.state.Info.Address, *patch.Port)
		if _, exists := p.byKey[newKey]; exists {
			return fmt.Errorf("update node %s: %w", newKey, ErrNodeExists)
		}
		e.state.Info.Port = *patch.Port
		delete(p.byKey, key)
		p.byKey[newKey] = e
		for i, k := range p.order {
			if k == key {
				p.order[i] = newKey
				break
			}
		}
	}
	return nil
}

// ToggleNode flips a node's enabled flag and returns the new value.
func (p *Pool) ToggleNode(key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byKey[key]
	if !ok {
		return false, fmt.Errorf("toggle node %s: %w", key, ErrNodeNotFound)
	}
	e.state.Enabled = !e.state.Enabled
	return e.state.Enabled, nil
}

// GetAllIPs returns a snapshot of every node's state.
func (p *Pool) GetAllIPs() []NodeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]NodeState, 0, len(p.order))
	for _, k := range p.order {
		out = append(out, p.byKey[k].state)
	}
	return out
}

// GetIPStats returns the running-average stats for one node.
func (p *Pool) GetIPStats(key string) (NodeStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byKey[key]
	if !ok {
		return NodeStats{}, false
	}
	return e.stats, true
}

// GetProxyEndpoint returns the upstream proxy URL the SOCKS5/HTTP servers
// should dial through for the given node (always a socks5:// URL — the
// Node Pool itself is protocol-agnostic about what "upstream" means, but
// every node in this system is reached via a nested SOCKS5 hop).
func GetProxyEndpoint(n NodeState) *url.URL {
	return &url.URL{
		Scheme: "socks5",
		Host:   fmt.Sprintf("%s:%d", n.Info.Address, n.Info.Port),
	}
}

// SelectIP picks a node per the active strategy. If the pool is non-empty
// it never returns an error — an unavailable-node situation falls back to
// the first node in insertion order, matching the "never return None if
// pool non-empty" rule.
func (p *Pool) SelectIP() (NodeState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.order) == 0 {
		return NodeState{}, ErrPoolEmpty
	}

	var picked *entry
	switch p.strategy {
	case StrategyRandom:
		picked = p.selectRandomLocked()
	case StrategyLeastUsed:
		picked = p.selectLeastUsedLocked()
	case StrategyPerformanceBased:
		picked = p.selectPerformanceBasedLocked()
	default:
		picked = p.selectRoundRobinLocked()
	}

	picked.state.LastUsed = time.Now()
	metrics.NodeSelections.WithLabelValues(strategyLabel(p.strategy)).Inc()
	return picked.state, nil
}

func strategyLabel(s Strategy) string {
	switch s {
	case StrategyRandom:
		return "random"
	case StrategyLeastUsed:
		return "leastused"
	case StrategyPerformanceBased:
		return "performance"
	default:
		return "roundrobin"
	}
}

func (p *Pool) availableLocked() []*entry {
	var out []*entry
	for _, k := range p.order {
		e := p.byKey[k]
		if e.state.Available() {
			out = append(out, e)
		}
	}
	return out
}

func (p *Pool) fallbackLocked() *entry {
	return p.byKey[p.order[0]]
}

func (p *Pool) selectRandomLocked() *entry {
	avail := p.availableLocked()
	if len(avail) == 0 {
		return p.fallbackLocked()
	}
	return avail[rand.Intn(len(avail))]
}

func (p *Pool) selectRoundRobinLocked() *entry {
	n := len(p.order)
	for i := 0; i < n; i++ {
		p.rrIndex = (p.rrIndex + 1) % n
		e := p.byKey[p.order[p.rrIndex]]
		if e.state.Available() {
			return e
		}
	}
	return p.fallbackLocked()
}

func (p *Pool) selectLeastUsedLocked() *entry {
	avail := p.availableLocked()
	if len(avail) == 0 {
		return p.fallbackLocked()
	}
	best := avail[0]
	for _, e := range avail[1:] {
		if e.state.UseCount < best.state.UseCount {
			best = e
		}
	}
	return best
}

func (p *Pool) selectPerformanceBasedLocked() *entry {
	avail := p.availableLocked()
	if len(avail) == 0 {
		return p.fallbackLocked()
	}
	sort.Slice(avail, func(i, j int) bool {
		ri := successRate(avail[i].state)
		rj := successRate(avail[j].state)
		if ri != rj {
			return ri > rj
		}
		return avail[i].state.LastLatency < avail[j].state.LastLatency
	})
	return avail[0]
}

func successRate(n NodeState) float64 {
	return float64(n.SuccessCount) / float64(n.SuccessCount+n.FailureCount+1)
}

// RecordResult updates a node's counters after an attempt through it,
// recomputes its running-average stats, and reclassifies its health.
// use_count increments on every attempt, success or failure — see
// SPEC_FULL.md §1's Open Question resolution.
func (p *Pool) RecordResult(key string, success bool, latency time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byKey[key]
	if !ok {
		return fmt.Errorf("record result %s: %w", key, ErrNodeNotFound)
	}

	e.state.UseCount++
	e.state.LastLatency = latency

	e.stats.TotalUses++
	n := float64(e.stats.TotalUses)
	oldAvg := e.stats.AvgLatency.Seconds()
	e.stats.AvgLatency = time.Duration(((oldAvg*(n-1) + latency.Seconds()) / n) * float64(time.Second))

	if success {
		e.state.SuccessCount++
	} else {
		e.state.FailureCount++
		e.stats.TotalFailures++
		now := time.Now()
		e.stats.LastFailure = &now
	}

	p.reclassifyLocked(e)
	metrics.NodesAvailable.Set(float64(len(p.availableLocked())))
	return nil
}

func (p *Pool) reclassifyLocked(e *entry) {
	if e.state.UseCount < HealthMinSamples {
		return
	}
	failureRate := float64(e.state.FailureCount) / float64(e.state.UseCount)

	prev := e.state.Health
	switch {
	case failureRate >= unhealthyFailureRate:
		e.state.Health = HealthUnhealthy
	case failureRate >= degradedFailureRate:
		e.state.Health = HealthDegraded
	default:
		e.state.Health = HealthHealthy
	}

	if e.state.Health != prev {
		metrics.NodeHealthTransitions.WithLabelValues(e.state.Health.String()).Inc()
		if p.logger != nil {
			p.logger.Info("node health transition",
				"node", e.state.Info.Key(), "from", prev.String(), "to", e.state.Health.String())
		}
	}
}
