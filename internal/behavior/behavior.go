// Package behavior implements the Behavior Monitor: per-session action
// tracking that finalizes into a summary pattern once a session goes idle
// or grows too large, with a bounded pattern store evicted oldest-first.
package behavior

import (
	"sync"
	"time"

	"github.com/vulpini/proxy/internal/metrics"
)

// ActionType classifies a tracked action.
type ActionType string

const (
	ActionConnect  ActionType = "connect"
	ActionRequest  ActionType = "request"
	ActionLogin    ActionType = "login"
	ActionDownload ActionType = "download"
	ActionUpload   ActionType = "upload"
)

// maxActionsPerSession forces finalization once a session accumulates this
// many actions, even if it is still active.
const maxActionsPerSession = 1000

// maxPatterns bounds the finalized-pattern store; once exceeded, the
// oldest patterns by LastActivity are evicted.
const maxPatterns = 10000

// Record is one tracked action within a session.
type Record struct {
	SessionID  string
	Timestamp  time.Time
	ActionType ActionType
	Duration   time.Duration
	Target     string
	Success    bool
}

// Pattern summarizes a finalized session's actions.
type Pattern struct {
	SessionID          string
	StartTime          time.Time
	TotalActions       uint32
	ActionDistribution map[ActionType]uint32
	TotalDuration      time.Duration
	SuccessRate        float64
	LastActivity       time.Time
}

// Snapshot summarizes all currently tracked sessions and patterns.
type Snapshot struct {
	ActiveSessions     int
	TotalPatterns      int
	TotalActionsTracked uint64
}

// Monitor is the Behavior Monitor component.
type Monitor struct {
	mu             sync.Mutex
	active         map[string][]Record
	patterns       map[string]Pattern
	sessionTimeout time.Duration
}

// New creates a Monitor. sessionTimeout is how long a session may sit idle
// before its actions are finalized into a Pattern.
func New(sessionTimeout time.Duration) *Monitor {
	return &Monitor{
		active:         make(map[string][]Record),
		patterns:       make(map[string]Pattern),
		sessionTimeout: sessionTimeout,
	}
}

// RecordAction appends an action to sessionID's active record, finalizing
// the prior batch first if it has grown too large or gone idle too long.
func (m *Monitor) RecordAction(sessionID string, action ActionType, duration time.Duration, target string, success bool) {
	m.RecordActionAt(sessionID, action, time.Now(), duration, target, success)
}

// RecordActionAt is RecordAction with an explicit timestamp, split out for
// deterministic testing.
func (m *Monitor) RecordActionAt(sessionID string, action ActionType, at time.Time, duration time.Duration, target string, success bool) {
	record := Record{
		SessionID:  sessionID,
		Timestamp:  at,
		ActionType: action,
		Duration:   duration,
		Target:     target,
		Success:    success,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if actions, ok := m.active[sessionID]; ok {
		shouldFinalize := len(actions) >= maxActionsPerSession
		if !shouldFinalize && len(actions) > 0 {
			last := actions[len(actions)-1]
			shouldFinalize = at.Sub(last.Timestamp) > m.sessionTimeout
		}
		if shouldFinalize {
			m.savePatternLocked(sessionID, actions)
			delete(m.active, sessionID)
		}
	}

	m.active[sessionID] = append(m.active[sessionID], record)
	metrics.ActiveSessions.Set(float64(len(m.active)))
	metrics.StoredPatterns.Set(float64(len(m.patterns)))
}

// AnalyzePattern returns the finalized pattern for sessionID, if any.
func (m *Monitor) AnalyzePattern(sessionID string) (Pattern, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[sessionID]
	return p, ok
}

// CleanupStaleSessions finalizes any active session whose last action is
// older than sessionTimeout, then caps the pattern store by evicting the
// oldest patterns (by LastActivity) past maxPatterns. Intended to be
// called periodically from a background task.
func (m *Monitor) CleanupStaleSessions() {
	m.CleanupStaleSessionsAt(time.Now())
}

// CleanupStaleSessionsAt is CleanupStaleSessions with an explicit "now",
// split out for deterministic testing.
func (m *Monitor) CleanupStaleSessionsAt(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []string
	for id, actions := range m.active {
		if len(actions) == 0 {
			stale = append(stale, id)
			continue
		}
		if now.Sub(actions[len(actions)-1].Timestamp) > m.sessionTimeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		actions := m.active[id]
		m.savePatternLocked(id, actions)
		delete(m.active, id)
	}

	if len(m.patterns) <= maxPatterns {
		metrics.ActiveSessions.Set(float64(len(m.active)))
		metrics.StoredPatterns.Set(float64(len(m.patterns)))
		return
	}

	entries := make([]lastActivityEntry, 0, len(m.patterns))
	for id, p := range m.patterns {
		entries = append(entries, lastActivityEntry{id, p.LastActivity})
	}
	sortByLastActivity(entries)

	removeCount := len(m.patterns) - maxPatterns
	for i := 0; i < removeCount; i++ {
		delete(m.patterns, entries[i].id)
	}

	metrics.ActiveSessions.Set(float64(len(m.active)))
	metrics.StoredPatterns.Set(float64(len(m.patterns)))
}

type lastActivityEntry struct {
	id   string
	last time.Time
}

func sortByLastActivity(entries []lastActivityEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].last.Before(entries[j-1].last); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Snapshot returns a point-in-time summary of all tracked sessions.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var totalActions uint64
	for _, actions := range m.active {
		totalActions += uint64(len(actions))
	}
	return Snapshot{
		ActiveSessions:      len(m.active),
		TotalPatterns:       len(m.patterns),
		TotalActionsTracked: totalActions,
	}
}

func (m *Monitor) savePatternLocked(sessionID string, actions []Record) {
	if len(actions) == 0 {
		return
	}

	first := actions[0]
	last := actions[len(actions)-1]

	distribution := make(map[ActionType]uint32)
	var successCount int
	for _, a := range actions {
		distribution[a.ActionType]++
		if a.Success {
			successCount++
		}
	}

	m.patterns[sessionID] = Pattern{
		SessionID:          sessionID,
		StartTime:          first.Timestamp,
		TotalActions:       uint32(len(actions)),
		ActionDistribution: distribution,
		TotalDuration:      last.Timestamp.Sub(first.Timestamp),
		SuccessRate:        float64(successCount) / float64(len(actions)),
		LastActivity:       last.Timestamp,
	}
}
