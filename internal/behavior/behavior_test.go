package behavior

import (
	"testing"
	"time"
)

func TestNewMonitor_Empty(t *testing.T) {
	m := New(30 * time.Minute)
	snap := m.Snapshot()
	if snap.ActiveSessions != 0 || snap.TotalPatterns != 0 || snap.TotalActionsTracked != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestRecordAction_Single(t *testing.T) {
	m := New(30 * time.Minute)
	m.RecordAction("sess-1", ActionConnect, 50*time.Millisecond, "example.com:443", true)

	snap := m.Snapshot()
	if snap.ActiveSessions != 1 || snap.TotalActionsTracked != 1 {
		t.Errorf("expected 1 active session with 1 action, got %+v", snap)
	}
}

func TestRecordAction_MultipleSameSession(t *testing.T) {
	m := New(30 * time.Minute)
	for i := 0; i < 5; i++ {
		m.RecordAction("sess-1", ActionRequest, 50*time.Millisecond, "example.com:443", true)
	}
	snap := m.Snapshot()
	if snap.ActiveSessions != 1 || snap.TotalActionsTracked != 5 {
		t.Errorf("expected 1 session with 5 actions, got %+v", snap)
	}
}

func TestRecordAction_MultipleSessions(t *testing.T) {
	m := New(30 * time.Minute)
	m.RecordAction("sess-1", ActionConnect, 0, "a", true)
	m.RecordAction("sess-2", ActionRequest, 0, "b", true)
	m.RecordAction("sess-3", ActionDownload, 0, "c", false)

	snap := m.Snapshot()
	if snap.ActiveSessions != 3 || snap.TotalActionsTracked != 3 {
		t.Errorf("expected 3 sessions with 3 actions, got %+v", snap)
	}
}

func TestAnalyzePattern_NoDataWhileActive(t *testing.T) {
	m := New(30 * time.Minute)
	m.RecordAction("sess-1", ActionConnect, 0, "example.com:443", true)
	if _, ok := m.AnalyzePattern("sess-1"); ok {
		t.Error("expected no pattern for a still-active session")
	}
}

func TestCleanupStaleSessions_CreatesPattern(t *testing.T) {
	m := New(time.Millisecond)
	start := time.Now()
	m.RecordActionAt("sess-1", ActionConnect, start, 50*time.Millisecond, "example.com:443", true)

	m.CleanupStaleSessionsAt(start.Add(5 * time.Millisecond))

	snap := m.Snapshot()
	if snap.ActiveSessions != 0 || snap.TotalPatterns != 1 {
		t.Errorf("expected session finalized into a pattern, got %+v", snap)
	}
}

func TestPattern_SuccessRateAfterCleanup(t *testing.T) {
	m := New(time.Millisecond)
	now := time.Now()
	for i := 0; i < 3; i++ {
		action := ActionRequest
		if i == 0 {
			action = ActionConnect
		}
		m.RecordActionAt("sess-1", action, now, 50*time.Millisecond, "example.com:443", i != 2)
	}

	m.CleanupStaleSessionsAt(now.Add(5 * time.Millisecond))

	p, ok := m.AnalyzePattern("sess-1")
	if !ok {
		t.Fatal("expected a finalized pattern")
	}
	if p.TotalActions != 3 {
		t.Errorf("expected 3 total actions, got %d", p.TotalActions)
	}
	want := 2.0 / 3.0
	if diff := p.SuccessRate - want; diff > 0.01 || diff < -0.01 {
		t.Errorf("expected success rate ~%.3f, got %f", want, p.SuccessRate)
	}
}

func TestRecordAction_MaxActionsTriggersFinalization(t *testing.T) {
	m := New(time.Hour)
	for i := 0; i < maxActionsPerSession; i++ {
		m.RecordAction("sess-1", ActionRequest, 0, "example.com:443", true)
	}
	m.RecordAction("sess-1", ActionRequest, 0, "example.com:443", true)

	p, ok := m.AnalyzePattern("sess-1")
	if !ok {
		t.Fatal("expected finalization after hitting the per-session cap")
	}
	if p.TotalActions != maxActionsPerSession {
		t.Errorf("expected finalized pattern to hold %d actions, got %d", maxActionsPerSession, p.TotalActions)
	}
}

func TestSnapshot_CountsAllActions(t *testing.T) {
	m := New(30 * time.Minute)
	m.RecordAction("a", ActionConnect, 0, "x", true)
	m.RecordAction("a", ActionRequest, 0, "x", true)
	m.RecordAction("b", ActionDownload, 0, "y", true)

	snap := m.Snapshot()
	if snap.ActiveSessions != 2 || snap.TotalActionsTracked != 3 {
		t.Errorf("expected 2 sessions / 3 actions, got %+v", snap)
	}
}

func TestCleanupStaleSessions_PreservesActiveSessions(t *testing.T) {
	m := New(time.Hour)
	m.RecordAction("active-1", ActionConnect, 0, "x", true)
	m.CleanupStaleSessions()

	snap := m.Snapshot()
	if snap.ActiveSessions != 1 || snap.TotalPatterns != 0 {
		t.Errorf("expected active session preserved, got %+v", snap)
	}
}

func TestActionDistribution_InFinalizedPattern(t *testing.T) {
	m := New(time.Millisecond)
	now := time.Now()
	for i := 0; i < 3; i++ {
		m.RecordActionAt("sess-1", ActionConnect, now, 50*time.Millisecond, "example.com:443", true)
	}
	for i := 0; i < 2; i++ {
		m.RecordActionAt("sess-1", ActionRequest, now, 50*time.Millisecond, "example.com:443", true)
	}
	m.RecordActionAt("sess-1", ActionDownload, now, 50*time.Millisecond, "example.com:443", true)

	m.CleanupStaleSessionsAt(now.Add(5 * time.Millisecond))

	p, ok := m.AnalyzePattern("sess-1")
	if !ok {
		t.Fatal("expected a finalized pattern")
	}
	if p.TotalActions != 6 {
		t.Errorf("expected 6 total actions, got %d", p.TotalActions)
	}
	if p.ActionDistribution[ActionConnect] != 3 {
		t.Errorf("expected 3 connect actions, got %d", p.ActionDistribution[ActionConnect])
	}
	if p.ActionDistribution[ActionRequest] != 2 {
		t.Errorf("expected 2 request actions, got %d", p.ActionDistribution[ActionRequest])
	}
	if p.ActionDistribution[ActionDownload] != 1 {
		t.Errorf("expected 1 download action, got %d", p.ActionDistribution[ActionDownload])
	}
}
