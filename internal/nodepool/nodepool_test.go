package nodepool

import (
	"testing"
	"time"
)

func newTestPool(strategy Strategy) *Pool {
	return New(strategy, nil)
}

func addNodes(t *testing.T, p *Pool, n int) []string {
	t.Helper()
	var keys []string
	for i := 0; i < n; i++ {
		info := IPInfo{Address: "10.0.0.1", Port: uint16(9000 + i)}
		if err := p.AddNode(info); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
		keys = append(keys, info.Key())
	}
	return keys
}

func TestSelectIP_EmptyPool(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	if _, err := p.SelectIP(); err != ErrPoolEmpty {
		t.Fatalf("expected ErrPoolEmpty, got %v", err)
	}
}

func TestSelectIP_NeverNilWhenNonEmpty(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	keys := addNodes(t, p, 3)
	// Disable all but leave them Unhealthy-free so Available() is false for all.
	for _, k := range keys {
		p.ToggleNode(k) // disable
	}
	state, err := p.SelectIP()
	if err != nil {
		t.Fatalf("SelectIP: %v", err)
	}
	if state.Info.Key() == "" {
		t.Fatalf("expected a fallback node, got zero value")
	}
}

func TestRoundRobin_VisitsEachNode(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	keys := addNodes(t, p, 3)

	seen := make(map[string]bool)
	for i := 0; i < len(keys); i++ {
		state, err := p.SelectIP()
		if err != nil {
			t.Fatalf("SelectIP: %v", err)
		}
		seen[state.Info.Key()] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected round-robin to visit all 3 nodes, saw %d", len(seen))
	}
}

func TestLeastUsed_PicksLowestUseCount(t *testing.T) {
	p := newTestPool(StrategyLeastUsed)
	keys := addNodes(t, p, 2)

	if err := p.RecordResult(keys[0], true, 10*time.Millisecond); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	state, err := p.SelectIP()
	if err != nil {
		t.Fatalf("SelectIP: %v", err)
	}
	if state.Info.Key() != keys[1] {
		t.Errorf("expected least-used node %s, got %s", keys[1], state.Info.Key())
	}
}

func TestPerformanceBased_PrefersHigherSuccessRate(t *testing.T) {
	p := newTestPool(StrategyPerformanceBased)
	keys := addNodes(t, p, 2)

	for i := 0; i < 3; i++ {
		p.RecordResult(keys[0], false, 5*time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		p.RecordResult(keys[1], true, 5*time.Millisecond)
	}

	state, err := p.SelectIP()
	if err != nil {
		t.Fatalf("SelectIP: %v", err)
	}
	if state.Info.Key() != keys[1] {
		t.Errorf("expected higher success-rate node %s, got %s", keys[1], state.Info.Key())
	}
}

func TestRecordResult_HealthReclassification(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	keys := addNodes(t, p, 1)
	key := keys[0]

	// Fewer than HealthMinSamples attempts: stays Unknown regardless of outcome.
	for i := 0; i < HealthMinSamples-1; i++ {
		p.RecordResult(key, false, time.Millisecond)
	}
	all := p.GetAllIPs()
	if all[0].Health != HealthUnknown {
		t.Fatalf("expected Unknown before min samples, got %v", all[0].Health)
	}

	// One more failure reaches HealthMinSamples with 100% failure rate.
	p.RecordResult(key, false, time.Millisecond)
	all = p.GetAllIPs()
	if all[0].Health != HealthUnhealthy {
		t.Errorf("expected Unhealthy at failure_rate=1.0, got %v", all[0].Health)
	}
}

func TestAddNode_DuplicateRejected(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	info := IPInfo{Address: "1.2.3.4", Port: 1080}
	if err := p.AddNode(info); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if err := p.AddNode(info); err == nil {
		t.Fatalf("expected error adding duplicate node")
	}
}

func TestRemoveNode(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	keys := addNodes(t, p, 2)
	if err := p.RemoveNode(keys[0]); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if len(p.GetAllIPs()) != 1 {
		t.Errorf("expected 1 node remaining, got %d", len(p.GetAllIPs()))
	}
	if err := p.RemoveNode(keys[0]); err == nil {
		t.Errorf("expected error removing already-removed node")
	}
}

func TestToggleNode(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	keys := addNodes(t, p, 1)
	enabled, err := p.ToggleNode(keys[0])
	if err != nil {
		t.Fatalf("ToggleNode: %v", err)
	}
	if enabled {
		t.Errorf("expected node to be disabled after toggle from default-enabled")
	}
}

func TestParseStrategy_UnknownFallsBackToRoundRobin(t *testing.T) {
	if ParseStrategy("bogus") != StrategyRoundRobin {
		t.Errorf("expected unknown strategy tag to fall back to round-robin")
	}
}

func TestUpdateNode_PatchesCountryISPAndEnabled(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	keys := addNodes(t, p, 1)

	country, isp, enabled := "US", "Acme", false
	if err := p.UpdateNode(keys[0], NodeUpdate{Country: &country, ISP: &isp, Enabled: &enabled}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	all := p.GetAllIPs()
	if all[0].Info.Country != country || all[0].Info.ISP != isp {
		t.Errorf("expected country/isp patched, got %+v", all[0].Info)
	}
	if all[0].Enabled {
		t.Errorf("expected enabled=false after patch")
	}
}

func TestUpdateNode_PortChangeReKeys(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	keys := addNodes(t, p, 1)

	newPort := uint16(1080)
	if err := p.UpdateNode(keys[0], NodeUpdate{Port: &newPort}); err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}

	if _, err := p.ToggleNode(keys[0]); err == nil {
		t.Errorf("expected old key to no longer resolve after port change")
	}

	newKey := "10.0.0.1:1080"
	all := p.GetAllIPs()
	if len(all) != 1 || all[0].Info.Port != newPort {
		t.Fatalf("expected single node with updated port, got %+v", all)
	}
	if _, err := p.ToggleNode(newKey); err != nil {
		t.Errorf("expected new key to resolve after port change: %v", err)
	}
}

func TestUpdateNode_PortChangeConflict(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	keys := addNodes(t, p, 2)

	collidePort := uint16(9001)
	if err := p.UpdateNode(keys[0], NodeUpdate{Port: &collidePort}); err == nil {
		t.Errorf("expected error updating port to an address:port already in use")
	}
}

func TestUpdateNode_NotFound(t *testing.T) {
	p := newTestPool(StrategyRoundRobin)
	country := "US"
	if err := p.UpdateNode("9.9.9.9:1", NodeUpdate{Country: &country}); err == nil {
		t.Errorf("expected error updating unknown node")
	}
}
