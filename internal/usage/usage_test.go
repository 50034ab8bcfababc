package usage

import (
	"testing"
	"time"
)

func TestRecord_CurrentWindowInvariant(t *testing.T) {
	m := New(1440, 0.8, 60)
	m.Record("agent-a", true, false, 10*time.Millisecond, "")
	m.Record("agent-a", false, false, 5*time.Millisecond, "engine_transient")
	m.Record("agent-b", true, true, 1*time.Millisecond, "")

	w := m.CurrentWindow()
	if w.Requests != w.Successes+w.Errors {
		t.Errorf("requests(%d) != successes(%d)+errors(%d)", w.Requests, w.Successes, w.Errors)
	}
	if w.RateLimitHits != 1 {
		t.Errorf("RateLimitHits = %d, want 1", w.RateLimitHits)
	}
}

func TestRotateWindow_ResetsAndAppendsHistory(t *testing.T) {
	m := New(1440, 0.8, 60)
	m.Record("agent-a", true, false, 1*time.Millisecond, "")

	pre := m.RotateWindow()
	if pre.Requests != 1 {
		t.Errorf("rotated snapshot requests = %d, want 1", pre.Requests)
	}

	post := m.CurrentWindow()
	if post.Requests != 0 {
		t.Errorf("current window after rotation should be zero, got %d", post.Requests)
	}

	hist := m.History()
	if len(hist) != 1 || hist[0].Requests != 1 {
		t.Errorf("history after rotation = %+v, want one entry with 1 request", hist)
	}
}

func TestHistory_BoundedRing(t *testing.T) {
	m := New(3, 0.8, 60)
	for i := 0; i < 5; i++ {
		m.RotateWindow()
	}
	hist := m.History()
	if len(hist) != 3 {
		t.Errorf("history length = %d, want bounded to 3", len(hist))
	}
}

func TestAgentStats_RecentErrorsBoundedToTen(t *testing.T) {
	m := New(1440, 0.8, 60)
	for i := 0; i < 15; i++ {
		m.Record("agent-a", false, false, 0, "engine_transient")
	}
	stats, ok := m.AgentStats("agent-a")
	if !ok {
		t.Fatal("expected agent-a to be tracked")
	}
	if len(stats.RecentErrors) != 10 {
		t.Errorf("RecentErrors length = %d, want 10", len(stats.RecentErrors))
	}
}

func TestPredict_InsufficientData(t *testing.T) {
	m := New(1440, 0.8, 60)
	p := m.Predict(5)
	if p.Available {
		t.Error("Predict with <2 history points should be unavailable")
	}
}

func TestPredict_IncreasingTrend(t *testing.T) {
	m := New(1440, 0.8, 60)
	counts := []int{1, 2, 3, 4, 5, 6}
	for _, c := range counts {
		for i := 0; i < c; i++ {
			m.Record("agent-a", true, false, 0, "")
		}
		m.RotateWindow()
	}
	p := m.Predict(1)
	if !p.Available {
		t.Fatal("expected a prediction with 6 history points")
	}
	if p.Trend != TrendIncreasing {
		t.Errorf("Trend = %q, want increasing", p.Trend)
	}
}

func TestAlertCrossed_LatchesOncePerExcursion(t *testing.T) {
	m := New(1440, 0.5, 10)
	for i := 0; i < 5; i++ {
		m.Record("agent-a", true, false, 0, "")
	}
	if !m.AlertCrossed() {
		t.Fatal("expected alert to cross at 5/10 = 0.5 utilization")
	}
	// Recording further requests while still above threshold should not
	// re-fire until it drops back below and crosses again.
	m.Record("agent-a", true, false, 0, "")
	if m.AlertCrossed() {
		t.Error("alert should not re-fire while still above threshold")
	}
}
