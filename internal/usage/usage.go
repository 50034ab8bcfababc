// Package usage implements the usage monitor: a current sliding-window
// counter, a bounded history ring, per-agent aggregates, and simple
// linear-trend prediction.
package usage

import (
	"math"
	"sync"
	"time"
)

// Window is a sliding one-minute counter snapshot.
type Window struct {
	Requests          int       `json:"requests"`
	Successes         int       `json:"successes"`
	Errors            int       `json:"errors"`
	RateLimitHits     int       `json:"rate_limit_hits"`
	SumResponseTimeMs int64     `json:"sum_response_time_ms"`
	WindowStart       time.Time `json:"window_start"`
}

// AgentStats is the per-origin-agent aggregate.
type AgentStats struct {
	TotalRequests     int       `json:"total_requests"`
	Successes         int       `json:"successes"`
	Errors            int       `json:"errors"`
	RateLimitHits     int       `json:"rate_limit_hits"`
	SumResponseTimeMs int64     `json:"sum_response_time_ms"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	RecentErrors      []string  `json:"recent_errors"` // bounded ring of last 10 error kinds
}

// Trend labels the direction of a Prediction.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Prediction is the result of Monitor.Predict.
type Prediction struct {
	Available         bool
	RequestsPerMinute float64
	TotalOverWindow   float64
	Confidence        float64
	Trend             Trend
}

const historyWindowForPrediction = time.Hour

// Monitor tracks current-window counters, a bounded history ring, and
// per-agent stats. Updates are serialized through a single mutex, matching
// the single-writer-actor pattern used across the dispatcher's shared
// state.
type Monitor struct {
	mu sync.Mutex

	historySize         int
	alertThresholdRatio float64
	rateLimitCap        int // requests_per_minute cap, for alert ratio

	current Window
	history []Window // oldest first, bounded to historySize

	agents map[string]*AgentStats

	alertActive bool
}

// New builds a Monitor. historySize bounds the ring (spec default 1440,
// i.e. 24 hours of one-minute snapshots).
func New(historySize int, alertThresholdRatio float64, rateLimitCap int) *Monitor {
	return &Monitor{
		historySize:         historySize,
		alertThresholdRatio: alertThresholdRatio,
		rateLimitCap:        rateLimitCap,
		current:             Window{WindowStart: time.Now()},
		agents:              make(map[string]*AgentStats),
	}
}

// Record registers one completed invocation. success and isRateLimitHit
// classify the outcome; responseTime is the Engine's wall-clock duration.
func (m *Monitor) Record(agent string, success, isRateLimitHit bool, responseTime time.Duration, errorKind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current.Requests++
	if success {
		m.current.Successes++
	} else {
		m.current.Errors++
	}
	if isRateLimitHit {
		m.current.RateLimitHits++
	}
	m.current.SumResponseTimeMs += responseTime.Milliseconds()

	a, ok := m.agents[agent]
	if !ok {
		a = &AgentStats{FirstSeen: time.Now()}
		m.agents[agent] = a
	}
	a.TotalRequests++
	if success {
		a.Successes++
	} else {
		a.Errors++
		a.RecentErrors = append(a.RecentErrors, errorKind)
		if len(a.RecentErrors) > 10 {
			a.RecentErrors = a.RecentErrors[len(a.RecentErrors)-10:]
		}
	}
	if isRateLimitHit {
		a.RateLimitHits++
	}
	a.SumResponseTimeMs += responseTime.Milliseconds()
	a.LastSeen = time.Now()
}

// RotateWindow appends a snapshot of the current window to the history
// ring (evicting the oldest entry beyond historySize) and resets the
// current window. Intended to be called once per minute.
func (m *Monitor) RotateWindow() Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.current
	m.history = append(m.history, snap)
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}
	m.current = Window{WindowStart: time.Now()}
	return snap
}

// CurrentWindow returns a copy of the current window's counters.
func (m *Monitor) CurrentWindow() Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns a copy of the history ring, oldest first.
func (m *Monitor) History() []Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Window, len(m.history))
	copy(out, m.history)
	return out
}

// AgentStats returns a copy of the named agent's aggregate, or false if
// the agent has never been recorded.
func (m *Monitor) AgentStats(agent string) (AgentStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agent]
	if !ok {
		return AgentStats{}, false
	}
	return *a, true
}

// AllAgentStats returns a copy of every tracked agent's aggregate, keyed
// by agent id.
func (m *Monitor) AllAgentStats() map[string]AgentStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]AgentStats, len(m.agents))
	for k, v := range m.agents {
		out[k] = *v
	}
	return out
}

// Predict fits a least-squares line over requests-per-minute across the
// last hour of history snapshots and extrapolates minutesAhead into the
// future. Requires at least two data points; otherwise Available is
// false.
func (m *Monitor) Predict(minutesAhead int) Prediction {
	m.mu.Lock()
	points := m.recentRequestsPerMinuteLocked()
	m.mu.Unlock()

	if len(points) < 2 {
		return Prediction{Available: false}
	}

	slope, intercept, mean, stddev := leastSquares(points)

	n := float64(len(points))
	extrapolatedX := n - 1 + float64(minutesAhead)
	rate := slope*extrapolatedX + intercept
	if rate < 0 {
		rate = 0
	}

	var cv float64
	if mean != 0 {
		cv = stddev / math.Abs(mean)
	}
	confidence := 1 - clip(cv, 0, 1)

	trend := TrendStable
	if mean != 0 {
		relSlope := slope / math.Abs(mean)
		switch {
		case relSlope > 0.05:
			trend = TrendIncreasing
		case relSlope < -0.05:
			trend = TrendDecreasing
		}
	}

	total := 0.0
	for _, p := range points {
		total += p
	}

	return Prediction{
		Available:         true,
		RequestsPerMinute: rate,
		TotalOverWindow:   total,
		Confidence:        confidence,
		Trend:             trend,
	}
}

func (m *Monitor) recentRequestsPerMinuteLocked() []float64 {
	cutoff := time.Now().Add(-historyWindowForPrediction)
	var points []float64
	for _, w := range m.history {
		if w.WindowStart.Before(cutoff) {
			continue
		}
		points = append(points, float64(w.Requests))
	}
	return points
}

// leastSquares fits y = slope*x + intercept over points indexed 0..n-1,
// returning the fit plus the sample mean and standard deviation of y.
func leastSquares(points []float64) (slope, intercept, mean, stddev float64) {
	n := float64(len(points))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range points {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	mean = sumY / n

	denom := n*sumXX - sumX*sumX
	if denom != 0 {
		slope = (n*sumXY - sumX*sumY) / denom
		intercept = (sumY - slope*sumX) / n
	} else {
		intercept = mean
	}

	var variance float64
	for _, y := range points {
		variance += (y - mean) * (y - mean)
	}
	variance /= n
	stddev = math.Sqrt(variance)

	return slope, intercept, mean, stddev
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AlertCrossed reports whether current-window utilization against the
// configured rate-limit cap has newly crossed alertThresholdRatio (true,
// and latches), and clears the latch once usage drops back below it.
func (m *Monitor) AlertCrossed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rateLimitCap <= 0 {
		return false
	}
	ratio := float64(m.current.Requests) / float64(m.rateLimitCap)

	if ratio >= m.alertThresholdRatio {
		if m.alertActive {
			return false
		}
		m.alertActive = true
		return true
	}
	m.alertActive = false
	return false
}
