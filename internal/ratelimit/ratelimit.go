// Package ratelimit implements the rate-limit predictor: three nested
// accounting windows (minute, day, month), advisory delay/action
// recommendations, and threshold-crossing warnings.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lewta/dispatchd/internal/request"
)

// Caps configures the per-window ceilings the predictor measures against.
type Caps struct {
	TokensPerMinute   int
	RequestsPerMinute int
	TokensPerDay      int
	TokensPerMonth    int
}

// Action is the advisory action recommended at the current utilization.
type Action string

const (
	ActionNormal         Action = "normal"
	ActionMonitor        Action = "monitor"
	ActionIncreaseDelay  Action = "increase_delay"
	ActionReducePriority Action = "reduce_priority"
	ActionPauseQueue     Action = "pause_queue"
)

type window struct {
	tokensUsed   int
	requestsUsed int
	windowStart  time.Time
}

// Predictor tracks usage against Caps across minute/day/month windows and
// emits advisory delay/action recommendations plus one-shot warnings at
// utilization crossings.
type Predictor struct {
	mu sync.Mutex

	caps   Caps
	minute window
	day    window
	month  window

	// limiter is a token bucket sized to the minute window's request cap.
	// RecommendedDelay and the other methods do not consult it.
	limiter *rate.Limiter

	// warningsLatched tracks which (window, threshold) crossings have
	// already fired, so each is reported once per excursion above it.
	warningsLatched map[string]bool

	releaseAt time.Time
}

// New builds a Predictor for the given caps. A RequestsPerMinute of 0
// disables the golang.org/x/time/rate double-check (unbounded).
func New(caps Caps) *Predictor {
	now := time.Now()
	limit := rate.Inf
	burst := 1
	if caps.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(caps.RequestsPerMinute) / 60.0)
		burst = caps.RequestsPerMinute
	}
	return &Predictor{
		caps:            caps,
		minute:          window{windowStart: now},
		day:             window{windowStart: startOfDay(now)},
		month:           window{windowStart: startOfMonth(now)},
		limiter:         rate.NewLimiter(limit, burst),
		warningsLatched: make(map[string]bool),
	}
}

// Record accounts for one completed Engine invocation consuming the given
// number of tokens (0 if unknown) and one request. Returns any warnings
// newly crossed by this record.
func (p *Predictor) Record(tokens int) []request.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.rotateLocked(now)

	p.minute.tokensUsed += tokens
	p.minute.requestsUsed++
	p.day.tokensUsed += tokens
	p.day.requestsUsed++
	p.month.tokensUsed += tokens
	p.month.requestsUsed++

	return p.checkWarningsLocked(now)
}

// RecordRateLimitHit records an observed rate-limit release timestamp from
// the Engine, so callers can surface it on the Response.
func (p *Predictor) RecordRateLimitHit(releaseAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseAt = releaseAt
}

// LastReleaseAt returns the most recently observed rate-limit release
// timestamp, or the zero time if none has been observed.
func (p *Predictor) LastReleaseAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releaseAt
}

func (p *Predictor) rotateLocked(now time.Time) {
	if now.Sub(p.minute.windowStart) >= time.Minute {
		p.minute = window{windowStart: now}
		p.clearLatchesFor("minute")
	}
	if sod := startOfDay(now); !sod.Equal(p.day.windowStart) {
		p.day = window{windowStart: sod}
		p.clearLatchesFor("day")
	}
	if som := startOfMonth(now); !som.Equal(p.month.windowStart) {
		p.month = window{windowStart: som}
		p.clearLatchesFor("month")
	}
}

func (p *Predictor) clearLatchesFor(windowName string) {
	for k := range p.warningsLatched {
		if hasPrefix(k, windowName+":") {
			delete(p.warningsLatched, k)
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// utilization returns the minute window's utilization as
// max(tokens/min, requests/min), each relative to its configured cap. A
// cap of 0 means "no cap", contributing 0 to the max.
func (p *Predictor) utilizationLocked() float64 {
	var tokenUtil, reqUtil float64
	if p.caps.TokensPerMinute > 0 {
		tokenUtil = float64(p.minute.tokensUsed) / float64(p.caps.TokensPerMinute)
	}
	if p.caps.RequestsPerMinute > 0 {
		reqUtil = float64(p.minute.requestsUsed) / float64(p.caps.RequestsPerMinute)
	}
	if tokenUtil > reqUtil {
		return tokenUtil
	}
	return reqUtil
}

// RecommendedDelay returns the advisory pacing delay for the current
// minute-window utilization.
func (p *Predictor) RecommendedDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recommendedDelayLocked()
}

func (p *Predictor) recommendedDelayLocked() time.Duration {
	u := p.utilizationLocked()
	reqCap := p.caps.RequestsPerMinute
	switch {
	case u >= 0.9:
		d := 2 * scaledDelay(reqCap)
		return maxDuration(5*time.Second, d)
	case u >= 0.7:
		d := time.Duration(1.5 * float64(scaledDelay(reqCap)))
		return maxDuration(2*time.Second, d)
	case u >= 0.5:
		return maxDuration(1*time.Second, scaledDelay(reqCap))
	default:
		return 500 * time.Millisecond
	}
}

func scaledDelay(reqPerMinCap int) time.Duration {
	if reqPerMinCap <= 0 {
		return 0
	}
	return time.Minute / time.Duration(reqPerMinCap)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// RecommendedAction returns the advisory action for the current
// minute-window utilization.
func (p *Predictor) RecommendedAction() Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.utilizationLocked()
	switch {
	case u >= 0.9:
		return ActionPauseQueue
	case u >= 0.8:
		return ActionReducePriority
	case u >= 0.7:
		return ActionIncreaseDelay
	case u >= 0.5:
		return ActionMonitor
	default:
		return ActionNormal
	}
}

// TimeToLimit estimates seconds until the minute window's request cap is
// exhausted at the current rate. Returns posInf (1e18, a JSON-encodable
// stand-in for +Inf) if the rate is non-positive or there is no cap.
func (p *Predictor) TimeToLimit() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.caps.RequestsPerMinute <= 0 {
		return posInf
	}
	elapsed := time.Since(p.minute.windowStart).Seconds()
	if elapsed <= 0 {
		return posInf
	}
	perSecond := float64(p.minute.requestsUsed) / elapsed
	if perSecond <= 0 {
		return posInf
	}
	remaining := float64(p.caps.RequestsPerMinute - p.minute.requestsUsed)
	if remaining <= 0 {
		return 0
	}
	return remaining / perSecond
}

const posInf = 1e18

var warningThresholds = []float64{0.6, 0.7, 0.8, 0.9}

func (p *Predictor) checkWarningsLocked(now time.Time) []request.Notification {
	var out []request.Notification

	minuteUtil := p.utilizationLocked()
	for _, th := range warningThresholds {
		key := thresholdKey("minute", th)
		if minuteUtil >= th && !p.warningsLatched[key] {
			p.warningsLatched[key] = true
			out = append(out, request.Notification{
				Kind:     "threshold_crossed",
				Severity: severityFor(th),
				Message:  minuteCrossingMessage(th),
				EmittedAt: now,
			})
		}
	}

	for _, w := range []struct {
		name string
		win  window
		cap  int
	}{
		{"day", p.day, p.caps.TokensPerDay},
		{"month", p.month, p.caps.TokensPerMonth},
	} {
		if w.cap <= 0 {
			continue
		}
		util := float64(w.win.tokensUsed) / float64(w.cap)
		key := thresholdKey(w.name, 0.8)
		if util >= 0.8 && !p.warningsLatched[key] {
			p.warningsLatched[key] = true
			out = append(out, request.Notification{
				Kind:      "threshold_crossed",
				Severity:  "high",
				Message:   w.name + " token usage at or above 80%",
				EmittedAt: now,
			})
		}
	}

	return out
}

func thresholdKey(windowName string, th float64) string {
	return windowName + ":" + formatThreshold(th)
}

func formatThreshold(th float64) string {
	switch th {
	case 0.6:
		return "60"
	case 0.7:
		return "70"
	case 0.8:
		return "80"
	case 0.9:
		return "90"
	default:
		return "0"
	}
}

func severityFor(th float64) string {
	switch {
	case th >= 0.9:
		return "critical"
	case th >= 0.8:
		return "high"
	case th >= 0.7:
		return "medium"
	default:
		return "low"
	}
}

func minuteCrossingMessage(th float64) string {
	switch th {
	case 0.9:
		return "minute rate-limit utilization at or above 90%"
	case 0.8:
		return "minute rate-limit utilization at or above 80%"
	case 0.7:
		return "minute rate-limit utilization at or above 70%"
	default:
		return "minute rate-limit utilization at or above 60%"
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
}
