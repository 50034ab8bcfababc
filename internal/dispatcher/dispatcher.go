// Package dispatcher implements the central scheduling loop: it ties the
// queue manager, engine invoker, failure classifier, usage monitor,
// rate-limit predictor, and session monitor together, honoring the
// concurrency cap and throttle gate, and owns auto-optimization and
// emergency stop.
package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lewta/dispatchd/internal/bus"
	"github.com/lewta/dispatchd/internal/classifier"
	"github.com/lewta/dispatchd/internal/invoker"
	"github.com/lewta/dispatchd/internal/queue"
	"github.com/lewta/dispatchd/internal/ratelimit"
	"github.com/lewta/dispatchd/internal/request"
	"github.com/lewta/dispatchd/internal/session"
	"github.com/lewta/dispatchd/internal/usage"
)

// maxAttempts bounds retries, not total invocations: a transient failure is
// retried (with demotion) while req.Attempts < maxAttempts, so the 4th
// classified failure (after demotions through high, normal, low) is the one
// reported as failed.
const maxAttempts = 3

// ThrottleMode selects how the dispatcher paces successive invocations.
type ThrottleMode string

const (
	ThrottleFixed       ThrottleMode = "fixed"
	ThrottleAdaptive    ThrottleMode = "adaptive"
	ThrottleExponential ThrottleMode = "exponential"
)

// ThrottleState is the dispatcher's live, mutable throttle configuration.
// It is read and written through atomic.Pointer so auto-optimization and
// operator control-surface calls can swap it without a lock on the hot
// path.
type ThrottleState struct {
	Enabled      bool
	Mode         ThrottleMode
	BaseDelayMs  int
	AttemptCount int
}

// Dispatcher owns the dispatch loop, a worker pool bounded by
// max_concurrent, and periodic auto-optimization / emergency-stop
// machinery.
type Dispatcher struct {
	log zerolog.Logger

	bus        *bus.Bus
	queueMgr   *queue.Manager
	inv        *invoker.Invoker
	rateLimit  *ratelimit.Predictor
	usageMon   *usage.Monitor
	sessionMon *session.Monitor

	sem               *resizableSemaphore
	manualConcurrency bool // latched true once an operator sets concurrency directly

	throttle atomic.Pointer[ThrottleState]

	emergencyStop atomic.Bool
	stopReason    atomic.Pointer[string]

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Config bundles the Dispatcher's tunables.
type Config struct {
	MaxConcurrent int
	Throttle      ThrottleState
	EngineTimeout time.Duration
	AutoOptimize  bool
}

// New builds a Dispatcher wired to its collaborators.
func New(
	log zerolog.Logger,
	b *bus.Bus,
	q *queue.Manager,
	inv *invoker.Invoker,
	rl *ratelimit.Predictor,
	um *usage.Monitor,
	sm *session.Monitor,
	cfg Config,
) *Dispatcher {
	d := &Dispatcher{
		log:        log.With().Str("component", "dispatcher").Logger(),
		bus:        b,
		queueMgr:   q,
		inv:        inv,
		rateLimit:  rl,
		usageMon:   um,
		sessionMon: sm,
		sem:        newResizableSemaphore(cfg.MaxConcurrent),
		stopCh:     make(chan struct{}),
	}
	th := cfg.Throttle
	d.throttle.Store(&th)
	return d
}

// Run drives the dispatch loop until ctx is cancelled or emergency stop
// fires. Each tick: session gate, emergency-stop check, concurrency
// acquire, throttle delay, dequeue, dispatch.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return nil
		default:
		}

		if err := d.sessionMon.WaitUntilOK(ctx); err != nil {
			return err
		}

		if d.emergencyStop.Load() {
			return nil
		}

		if !d.acquire(ctx) {
			return ctx.Err()
		}

		d.applyThrottle(ctx)

		req, ok := d.queueMgr.Dequeue()
		if !ok {
			d.release()
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.release()
			d.dispatchOne(ctx, req)
		}()
	}
}

func (d *Dispatcher) acquire(ctx context.Context) bool {
	return d.sem.Acquire(ctx)
}

func (d *Dispatcher) release() {
	d.sem.Release()
}

func (d *Dispatcher) applyThrottle(ctx context.Context) {
	th := d.throttle.Load()
	if th == nil || !th.Enabled {
		return
	}

	var delay time.Duration
	switch th.Mode {
	case ThrottleAdaptive:
		delay = d.rateLimit.RecommendedDelay()
	case ThrottleExponential:
		delay = exponentialDelay(th.BaseDelayMs, th.AttemptCount)
	default:
		delay = time.Duration(th.BaseDelayMs) * time.Millisecond
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func exponentialDelay(baseMs, attempt int) time.Duration {
	base := time.Duration(baseMs) * time.Millisecond
	d := base << attempt
	const ceiling = 5 * time.Minute
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// dispatchOne invokes the Engine for req, classifies the outcome, updates
// the monitors, emits a response, and decides whether to retry.
func (d *Dispatcher) dispatchOne(ctx context.Context, req request.Request) {
	start := time.Now()
	outcome, err := d.inv.Run(ctx, req, 0)
	responseTime := time.Since(start)

	if err != nil {
		d.log.Error().Err(err).Str("request_id", req.ID).Msg("engine invocation failed to start")
		req.Attempts++
		d.finalizeFailure(ctx, req, request.ErrorKindEngineTransient, err.Error(), -1, responseTime)
		return
	}

	for _, n := range d.rateLimit.Record(0) {
		_ = d.bus.EmitNotification(ctx, n)
	}

	if outcome.TimedOut {
		d.usageMon.Record(req.OriginAgent, false, false, responseTime, string(request.ErrorKindEngineTimeout))
		d.retryOrFail(ctx, req, request.ErrorKindEngineTimeout, "engine invocation timed out", outcome.ExitCode, responseTime)
		return
	}

	result := classifier.Classify(outcome.ExitCode, outcome.Stdout, outcome.Stderr)

	switch result.Kind {
	case request.ErrorKindNone:
		d.usageMon.Record(req.OriginAgent, true, false, responseTime, "")
		d.emitResponse(ctx, req, request.Response{
			RequestID:      req.ID,
			OriginAgent:    req.OriginAgent,
			Status:         request.StatusCompleted,
			Output:         outcome.Stdout,
			Attempts:       req.Attempts + 1,
			ResponseTimeMs: responseTime.Milliseconds(),
			EngineExitCode: outcome.ExitCode,
			CompletedAt:    time.Now(),
		})

	case request.ErrorKindRateLimit:
		d.usageMon.Record(req.OriginAgent, false, true, responseTime, string(result.Kind))
		releaseAt := time.Unix(result.RateLimitReleaseAt, 0)
		d.rateLimit.RecordRateLimitHit(releaseAt)
		d.enableExponentialThrottle()
		_ = d.bus.EmitNotification(ctx, request.Notification{
			Kind:      "rate_limit",
			Severity:  "high",
			Message:   "engine reported rate-limit exhaustion",
			EmittedAt: time.Now(),
		})
		req.Status = request.StatusQueued
		if err := d.queueMgr.Requeue(req); err != nil {
			d.log.Warn().Err(err).Str("request_id", req.ID).Msg("persistence_failure: requeuing rate-limited request")
		}

	case request.ErrorKindSessionExpiry:
		d.usageMon.Record(req.OriginAgent, false, false, responseTime, string(result.Kind))
		triggered := d.sessionMon.OnSessionExpiry(ctx, req.ID)
		d.emitResponse(ctx, req, request.Response{
			RequestID:      req.ID,
			OriginAgent:    req.OriginAgent,
			Status:         request.StatusFailed,
			ErrorKind:      request.ErrorKindSessionExpiry,
			Attempts:       req.Attempts + 1,
			ResponseTimeMs: responseTime.Milliseconds(),
			EngineExitCode: outcome.ExitCode,
			CompletedAt:    time.Now(),
		})
		if triggered {
			d.TriggerEmergencyStop(ctx, "three consecutive session_expiry classifications")
		}

	default:
		d.usageMon.Record(req.OriginAgent, false, false, responseTime, string(result.Kind))
		d.retryOrFail(ctx, req, request.ErrorKindEngineTransient, "engine invocation failed", outcome.ExitCode, responseTime)
	}
}

// retryOrFail retries req (demoting its priority) while req.Attempts is
// still below maxAttempts, and finalizes it as failed on the classified
// failure that follows the maxAttempts-th retry.
func (d *Dispatcher) retryOrFail(ctx context.Context, req request.Request, kind request.ErrorKind, detail string, exitCode int, responseTime time.Duration) {
	if req.Attempts < maxAttempts {
		req.Attempts++
		req.Priority = req.Priority.Demote()
		req.Status = request.StatusRetry
		if err := d.queueMgr.Requeue(req); err != nil {
			d.log.Warn().Err(err).Str("request_id", req.ID).Msg("persistence_failure: requeuing after retry")
		}
		return
	}
	d.finalizeFailure(ctx, req, kind, detail, exitCode, responseTime)
}

func (d *Dispatcher) finalizeFailure(ctx context.Context, req request.Request, kind request.ErrorKind, detail string, exitCode int, responseTime time.Duration) {
	d.emitResponse(ctx, req, request.Response{
		RequestID:      req.ID,
		OriginAgent:    req.OriginAgent,
		Status:         request.StatusFailed,
		ErrorKind:      kind,
		ErrorDetail:    detail,
		Attempts:       req.Attempts,
		ResponseTimeMs: responseTime.Milliseconds(),
		EngineExitCode: exitCode,
		CompletedAt:    time.Now(),
	})
}

func (d *Dispatcher) emitResponse(ctx context.Context, req request.Request, resp request.Response) {
	if err := d.bus.EmitResponse(ctx, req.OriginAgent, resp); err != nil {
		d.log.Error().Err(err).Str("request_id", req.ID).Msg("bus_failure: emitting response")
		d.TriggerEmergencyStop(ctx, "fatal bus failure emitting response")
	}
}

func (d *Dispatcher) enableExponentialThrottle() {
	d.throttle.Store(&ThrottleState{
		Enabled:      true,
		Mode:         ThrottleExponential,
		BaseDelayMs:  60000,
		AttemptCount: 0,
	})
}

// SetThrottle applies an operator-issued throttle configuration.
func (d *Dispatcher) SetThrottle(th ThrottleState) {
	d.throttle.Store(&th)
}

// Throttle returns a copy of the current throttle configuration.
func (d *Dispatcher) Throttle() ThrottleState {
	return *d.throttle.Load()
}

// SetConcurrency applies an operator-issued max_concurrent override and
// latches out further auto-optimization adjustments to concurrency until
// the next process restart.
func (d *Dispatcher) SetConcurrency(n int) {
	d.manualConcurrency = true
	d.sem.Resize(n)
}

// MaxConcurrent returns the current concurrency cap.
func (d *Dispatcher) MaxConcurrent() int { return d.sem.Limit() }

// TriggerEmergencyStop arms the emergency-stop flag and emits an
// emergency_stop notification; the queue snapshot is already current, so
// nothing else is persisted. Run returns on its next loop check without
// waiting for in-flight dispatches, which are not cancelled; a background
// goroutine waits up to 30s for them and logs a warning if any remain.
func (d *Dispatcher) TriggerEmergencyStop(ctx context.Context, reason string) {
	if !d.emergencyStop.CompareAndSwap(false, true) {
		return
	}
	d.stopReason.Store(&reason)
	d.log.Warn().Str("reason", reason).Msg("emergency stop armed")

	_ = d.bus.EmitNotification(ctx, request.Notification{
		Kind:      "emergency_stop",
		Severity:  "critical",
		Message:   reason,
		EmittedAt: time.Now(),
	})

	d.stopOnce.Do(func() { close(d.stopCh) })

	go func() {
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			d.log.Warn().Msg("emergency stop grace period elapsed with work still in flight")
		}
	}()
}

// EmergencyStopped reports whether emergency stop has been armed, and the
// reason if so.
func (d *Dispatcher) EmergencyStopped() (bool, string) {
	if !d.emergencyStop.Load() {
		return false, ""
	}
	reason := d.stopReason.Load()
	if reason == nil {
		return true, ""
	}
	return true, *reason
}

// AutoOptimize runs one round of the dispatcher's periodic self-tuning:
// scale concurrency to queue depth and host resource pressure (unless an
// operator has latched manual concurrency), and scale throttle delay to
// the recent error rate. resourcePressure is a [0, 1] reading from
// resource.Sampler.Pressure; pass 0 if no sampler is configured.
func (d *Dispatcher) AutoOptimize(status queue.Status, errorRate float64, resourcePressure float64) {
	if !d.manualConcurrency {
		depth := 0
		for _, n := range status.Sizes {
			depth += n
		}
		current := d.MaxConcurrent()
		switch {
		case resourcePressure > 0.9 && current > 1:
			d.sem.Resize(current - 1)
		case depth > 100 && current < 10 && resourcePressure < 0.75:
			d.sem.Resize(current + 1)
		case depth < 10 && current > 3:
			d.sem.Resize(current - 1)
		}
	}

	if errorRate > 0.10 {
		th := d.Throttle()
		th.BaseDelayMs = int(float64(th.BaseDelayMs) * 1.5)
		if th.BaseDelayMs > 10000 {
			th.BaseDelayMs = 10000
		}
		d.SetThrottle(th)
	}
}
