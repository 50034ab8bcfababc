// Package features runs the Gherkin scenarios in this directory against
// the real dispatcher, queue, bus, and session packages wired together
// the same way cmd/dispatchd wires them, with the Engine replaced by a
// small shell script chosen per scenario.
package features

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/rs/zerolog"

	"github.com/lewta/dispatchd/internal/bus"
	"github.com/lewta/dispatchd/internal/dispatcher"
	"github.com/lewta/dispatchd/internal/invoker"
	"github.com/lewta/dispatchd/internal/queue"
	"github.com/lewta/dispatchd/internal/ratelimit"
	"github.com/lewta/dispatchd/internal/request"
	"github.com/lewta/dispatchd/internal/session"
	"github.com/lewta/dispatchd/internal/usage"
)

type noopSink struct{}

func (noopSink) Open(ctx context.Context, record session.OutageRecord) (string, error) {
	return "ticket", nil
}
func (noopSink) IsClosed(ctx context.Context, ticketRef string) (bool, error) { return false, nil }
func (noopSink) Reopen(ctx context.Context, ticketRef string) error           { return nil }

type noopProber struct{}

func (noopProber) Probe(ctx context.Context) error { return nil }

// world holds everything a scenario's steps share.
type world struct {
	maxConcurrent int

	bus *bus.Bus
	q   *queue.Manager
	d   *dispatcher.Dispatcher

	cancel context.CancelFunc

	enqueuedIDs []string
	responses   []request.Response
}

func (w *world) aDispatchDaemonWithMaxConcurrentRequests(maxConcurrent int) error {
	w.maxConcurrent = maxConcurrent
	return nil
}

func (w *world) theEngineAlwaysSucceeds() error {
	return w.buildHarness("cat >/dev/null; exit 0")
}

func (w *world) theEngineAlwaysExitsNonZero() error {
	return w.buildHarness("cat >/dev/null; exit 7")
}

func (w *world) theEngineAlwaysReportsASessionExpiredError() error {
	return w.buildHarness(`cat >/dev/null; echo "API Login Failure" 1>&2; exit 1`)
}

func (w *world) buildHarness(engineScript string) error {
	tmp, err := os.MkdirTemp("", "dispatchd-features-*")
	if err != nil {
		return err
	}

	b, err := bus.Open(filepath.Join(tmp, "bus.db"), zerolog.Nop())
	if err != nil {
		return err
	}
	q, err := queue.New(1000, filepath.Join(tmp, "queues.json"), zerolog.Nop())
	if err != nil {
		return err
	}

	inv := invoker.New("/bin/sh", []string{"-c", engineScript}, 5*time.Second)
	rl := ratelimit.New(ratelimit.Caps{RequestsPerMinute: 1000})
	um := usage.New(1440, 0.8, 1000)
	sm := session.New(noopSink{}, noopProber{}, zerolog.Nop(), nil)

	w.bus = b
	w.q = q
	w.d = dispatcher.New(zerolog.Nop(), b, q, inv, rl, um, sm, dispatcher.Config{
		MaxConcurrent: w.maxConcurrent,
	})
	return nil
}

func (w *world) requestIsEnqueuedWithPriority(id, priority string) error {
	p, ok := request.ParsePriority(priority)
	if !ok {
		return fmt.Errorf("unknown priority %q", priority)
	}
	w.enqueuedIDs = append(w.enqueuedIDs, id)
	return w.q.Enqueue(request.Request{ID: id, OriginAgent: "agent", Priority: p, Payload: "p"})
}

func (w *world) requestIsEnqueuedForDispatchMsFromNow(id string, ms int) error {
	w.enqueuedIDs = append(w.enqueuedIDs, id)
	return w.q.Enqueue(request.Request{
		ID:           id,
		OriginAgent:  "agent",
		Priority:     request.PriorityNormal,
		Payload:      "p",
		ScheduledFor: time.Now().Add(time.Duration(ms) * time.Millisecond),
	})
}

func (w *world) requestsAreEnqueuedWithPriority(ids string, priority string) error {
	p, ok := request.ParsePriority(priority)
	if !ok {
		return fmt.Errorf("unknown priority %q", priority)
	}
	for _, id := range splitIDs(ids) {
		w.enqueuedIDs = append(w.enqueuedIDs, id)
		if err := w.q.Enqueue(request.Request{ID: id, OriginAgent: "agent", Priority: p, Payload: "p"}); err != nil {
			return err
		}
	}
	return nil
}

func (w *world) theDispatcherRuns() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	w.cancel = cancel
	go w.d.Run(ctx)

	deadline := time.After(3 * time.Second)
	for len(w.responses) < len(w.enqueuedIDs) {
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for %d responses, got %d", len(w.enqueuedIDs), len(w.responses))
		case <-time.After(20 * time.Millisecond):
			resps, err := w.bus.PollResponses(context.Background(), "agent")
			if err != nil {
				return err
			}
			if len(resps) > 0 {
				w.responses = resps
			}
		}
	}
	return nil
}

func (w *world) theResponsesArriveInOrder(a, b, c string) error {
	if len(w.responses) != 3 {
		return fmt.Errorf("expected 3 responses, got %d", len(w.responses))
	}
	want := []string{a, b, c}
	for i, id := range want {
		if w.responses[i].RequestID != id {
			got := make([]string, len(w.responses))
			for j, r := range w.responses {
				got[j] = r.RequestID
			}
			return fmt.Errorf("order = %v, want %v", got, want)
		}
	}
	return nil
}

func (w *world) aResponseForRequestEventuallyArrives(id string) error {
	for _, r := range w.responses {
		if r.RequestID == id {
			return nil
		}
	}
	return fmt.Errorf("no response for %q among %v", id, w.responses)
}

func (w *world) aFailedResponseForRequestArrivesWithErrorKind(id, kind string) error {
	for _, r := range w.responses {
		if r.RequestID == id {
			if r.Status != request.StatusFailed {
				return fmt.Errorf("status = %v, want failed", r.Status)
			}
			if string(r.ErrorKind) != kind {
				return fmt.Errorf("error_kind = %v, want %v", r.ErrorKind, kind)
			}
			return nil
		}
	}
	return fmt.Errorf("no response for %q", id)
}

func (w *world) requestWasAttemptedTimes(id string, attempts int) error {
	for _, r := range w.responses {
		if r.RequestID == id {
			if r.Attempts != attempts {
				return fmt.Errorf("attempts = %d, want %d", r.Attempts, attempts)
			}
			return nil
		}
	}
	return fmt.Errorf("no response for %q", id)
}

// theDispatcherIsEmergencyStopped waits past the three-strikes threshold:
// each of the enqueued requests must have been dispatched and classified
// as a session expiry before the emergency stop latches.
func (w *world) theDispatcherIsEmergencyStopped() error {
	deadline := time.After(3 * time.Second)
	for {
		if stopped, _ := w.d.EmergencyStopped(); stopped {
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("dispatcher never entered emergency stop")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func splitIDs(s string) []string {
	var out []string
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		field = strings.Trim(field, `"`)
		if field != "" {
			out = append(out, field)
		}
	}
	return out
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	w := &world{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		w = &world{}
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if w.cancel != nil {
			w.cancel()
		}
		if w.bus != nil {
			w.bus.Close()
		}
		return ctx, nil
	})

	ctx.Step(`^a dispatch daemon with max_concurrent_requests (\d+)$`, w.aDispatchDaemonWithMaxConcurrentRequests)
	ctx.Step(`^the Engine always succeeds$`, w.theEngineAlwaysSucceeds)
	ctx.Step(`^the Engine always exits non-zero$`, w.theEngineAlwaysExitsNonZero)
	ctx.Step(`^the Engine always reports a session expired error$`, w.theEngineAlwaysReportsASessionExpiredError)
	ctx.Step(`^request "([^"]*)" is enqueued with priority "([^"]*)"$`, w.requestIsEnqueuedWithPriority)
	ctx.Step(`^requests ((?:"[^"]*",?\s*)+) are enqueued with priority "([^"]*)"$`, w.requestsAreEnqueuedWithPriority)
	ctx.Step(`^request "([^"]*)" is enqueued for dispatch (\d+)ms from now$`, w.requestIsEnqueuedForDispatchMsFromNow)
	ctx.Step(`^the dispatcher runs$`, w.theDispatcherRuns)
	ctx.Step(`^the responses arrive in order "([^"]*)", "([^"]*)", "([^"]*)"$`, w.theResponsesArriveInOrder)
	ctx.Step(`^a response for request "([^"]*)" eventually arrives$`, w.aResponseForRequestEventuallyArrives)
	ctx.Step(`^a failed response for request "([^"]*)" arrives with error_kind "([^"]*)"$`, w.aFailedResponseForRequestArrivesWithErrorKind)
	ctx.Step(`^request "([^"]*)" was attempted (\d+) times$`, w.requestWasAttemptedTimes)
	ctx.Step(`^the dispatcher is emergency stopped$`, w.theDispatcherIsEmergencyStopped)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"."},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
