package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lewta/dispatchd/internal/request"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.db")
	b, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPollRequest_EmptyReturnsNone(t *testing.T) {
	b := newTestBus(t)
	_, ok, err := b.PollRequest(context.Background())
	if err != nil {
		t.Fatalf("PollRequest: %v", err)
	}
	if ok {
		t.Error("expected no request on an empty bus")
	}
}

func TestSubmitThenPoll(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	want := request.Request{ID: "r1", OriginAgent: "agent-a", Payload: "do the thing"}
	if err := b.Submit(ctx, want); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, ok, err := b.PollRequest(ctx)
	if err != nil {
		t.Fatalf("PollRequest: %v", err)
	}
	if !ok {
		t.Fatal("expected a request after Submit")
	}
	if got.ID != want.ID || got.OriginAgent != want.OriginAgent {
		t.Errorf("PollRequest = %+v, want %+v", got, want)
	}

	// A second poll should return none: requests are popped exactly once.
	_, ok, err = b.PollRequest(ctx)
	if err != nil {
		t.Fatalf("second PollRequest: %v", err)
	}
	if ok {
		t.Error("expected request to be consumed after first poll")
	}
}

func TestPollRequest_RejectsMalformed(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	// Missing origin and payload.
	if err := b.Submit(ctx, request.Request{ID: "bad"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, ok, err := b.PollRequest(ctx)
	if err != nil {
		t.Fatalf("PollRequest: %v", err)
	}
	if ok {
		t.Fatal("malformed request should not be returned")
	}

	resps, err := b.PollResponses(ctx, "")
	if err != nil {
		t.Fatalf("PollResponses: %v", err)
	}
	found := false
	for _, r := range resps {
		if r.ErrorKind == request.ErrorKindInvalidRequest {
			found = true
		}
	}
	if !found {
		t.Error("expected an invalid_request failure response for the malformed entry")
	}
}

func TestEmitResponse_TTLExpiry(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	if err := b.EmitResponse(ctx, "agent-a", request.Response{RequestID: "r1", Status: request.StatusCompleted}); err != nil {
		t.Fatalf("EmitResponse: %v", err)
	}

	resps, err := b.PollResponses(ctx, "agent-a")
	if err != nil {
		t.Fatalf("PollResponses: %v", err)
	}
	if len(resps) != 1 {
		t.Fatalf("PollResponses = %d entries, want 1", len(resps))
	}

	// Force expiry by back-dating directly against the store.
	if _, err := b.db.ExecContext(ctx, `UPDATE responses SET expires_at = ?`, time.Now().Add(-time.Minute).Unix()); err != nil {
		t.Fatalf("backdating expires_at: %v", err)
	}

	resps, err = b.PollResponses(ctx, "agent-a")
	if err != nil {
		t.Fatalf("PollResponses after expiry: %v", err)
	}
	if len(resps) != 0 {
		t.Errorf("PollResponses after expiry = %d entries, want 0", len(resps))
	}
}

func TestEmitAndPollNotifications(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	if err := b.EmitNotification(ctx, request.Notification{Kind: "rate_limit", Severity: "high"}); err != nil {
		t.Fatalf("EmitNotification: %v", err)
	}

	got, err := b.PollNotifications(ctx)
	if err != nil {
		t.Fatalf("PollNotifications: %v", err)
	}
	if len(got) != 1 || got[0].Kind != "rate_limit" {
		t.Errorf("PollNotifications = %+v, want one rate_limit notification", got)
	}

	// Draining removes them.
	got, err = b.PollNotifications(ctx)
	if err != nil {
		t.Fatalf("second PollNotifications: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("second PollNotifications = %+v, want empty", got)
	}
}
