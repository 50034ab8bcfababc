package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lewta/dispatchd/internal/request"
)

func newTestManager(t *testing.T, maxSize int) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queues.json")
	m, err := New(maxSize, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// TestPriorityOrdering reproduces scenario S1: enqueue low, urgent, normal;
// expect dequeue order urgent, normal, low.
func TestPriorityOrdering(t *testing.T) {
	m := newTestManager(t, 10)

	reqs := []request.Request{
		{ID: "A", Priority: request.PriorityLow},
		{ID: "B", Priority: request.PriorityUrgent},
		{ID: "C", Priority: request.PriorityNormal},
	}
	for _, r := range reqs {
		if err := m.Enqueue(r); err != nil {
			t.Fatalf("Enqueue(%s): %v", r.ID, err)
		}
	}

	var order []string
	for i := 0; i < 3; i++ {
		r, ok := m.Dequeue()
		if !ok {
			t.Fatalf("Dequeue #%d: expected a request, got none", i)
		}
		order = append(order, r.ID)
	}

	want := []string{"B", "C", "A"}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("dequeue order = %v, want %v", order, want)
			break
		}
	}
}

func TestDequeueEmptyReturnsNone(t *testing.T) {
	m := newTestManager(t, 10)
	if _, ok := m.Dequeue(); ok {
		t.Error("Dequeue on empty queue should return ok=false")
	}
}

// TestScheduledPromotion reproduces scenario S2.
func TestScheduledPromotion(t *testing.T) {
	m := newTestManager(t, 10)
	future := time.Now().Add(50 * time.Millisecond)
	if err := m.Enqueue(request.Request{ID: "S", Priority: request.PriorityNormal, ScheduledFor: future}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, ok := m.Dequeue(); ok {
		t.Fatal("scheduled request dispatched before its scheduled_at")
	}

	time.Sleep(80 * time.Millisecond)
	m.PromoteDue()

	r, ok := m.Dequeue()
	if !ok || r.ID != "S" {
		t.Fatalf("expected scheduled request S to be dequeued, got %+v ok=%v", r, ok)
	}
}

func TestQueueFull(t *testing.T) {
	m := newTestManager(t, 2)
	if err := m.Enqueue(request.Request{ID: "1"}); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := m.Enqueue(request.Request{ID: "2"}); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	err := m.Enqueue(request.Request{ID: "3"})
	if err == nil {
		t.Fatal("expected queue_full error, got nil")
	}
	if _, ok := err.(*ErrQueueFull); !ok {
		t.Errorf("expected *ErrQueueFull, got %T", err)
	}
}

func TestPauseBlocksDequeue(t *testing.T) {
	m := newTestManager(t, 10)
	if err := m.Enqueue(request.Request{ID: "A", Priority: request.PriorityNormal}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := m.Pause("operator request"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, ok := m.Dequeue(); ok {
		t.Fatal("Dequeue should return none while paused")
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, ok := m.Dequeue(); !ok {
		t.Fatal("Dequeue should succeed after Resume")
	}
}

func TestClearPriority(t *testing.T) {
	m := newTestManager(t, 10)
	for i := 0; i < 3; i++ {
		if err := m.Enqueue(request.Request{ID: string(rune('A' + i)), Priority: request.PriorityNormal}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	p := request.PriorityNormal
	removed, err := m.Clear(&p)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 3 {
		t.Errorf("Clear removed = %d, want 3", removed)
	}
	if _, ok := m.Dequeue(); ok {
		t.Error("expected empty queue after Clear")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queues.json")
	m1, err := New(10, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m1.Enqueue(request.Request{ID: "A", Priority: request.PriorityHigh}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := m1.Pause("testing"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	m2, err := New(10, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("restoring New: %v", err)
	}
	status := m2.Status()
	if !status.Paused {
		t.Error("restored manager should still be paused")
	}
	if status.Sizes[request.PriorityHigh] != 1 {
		t.Errorf("restored high queue size = %d, want 1", status.Sizes[request.PriorityHigh])
	}
}
