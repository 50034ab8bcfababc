package dispatcher

import (
	"context"
	"testing"
	"time"
)

func TestSemaphore_AcquireUpToLimit(t *testing.T) {
	s := newResizableSemaphore(2)
	ctx := context.Background()

	if !s.Acquire(ctx) {
		t.Fatal("first acquire should succeed")
	}
	if !s.Acquire(ctx) {
		t.Fatal("second acquire should succeed")
	}

	acquired := make(chan bool, 1)
	go func() {
		acquired <- s.Acquire(ctx)
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block while limit is 2")
	case <-time.After(50 * time.Millisecond):
	}

	s.Release()
	select {
	case ok := <-acquired:
		if !ok {
			t.Fatal("third acquire should succeed after a release")
		}
	case <-time.After(time.Second):
		t.Fatal("third acquire never unblocked after release")
	}
}

func TestSemaphore_ResizeUnblocksWaiters(t *testing.T) {
	s := newResizableSemaphore(1)
	ctx := context.Background()
	if !s.Acquire(ctx) {
		t.Fatal("first acquire should succeed")
	}

	acquired := make(chan bool, 1)
	go func() {
		acquired <- s.Acquire(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Resize(2)

	select {
	case ok := <-acquired:
		if !ok {
			t.Fatal("acquire should succeed after resize raises the limit")
		}
	case <-time.After(time.Second):
		t.Fatal("resize did not unblock a waiting acquirer")
	}
}

func TestSemaphore_ContextCancellation(t *testing.T) {
	s := newResizableSemaphore(1)
	ctx := context.Background()
	s.Acquire(ctx)

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if s.Acquire(cancelCtx) {
		t.Fatal("acquire should fail once context is cancelled")
	}
}
