package dispatcher

import (
	"context"
	"sync"
)

// resizableSemaphore is a counting semaphore whose limit can be changed
// while permits are held. Resizing never revokes a permit already
// acquired; it only changes how many future Acquire calls may succeed.
type resizableSemaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	limit int
	inUse int
}

func newResizableSemaphore(limit int) *resizableSemaphore {
	s := &resizableSemaphore{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a permit is available or ctx is cancelled.
func (s *resizableSemaphore) Acquire(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(done)
		s.cond.Broadcast()
	})
	defer stop()

	for s.inUse >= s.limit {
		select {
		case <-done:
			return false
		default:
		}
		s.cond.Wait()
	}
	select {
	case <-done:
		return false
	default:
	}
	s.inUse++
	return true
}

// Release returns one permit to the pool.
func (s *resizableSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse > 0 {
		s.inUse--
	}
	s.cond.Broadcast()
}

// Resize changes the limit future Acquire calls are checked against.
func (s *resizableSemaphore) Resize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = n
	s.cond.Broadcast()
}

// Limit returns the current limit.
func (s *resizableSemaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}
