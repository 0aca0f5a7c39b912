package engine

import (
	"container/list"
	"context"
	"sync"
)

// semaphore is a FIFO counting semaphore bounding how many tasks may hold
// the HTTP-open state simultaneously (section 5, "Bounded parallelism").
// Queued acquirers wait in FIFO order on permit availability; a waiter
// cancels immediately if ctx is done, satisfying the admission step of the
// per-task algorithm (section 4.C step 1: "Respond to cancel while
// waiting"). capacity can change at runtime (the control-plane's
// max_concurrent setting, section 6.3) without losing track of permits
// already held, unlike swapping the underlying channel out from under
// in-flight acquire/release calls.
type semaphore struct {
	mu       sync.Mutex
	capacity int
	held     int
	waiters  *list.List // of chan struct{}, oldest first
}

func newSemaphore(capacity int) *semaphore {
	return &semaphore{capacity: capacity, waiters: list.New()}
}

// acquire blocks until a permit is available or ctx is cancelled.
func (s *semaphore) acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.held < s.capacity {
		s.held++
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	elem := s.waiters.PushBack(ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		select {
		case <-ch:
			// Granted concurrently with the cancellation; we now hold a permit
			// the caller no longer wants, so hand it to the next waiter (or
			// give it back) instead of leaking it.
			s.mu.Unlock()
			s.release()
		default:
			s.waiters.Remove(elem)
			s.mu.Unlock()
		}
		return ctx.Err()
	}
}

// release returns a permit, or hands it directly to the oldest waiter. Must
// be called exactly once for every successful acquire, on every exit path.
func (s *semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held--
	s.grantLocked()
}

// grantLocked wakes waiters while there is spare capacity. Called with
// s.mu held.
func (s *semaphore) grantLocked() {
	for s.held < s.capacity {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		s.waiters.Remove(front)
		s.held++
		close(front.Value.(chan struct{}))
	}
}

// setCapacity changes the number of permits going forward and immediately
// admits queued waiters if capacity grew. Safe to call concurrently with
// acquire/release.
func (s *semaphore) setCapacity(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
	s.grantLocked()
}
