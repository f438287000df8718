package fio

import "sync"

// sema is a counting semaphore. The worker queue uses it to count enqueued
// requests; cancellation consumes the count of a removed request, so the
// count and the list lengths stay in agreement.
type sema struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func newSema(n int) *sema {
	s := &sema{count: n}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// signal increments the count by delta and wakes waiters.
func (s *sema) signal(delta int) {
	s.mu.Lock()
	s.count += delta
	s.cond.Broadcast()
	s.mu.Unlock()
}

// wait blocks until the count is positive, then decrements it.
func (s *sema) wait() int {
	s.mu.Lock()
	for s.count <= 0 {
		s.cond.Wait()
	}
	s.count--
	n := s.count
	s.mu.Unlock()
	return n
}
