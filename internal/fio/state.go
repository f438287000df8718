package fio

import "sync"

// requestState is the request lifecycle. Transitions are monotone:
// a request is operating, then served, then safe to drop.
type requestState int

const (
	stateOp requestState = iota
	stateDone
	stateReady2Die
)

// sharedState is a value that goroutines can block on until it reaches a
// threshold. One state variable replaces a per-request condition zoo.
type sharedState struct {
	mu   sync.Mutex
	cond *sync.Cond
	v    requestState
}

func newSharedState(v requestState) *sharedState {
	s := &sharedState{v: v}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *sharedState) set(v requestState) {
	s.mu.Lock()
	s.v = v
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *sharedState) get() requestState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

// waitFor blocks until the state is at least v.
func (s *sharedState) waitFor(v requestState) {
	s.mu.Lock()
	for s.v < v {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// onoffSwitch is a one-shot latch used to register as a waiter on one or
// more requests without holding any of them locked.
type onoffSwitch struct {
	mu   sync.Mutex
	cond *sync.Cond
	on   bool
}

func newOnoffSwitch() *onoffSwitch {
	s := &onoffSwitch{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// set flips the switch on and wakes everyone blocked in waitForOn.
func (s *onoffSwitch) set() {
	s.mu.Lock()
	s.on = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *onoffSwitch) waitForOn() {
	s.mu.Lock()
	for !s.on {
		s.cond.Wait()
	}
	// Reset so the switch can be reused for the next round of polling.
	s.on = false
	s.mu.Unlock()
}
