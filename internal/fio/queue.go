package fio

import (
	"sync"
	"sync/atomic"

	"karst/internal/logging"
)

// PriorityOp selects which side of a two-queue worker is drained first.
type PriorityOp int32

const (
	PriorityNone PriorityOp = iota
	PriorityRead
	PriorityWrite
)

// diskQueue orders the requests destined for one physical device.
type diskQueue interface {
	addRequest(r *Request) error
	cancelRequest(r *Request) bool
	setPriorityOp(op PriorityOp)
	terminate() error
	isAIO() bool
}

const (
	queueRunning int32 = iota
	queueTerminating
	queueTerminated
)

// workerQueue keeps reads and writes on separate lists and serves them with
// a single goroutine, so per-device ordering falls out of having one
// server. A counting semaphore tracks the total number of enqueued
// requests.
type workerQueue struct {
	log *logging.Logger

	readMu  sync.Mutex
	reads   []*Request
	writeMu sync.Mutex
	writes  []*Request

	sem      *sema
	priority atomic.Int32
	state    atomic.Int32
	done     chan struct{}
}

func newWorkerQueue(priority PriorityOp) *workerQueue {
	q := &workerQueue{
		log:  logging.New("fio.queue"),
		sem:  newSema(0),
		done: make(chan struct{}),
	}
	q.priority.Store(int32(priority))
	go q.worker()
	return q
}

func (q *workerQueue) setPriorityOp(op PriorityOp) {
	q.priority.Store(int32(op))
}

func (q *workerQueue) isAIO() bool { return false }

func (q *workerQueue) addRequest(r *Request) error {
	if r == nil {
		return ErrNilRequest
	}
	if q.state.Load() != queueRunning {
		return ErrQueueStopped
	}

	if r.op == ReadOp {
		q.warnPendingConflict(r, &q.writeMu, &q.writes, "WRITE")
		q.readMu.Lock()
		q.reads = append(q.reads, r)
		q.readMu.Unlock()
	} else {
		q.warnPendingConflict(r, &q.readMu, &q.reads, "READ")
		q.writeMu.Lock()
		q.writes = append(q.writes, r)
		q.writeMu.Unlock()
	}

	q.sem.signal(1)
	return nil
}

// warnPendingConflict flags a request that overlaps a pending request on
// the opposite list. The single worker still serves both in some order, but
// the user was expected to complete one before submitting the other.
func (q *workerQueue) warnPendingConflict(r *Request, mu *sync.Mutex, list *[]*Request, side string) {
	mu.Lock()
	defer mu.Unlock()
	for _, p := range *list {
		if overlaps(r, p) {
			q.log.Warn("request submitted for a region with a pending "+side+" request",
				"path", r.file.Path(), "offset", r.offset, "bytes", len(r.buf))
			return
		}
	}
}

func (q *workerQueue) cancelRequest(r *Request) bool {
	if r == nil || q.state.Load() != queueRunning {
		return false
	}

	var mu *sync.Mutex
	var list *[]*Request
	if r.op == ReadOp {
		mu, list = &q.readMu, &q.reads
	} else {
		mu, list = &q.writeMu, &q.writes
	}

	mu.Lock()
	removed := false
	for i, p := range *list {
		if p == r {
			*list = append((*list)[:i], (*list)[i+1:]...)
			removed = true
			break
		}
	}
	mu.Unlock()

	if !removed {
		return false
	}
	// Consume the count of the removed request; cannot block because the
	// request's own signal is still pending.
	q.sem.wait()
	r.completed(true)
	return true
}

func (q *workerQueue) terminate() error {
	if !q.state.CompareAndSwap(queueRunning, queueTerminating) {
		return nil
	}
	q.sem.signal(1)
	<-q.done
	q.state.Store(queueTerminated)
	return nil
}

func (q *workerQueue) empty() bool {
	q.readMu.Lock()
	nr := len(q.reads)
	q.readMu.Unlock()
	q.writeMu.Lock()
	nw := len(q.writes)
	q.writeMu.Unlock()
	return nr == 0 && nw == 0
}

func (q *workerQueue) pop(mu *sync.Mutex, list *[]*Request) (*Request, bool) {
	mu.Lock()
	defer mu.Unlock()
	if len(*list) == 0 {
		return nil, false
	}
	r := (*list)[0]
	*list = (*list)[1:]
	return r, true
}

func (q *workerQueue) serve(r *Request) {
	if err := r.file.Serve(r.buf, r.offset, r.op); err != nil {
		r.setErr(err)
	}
	r.completed(false)
}

// worker alternates between the two lists according to the priority mode:
// the preferred side is drained until empty, then the other side gets a
// turn. With no priority the sides strictly alternate.
func (q *workerQueue) worker() {
	defer close(q.done)

	writePhase := true
	for {
		q.sem.wait()

		if q.state.Load() == queueTerminating && q.empty() {
			return
		}

		prio := PriorityOp(q.priority.Load())
		if writePhase {
			if r, ok := q.pop(&q.writeMu, &q.writes); ok {
				q.serve(r)
			} else {
				// Give the consumed count back; the request it stands
				// for is on the other list.
				q.sem.signal(1)
				if prio == PriorityWrite {
					writePhase = false
				}
			}
			if prio == PriorityNone || prio == PriorityRead {
				writePhase = false
			}
		} else {
			if r, ok := q.pop(&q.readMu, &q.reads); ok {
				q.serve(r)
			} else {
				q.sem.signal(1)
				if prio == PriorityRead {
					writePhase = true
				}
			}
			if prio == PriorityNone || prio == PriorityWrite {
				writePhase = true
			}
		}
	}
}
