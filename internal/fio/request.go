package fio

import (
	"sync"

	"karst/internal/buffer"
	"karst/internal/logging"
	"karst/internal/stats"
)

var reqLog = logging.New("fio.request")

// Request describes one pending transfer. It is created by a file's
// ReadAsync/WriteAsync, executed by a per-disk queue, and completed exactly
// once: state moves to done, the completion handler runs, waiters are woken,
// the file reference is released, and the state becomes ready-to-die.
type Request struct {
	fileMu sync.Mutex
	file   File

	buf    []byte
	offset int64
	op     OpType

	onComplete CompletionHandler

	state *sharedState

	errMu sync.Mutex
	err   error

	waitersMu sync.Mutex
	waiters   map[*onoffSwitch]struct{}
}

func newRequest(f File, buf []byte, offset int64, op OpType, h CompletionHandler) *Request {
	r := &Request{
		file:       f,
		buf:        buf,
		offset:     offset,
		op:         op,
		onComplete: h,
		state:      newSharedState(stateOp),
		waiters:    make(map[*onoffSwitch]struct{}),
	}
	f.addRequestRef()
	if f.DirectIO() {
		r.checkAlignment()
	}
	return r
}

// File returns the file this request targets, or nil once the request has
// completed and released its reference.
func (r *Request) File() File {
	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	return r.file
}

// Buffer returns the transfer buffer.
func (r *Request) Buffer() []byte { return r.buf }

// Offset returns the file offset of the transfer.
func (r *Request) Offset() int64 { return r.offset }

// Bytes returns the transfer length.
func (r *Request) Bytes() int64 { return int64(len(r.buf)) }

// Op returns the transfer direction.
func (r *Request) Op() OpType { return r.op }

// Wait blocks until the request reaches its terminal state and returns any
// captured error. measure selects whether the wait contributes to the
// wait-time statistics; internal pools pass false.
func (r *Request) Wait(measure bool) error {
	if measure {
		op := stats.WaitOpRead
		if r.op == WriteOp {
			op = stats.WaitOpWrite
		}
		stats.Default().WaitStarted(op)
		defer stats.Default().WaitFinished(op)
	}
	r.state.waitFor(stateReady2Die)
	return r.Err()
}

// Poll reports whether the request has been served (or canceled).
func (r *Request) Poll() bool {
	return r.state.get() >= stateDone
}

// Err returns the error captured during the transfer, if any.
func (r *Request) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Request) setErr(err error) {
	r.errMu.Lock()
	r.err = err
	r.errMu.Unlock()
}

// Cancel attempts to withdraw the request from its queue. True means the
// transfer did not and will not happen; the request completes with
// success=false. False proves nothing: the transfer may be in flight or
// already done, and the caller must still Wait for the terminal state.
func (r *Request) Cancel() bool {
	f := r.File()
	if f == nil {
		return false
	}
	return Queues().CancelRequest(r, queueKey(f))
}

// completed drives the request through its terminal transitions. It must be
// called exactly once, by whichever queue removed the request from its
// lists.
func (r *Request) completed(canceled bool) {
	r.state.set(stateDone)
	if r.onComplete != nil {
		r.onComplete(r, !canceled && r.Err() == nil)
	}
	r.notifyWaiters()

	r.fileMu.Lock()
	f := r.file
	r.file = nil
	r.fileMu.Unlock()
	if f != nil {
		f.deleteRequestRef()
	}

	r.state.set(stateReady2Die)
}

// addWaiter registers a switch to be flipped on completion. It returns true,
// registering nothing, when the request is already done; the lock ordering
// here is what makes registration race-free against notifyWaiters.
func (r *Request) addWaiter(sw *onoffSwitch) bool {
	r.waitersMu.Lock()
	defer r.waitersMu.Unlock()
	if r.Poll() {
		return true
	}
	r.waiters[sw] = struct{}{}
	return false
}

func (r *Request) deleteWaiter(sw *onoffSwitch) {
	r.waitersMu.Lock()
	delete(r.waiters, sw)
	r.waitersMu.Unlock()
}

func (r *Request) notifyWaiters() {
	r.waitersMu.Lock()
	for sw := range r.waiters {
		sw.set()
	}
	r.waitersMu.Unlock()
}

// checkAlignment logs every direct-I/O precondition the request violates.
// The transfer is still attempted; the backend reports the hard failure.
func (r *Request) checkAlignment() {
	if !buffer.AlignedOffset(r.offset) {
		reqLog.Warn("offset is not aligned",
			"offset", r.offset, "alignment", buffer.Alignment)
	}
	if !buffer.AlignedOffset(int64(len(r.buf))) {
		reqLog.Warn("transfer size is not a multiple of the alignment",
			"bytes", len(r.buf), "alignment", buffer.Alignment)
	}
	if !buffer.Aligned(r.buf) {
		reqLog.Warn("buffer address is not aligned", "alignment", buffer.Alignment)
	}
}

// end returns the past-the-end offset of the transfer.
func (r *Request) end() int64 { return r.offset + int64(len(r.buf)) }

// overlaps reports whether two requests target intersecting byte ranges of
// the same file.
func overlaps(a, b *Request) bool {
	return a.File() == b.File() && a.offset < b.end() && b.offset < a.end()
}

// conflictsWith reports whether two requests may not be reordered: they
// overlap and at least one of them writes.
func conflictsWith(a, b *Request) bool {
	return (a.op == WriteOp || b.op == WriteOp) && overlaps(a, b)
}
