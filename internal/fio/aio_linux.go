//go:build linux

package fio

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"karst/internal/config"
	"karst/internal/logging"
)

// Kernel AIO opcodes.
const (
	iocbCmdPread  = 0
	iocbCmdPwrite = 1
)

// iocb is the kernel's asynchronous I/O control block.
type iocb struct {
	data      uint64
	key       uint32
	rwFlags   uint32
	opcode    uint16
	reqPrio   int16
	fd        int32
	buf       uint64
	nbytes    uint64
	offset    int64
	reserved2 uint64
	flags     uint32
	resfd     int32
}

// ioEvent is one completion returned by io_getevents.
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

// aioContext is a kernel AIO context handle.
type aioContext uintptr

func ioSetup(nrEvents int) (aioContext, error) {
	var ctx aioContext
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP,
		uintptr(nrEvents), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return 0, errno
	}
	return ctx, nil
}

func (ctx aioContext) submit(cbs []*iocb) (int, error) {
	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT,
		uintptr(ctx), uintptr(len(cbs)), uintptr(unsafe.Pointer(&cbs[0])))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

func (ctx aioContext) getEvents(minNr, maxNr int, events []ioEvent, ts *unix.Timespec) (int, error) {
	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS,
		uintptr(ctx), uintptr(minNr), uintptr(maxNr),
		uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(ts)), 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

func (ctx aioContext) cancel(cb *iocb, ev *ioEvent) error {
	_, _, errno := unix.Syscall(unix.SYS_IO_CANCEL,
		uintptr(ctx), uintptr(unsafe.Pointer(cb)), uintptr(unsafe.Pointer(ev)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (ctx aioContext) destroy() error {
	_, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, uintptr(ctx), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// aioFile hands its transfers to the batch-AIO queue. Alignment is
// mandatory here; the kernel rejects unaligned direct transfers.
type aioFile struct {
	fileBase
}

func openAIOFile(cfg config.Disk) (File, error) {
	f := &aioFile{}
	if err := f.init(f, cfg); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *aioFile) IOType() string { return ioTypeAIO }

// Serve is an asynchronous transfer plus a wait; the queue does the work.
func (f *aioFile) Serve(buf []byte, offset int64, op OpType) error {
	var r *Request
	var err error
	if op == ReadOp {
		r, err = f.ReadAsync(buf, offset, nil)
	} else {
		r, err = f.WriteAsync(buf, offset, nil)
	}
	if err != nil {
		return err
	}
	return r.Wait(false)
}

// completerPoll bounds one io_getevents call by the completer so that
// termination races with the submitter's own reaping cannot strand it.
var completerPoll = unix.Timespec{Nsec: 100_000_000}

// aioQueue implements the batch-submit discipline: requests wait, are
// delayed while an in-flight transfer overlaps them, or are posted to the
// kernel, at most depth at a time. A submitter goroutine batches and posts;
// a completer goroutine reaps events.
type aioQueue struct {
	log   *logging.Logger
	ctx   aioContext
	depth int

	// slots counts free kernel queue entries.
	slots *semaphore.Weighted

	mu              sync.Mutex
	cond            *sync.Cond // submitter: work available or conflicts cleared
	postedCond      *sync.Cond // completer: something in flight
	waiting         []*Request
	delayed         []*Request
	posted          []*Request
	cbs             map[*Request]*iocb
	tokens          map[uint64]*Request
	nextToken       uint64
	inflight        int
	terminating     bool
	submitterExited bool

	submitterDone chan struct{}
	completerDone chan struct{}
}

func newAIOQueue(depth int) (*aioQueue, error) {
	if depth <= 0 {
		depth = config.DefaultQueueLength
	}

	// Negotiate the context size down when the kernel is short on events.
	var ctx aioContext
	for {
		var err error
		ctx, err = ioSetup(depth)
		if err == nil {
			break
		}
		if err == unix.EAGAIN && depth > 1 {
			depth /= 2
			continue
		}
		return nil, errors.Wrapf(err, "fio: io_setup nr_events=%d", depth)
	}

	q := &aioQueue{
		log:           logging.New("fio.aio"),
		ctx:           ctx,
		depth:         depth,
		slots:         semaphore.NewWeighted(int64(depth)),
		cbs:           make(map[*Request]*iocb),
		tokens:        make(map[uint64]*Request),
		submitterDone: make(chan struct{}),
		completerDone: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.postedCond = sync.NewCond(&q.mu)
	q.log.Info("kernel aio queue set up", "depth", depth)

	go q.submitter()
	go q.completer()
	return q, nil
}

func (q *aioQueue) isAIO() bool { return true }

func (q *aioQueue) setPriorityOp(PriorityOp) {
	// The kernel schedules posted requests; there is no side to prefer.
}

func (q *aioQueue) addRequest(r *Request) error {
	if r == nil {
		return ErrNilRequest
	}
	q.mu.Lock()
	if q.terminating {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.waiting = append(q.waiting, r)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// cancelRequest walks waiting, then delayed, then posted. A posted request
// needs the kernel's consent via io_cancel.
func (q *aioQueue) cancelRequest(r *Request) bool {
	q.mu.Lock()
	if removeRequest(&q.waiting, r) || removeRequest(&q.delayed, r) {
		q.mu.Unlock()
		r.completed(true)
		return true
	}

	cb, posted := q.cbs[r]
	if !posted {
		q.mu.Unlock()
		return false
	}
	var ev ioEvent
	if err := q.ctx.cancel(cb, &ev); err != nil {
		q.mu.Unlock()
		return false
	}
	delete(q.cbs, r)
	delete(q.tokens, cb.data)
	removeRequest(&q.posted, r)
	q.inflight--
	q.slots.Release(1)
	q.cond.Broadcast()
	q.mu.Unlock()

	if r.op == ReadOp {
		r.File().Stats().ReadCanceled(r.Bytes())
	} else {
		r.File().Stats().WriteCanceled(r.Bytes())
	}
	r.completed(true)
	return true
}

func (q *aioQueue) terminate() error {
	q.mu.Lock()
	if q.terminating {
		q.mu.Unlock()
		return nil
	}
	q.terminating = true
	q.cond.Broadcast()
	q.postedCond.Broadcast()
	q.mu.Unlock()

	<-q.submitterDone
	<-q.completerDone

	if err := q.ctx.destroy(); err != nil {
		return errors.Wrap(err, "fio: io_destroy")
	}
	return nil
}

// conflictsLocked reports whether r must not be posted yet: it conflicts
// with a posted request or with an entry of one of the given lists.
func (q *aioQueue) conflictsLocked(r *Request, lists ...[]*Request) bool {
	for _, p := range q.posted {
		if conflictsWith(r, p) {
			return true
		}
	}
	for _, list := range lists {
		for _, p := range list {
			if conflictsWith(r, p) {
				return true
			}
		}
	}
	return false
}

// collectLocked builds the next batch. Delayed requests whose conflicts
// have cleared go first, in their original order; then waiting requests
// either join the batch or move to delayed when they conflict with posted,
// delayed, or the batch built so far. Slot exhaustion stops collection
// without reordering anyone.
func (q *aioQueue) collectLocked() []*Request {
	var batch []*Request

	newDelayed := make([]*Request, 0, len(q.delayed))
	full := false
	for i, d := range q.delayed {
		if full || q.conflictsLocked(d, newDelayed, batch) {
			newDelayed = append(newDelayed, d)
			continue
		}
		if !q.slots.TryAcquire(1) {
			full = true
			newDelayed = append(newDelayed, q.delayed[i:]...)
			break
		}
		batch = append(batch, d)
	}
	q.delayed = newDelayed

	var newWaiting []*Request
	for i, w := range q.waiting {
		if q.conflictsLocked(w, q.delayed, batch) {
			q.delayed = append(q.delayed, w)
			continue
		}
		if full || !q.slots.TryAcquire(1) {
			full = true
			newWaiting = append(newWaiting, q.waiting[i:]...)
			break
		}
		batch = append(batch, w)
	}
	q.waiting = newWaiting

	return batch
}

func (q *aioQueue) submitter() {
	defer func() {
		q.mu.Lock()
		q.submitterExited = true
		q.postedCond.Broadcast()
		q.mu.Unlock()
		close(q.submitterDone)
	}()

	for {
		q.mu.Lock()
		for !q.terminating && len(q.waiting) == 0 && len(q.delayed) == 0 {
			q.cond.Wait()
		}
		if q.terminating && len(q.waiting) == 0 && len(q.delayed) == 0 {
			q.mu.Unlock()
			return
		}

		batch := q.collectLocked()
		if len(batch) == 0 {
			// Everything pending conflicts with in-flight transfers or the
			// kernel queue is full; wait for the completer to clear space.
			q.cond.Wait()
			q.mu.Unlock()
			continue
		}

		cbs := make([]*iocb, len(batch))
		for i, r := range batch {
			tok := q.nextToken
			q.nextToken++
			cb := &iocb{
				data:   tok,
				fd:     int32(r.file.(*aioFile).f.Fd()),
				buf:    uint64(uintptr(unsafe.Pointer(&r.buf[0]))),
				nbytes: uint64(len(r.buf)),
				offset: r.offset,
			}
			if r.op == ReadOp {
				cb.opcode = iocbCmdPread
			} else {
				cb.opcode = iocbCmdPwrite
			}
			q.tokens[tok] = r
			q.cbs[r] = cb
			cbs[i] = cb
		}
		q.mu.Unlock()

		q.post(batch, cbs)
	}
}

// post hands a batch to the kernel, retrying the unaccepted tail. EAGAIN
// means the kernel queue is saturated; reaping at least one completion
// makes room.
func (q *aioQueue) post(batch []*Request, cbs []*iocb) {
	for _, r := range batch {
		if r.op == ReadOp {
			r.File().Stats().ReadStarted(r.Bytes())
		} else {
			r.File().Stats().WriteStarted(r.Bytes())
		}
	}

	events := make([]ioEvent, q.depth)
	done := 0
	for done < len(cbs) {
		n, err := q.ctx.submit(cbs[done:])
		if n == 0 && err == nil {
			err = errors.New("io_submit accepted nothing")
		}
		if n > 0 {
			q.mu.Lock()
			q.posted = append(q.posted, batch[done:done+n]...)
			q.inflight += n
			q.postedCond.Broadcast()
			q.mu.Unlock()
			done += n
			continue
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			m, gerr := q.ctx.getEvents(1, len(events), events, nil)
			if gerr == unix.EINTR {
				continue
			}
			if gerr != nil {
				q.log.Error("io_getevents failed while making room", "err", gerr)
				err = gerr
			} else {
				if m > 0 {
					q.completeEvents(events[:m])
				}
				continue
			}
		}

		// Hard submit failure: the remainder of the batch will never run.
		q.failRemainder(batch[done:], err)
		return
	}
}

func (q *aioQueue) failRemainder(batch []*Request, err error) {
	q.mu.Lock()
	for _, r := range batch {
		if cb, ok := q.cbs[r]; ok {
			delete(q.tokens, cb.data)
			delete(q.cbs, r)
		}
		q.slots.Release(1)
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, r := range batch {
		f := r.File()
		if r.op == ReadOp {
			f.Stats().ReadCanceled(r.Bytes())
		} else {
			f.Stats().WriteCanceled(r.Bytes())
		}
		r.setErr(&IOError{
			Op:     r.op,
			Path:   f.Path(),
			Offset: r.offset,
			Bytes:  r.Bytes(),
			Err:    errors.Wrap(err, "io_submit"),
		})
		r.completed(false)
	}
}

func (q *aioQueue) completer() {
	defer close(q.completerDone)

	events := make([]ioEvent, q.depth)
	for {
		q.mu.Lock()
		for q.inflight == 0 && !(q.terminating && q.submitterExited) {
			q.postedCond.Wait()
		}
		if q.inflight == 0 {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		ts := completerPoll
		n, err := q.ctx.getEvents(1, len(events), events, &ts)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			q.log.Error("io_getevents failed", "err", err)
			continue
		}
		q.completeEvents(events[:n])
	}
}

// completeEvents retires kernel completions: requests leave the posted
// list, slots free up, and each request is marked done outside the lock so
// completion handlers may submit follow-up I/O.
func (q *aioQueue) completeEvents(events []ioEvent) {
	type completion struct {
		r   *Request
		res int64
	}

	q.mu.Lock()
	completions := make([]completion, 0, len(events))
	for _, ev := range events {
		r, ok := q.tokens[ev.data]
		if !ok {
			// Canceled while the event was in transit.
			continue
		}
		delete(q.tokens, ev.data)
		delete(q.cbs, r)
		removeRequest(&q.posted, r)
		q.inflight--
		// Free the kernel slot before waking the submitter, or it could
		// recheck, still find the queue full, and sleep through the wake.
		q.slots.Release(1)
		completions = append(completions, completion{r: r, res: ev.res})
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, c := range completions {
		r := c.r
		f := r.File()
		if c.res < 0 {
			r.setErr(&IOError{
				Op:     r.op,
				Path:   f.Path(),
				Offset: r.offset,
				Bytes:  r.Bytes(),
				Err:    errors.WithStack(unix.Errno(-c.res)),
			})
		} else if c.res != r.Bytes() {
			r.setErr(&IOError{
				Op:     r.op,
				Path:   f.Path(),
				Offset: r.offset,
				Bytes:  r.Bytes(),
				Err:    fmt.Errorf("short transfer: %d of %d bytes", c.res, r.Bytes()),
			})
		}
		if r.op == ReadOp {
			f.Stats().ReadFinished()
		} else {
			f.Stats().WriteFinished()
		}
		r.completed(false)
	}
}

// removeRequest removes r from the list, preserving order.
func removeRequest(list *[]*Request, r *Request) bool {
	for i, p := range *list {
		if p == r {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}
