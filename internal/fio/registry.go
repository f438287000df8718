package fio

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"karst/internal/logging"
)

// ioTypeAIO is the io type reported by the kernel-AIO backend; the registry
// uses it to pick the queue discipline for a file.
const ioTypeAIO = "linuxaio"

// Registry is the process-wide map from queue key to per-disk queue. Queues
// are built lazily when the first request for a device arrives, matching
// the backend of the file that carries it.
type Registry struct {
	log *logging.Logger

	mu       sync.Mutex
	queues   map[int]diskQueue
	priority PriorityOp
	stopped  bool
}

var (
	registry     *Registry
	registryOnce sync.Once
)

// Queues returns the process-wide registry.
func Queues() *Registry {
	registryOnce.Do(func() {
		registry = &Registry{
			log:    logging.New("fio.queues"),
			queues: make(map[int]diskQueue),
		}
	})
	return registry
}

// queueKey resolves the queue a file's requests are ordered on.
func queueKey(f File) int { return f.QueueID() }

// AddRequest dispatches a request to its file's queue, constructing the
// queue on first use.
func (g *Registry) AddRequest(r *Request) error {
	if r == nil {
		return ErrNilRequest
	}
	f := r.File()
	if f == nil {
		return ErrNilRequest
	}

	q, err := g.queueFor(f)
	if err != nil {
		return err
	}
	return q.addRequest(r)
}

// CancelRequest walks the queue serving the given key. True means the
// request was withdrawn before any transfer happened.
func (g *Registry) CancelRequest(r *Request, key int) bool {
	g.mu.Lock()
	q := g.queues[key]
	g.mu.Unlock()
	if q == nil {
		return false
	}
	return q.cancelRequest(r)
}

// SetPriorityOp switches the drain preference of every queue, present and
// future.
func (g *Registry) SetPriorityOp(op PriorityOp) {
	g.mu.Lock()
	g.priority = op
	for _, q := range g.queues {
		q.setPriorityOp(op)
	}
	g.mu.Unlock()
}

// Terminate drains and joins every queue. The registry stays usable so a
// process can bring the engine up again; requests racing with termination
// get ErrQueueStopped from their queue.
func (g *Registry) Terminate() error {
	g.mu.Lock()
	g.stopped = true
	queues := make([]diskQueue, 0, len(g.queues))
	for _, q := range g.queues {
		queues = append(queues, q)
	}
	g.queues = make(map[int]diskQueue)
	g.mu.Unlock()

	var result *multierror.Error
	for _, q := range queues {
		if err := q.terminate(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	g.mu.Lock()
	g.stopped = false
	g.mu.Unlock()
	return result.ErrorOrNil()
}

func (g *Registry) queueFor(f File) (diskQueue, error) {
	key := queueKey(f)
	wantAIO := f.IOType() == ioTypeAIO

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil, ErrQueueStopped
	}

	if q, ok := g.queues[key]; ok {
		if q.isAIO() != wantAIO {
			return nil, fmt.Errorf("fio: queue %d already serves a different backend", key)
		}
		return q, nil
	}

	var q diskQueue
	if wantAIO {
		aq, err := newAIOQueue(f.aioDepth())
		if err != nil {
			return nil, err
		}
		q = aq
	} else {
		q = newWorkerQueue(g.priority)
	}
	g.queues[key] = q
	g.log.Debug("queue created", "key", key, "aio", wantAIO)
	return q, nil
}
