package gate

import (
	"sync"

	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

type requestKind int

const (
	requestTrigger requestKind = iota + 1
	requestDeliver
)

// request is one unit of work for the agent worker.
type request struct {
	kind   requestKind
	client *replica.Replica
	msg    vcpu.MessageBuffer
	reply  chan reply
}

type reply struct {
	msg    vcpu.MessageBuffer
	status int64
}

// requestQueue is an unbounded FIFO drained by the agent worker.
// The signal channel lets the worker wait together with ctx.Done.
type requestQueue struct {
	mu     sync.Mutex
	items  []request
	closed bool
	signal chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		items:  make([]request, 0, 8),
		signal: make(chan struct{}, 1),
	}
}

// enqueue appends req. Returns false once the queue is closed.
func (q *requestQueue) enqueue(req request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, req)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *requestQueue) tryDequeue() (request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return request{}, false
	}
	req := q.items[0]
	q.items[0] = request{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return req, true
}

func (q *requestQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *requestQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
