package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

var (
	// ErrAgentBusy is returned by Trigger while another external operation
	// is in flight.
	ErrAgentBusy = errors.New("gate agent busy")

	// ErrAgentStopped is returned once the agent worker has exited.
	ErrAgentStopped = errors.New("gate agent stopped")
)

// StatusFailed is the status a triggering replica receives when the
// endpoint call failed.
const StatusFailed int64 = -1

// Endpoint performs external operations on behalf of the group. msg holds
// the request on entry and the reply on return.
type Endpoint interface {
	Call(ctx context.Context, msg *vcpu.MessageBuffer) (int64, error)
}

// Agent is the group's proxy towards the outside world.
//
// Thread-safety model:
//   - Run: exactly one goroutine
//   - Trigger: the round leader; at most one call in flight
//   - Deliver, Inbox, ID, Calls: any goroutine
type Agent struct {
	id       string
	endpoint Endpoint
	logger   *slog.Logger

	queue *requestQueue
	inbox chan vcpu.MessageBuffer
	done  chan struct{}

	busy  atomic.Bool
	calls atomic.Int64

	onDeliver func()

	// state is the agent's own vCPU state; Run is its only user.
	state vcpu.State
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = l
	}
}

// DefaultInboxSize is how many inbound deliveries may wait unread unless
// WithInboxSize says otherwise.
const DefaultInboxSize = 16

// WithInboxSize sets how many inbound deliveries may wait unread.
// Default: DefaultInboxSize.
func WithInboxSize(n int) Option {
	return func(a *Agent) {
		a.inbox = make(chan vcpu.MessageBuffer, n)
	}
}

// WithDeliverHook registers fn to run on the agent goroutine after each
// delivery reaches the inbox.
func WithDeliverHook(fn func()) Option {
	return func(a *Agent) {
		a.onDeliver = fn
	}
}

// New creates the agent for the group identified by id.
func New(id string, endpoint Endpoint, opts ...Option) *Agent {
	a := &Agent{
		id:       id,
		endpoint: endpoint,
		logger:   slog.Default(),
		queue:    newRequestQueue(),
		inbox:    make(chan vcpu.MessageBuffer, DefaultInboxSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("agent", id)
	return a
}

// ID returns the group's external identity.
func (a *Agent) ID() string {
	return a.id
}

// Calls returns the number of endpoint calls performed.
func (a *Agent) Calls() int64 {
	return a.calls.Load()
}

// Trigger performs one external operation for r, which must be the round
// leader. The request is r's message buffer; on return the buffer holds the
// reply and the status is returned.
func (a *Agent) Trigger(ctx context.Context, r *replica.Replica) (int64, error) {
	if !a.busy.CompareAndSwap(false, true) {
		return 0, ErrAgentBusy
	}
	defer a.busy.Store(false)

	req := request{
		kind:   requestTrigger,
		client: r,
		msg:    r.State.Msg,
		reply:  make(chan reply, 1),
	}
	if !a.queue.enqueue(req) {
		return 0, ErrAgentStopped
	}

	select {
	case rep := <-req.reply:
		r.State.Msg = rep.msg
		return rep.status, nil
	case <-a.done:
		return 0, ErrAgentStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Deliver queues an inbound message addressed to the group. It is seen
// once through Inbox no matter how many replicas the group has.
func (a *Agent) Deliver(msg vcpu.MessageBuffer) error {
	if !a.queue.enqueue(request{kind: requestDeliver, msg: msg}) {
		return ErrAgentStopped
	}
	return nil
}

// Inbox returns the channel of delivered messages.
func (a *Agent) Inbox() <-chan vcpu.MessageBuffer {
	return a.inbox
}

// Run is the agent worker loop. It returns when ctx is cancelled or Stop
// is called.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)
	a.logger.Debug("gate agent starting")

	for {
		if req, ok := a.queue.tryDequeue(); ok {
			a.process(ctx, req)
			continue
		}

		select {
		case <-ctx.Done():
			a.logger.Debug("gate agent stopping: context cancelled")
			a.queue.close()
			return ctx.Err()
		case <-a.queue.wait():
			if a.queue.len() == 0 && a.stopped() {
				a.logger.Debug("gate agent stopping")
				return nil
			}
		}
	}
}

func (a *Agent) stopped() bool {
	a.queue.mu.Lock()
	defer a.queue.mu.Unlock()
	return a.queue.closed
}

// Stop closes the request queue; Run returns once it drained.
func (a *Agent) Stop() {
	a.queue.close()
}

func (a *Agent) process(ctx context.Context, req request) {
	switch req.kind {
	case requestTrigger:
		req.reply <- a.call(ctx, req)
	case requestDeliver:
		select {
		case a.inbox <- req.msg:
			if a.onDeliver != nil {
				a.onDeliver()
			}
		default:
			a.logger.Warn("inbox full, delivery dropped")
		}
	}
}

// call runs one external operation with the client's message buffer
// loaded into the agent's own state.
func (a *Agent) call(ctx context.Context, req request) reply {
	saved := a.state.Msg
	defer func() { a.state.Msg = saved }()

	a.state.Msg = req.msg
	a.calls.Add(1)
	status, err := a.endpoint.Call(ctx, &a.state.Msg)
	if err != nil {
		a.logger.Warn("external call failed", "client", req.client.ID, "error", err)
		status = StatusFailed
	}
	return reply{msg: a.state.Msg, status: status}
}
