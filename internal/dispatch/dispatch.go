// Package dispatch runs the handler chain for a replica's fault inside the
// redundancy rendezvous.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/lockstep/internal/gate"
	"github.com/roach88/lockstep/internal/redundancy"
	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

// ErrUnhandledTrap is returned when every handler ignored a fault. It
// terminates the group.
var ErrUnhandledTrap = errors.New("unhandled trap")

// maxRestarts bounds how often Continue may restart the chain for one fault.
const maxRestarts = 16

// Fault is the context a handler sees.
type Fault struct {
	Replica *replica.Replica
	// Leader is true when the handler runs on behalf of the whole group.
	// Handlers with external effects act only when Leader is set and
	// return Replicatable.
	Leader  bool
	GroupID string
	Agent   *gate.Agent
}

// Trap returns the trap being handled.
func (f *Fault) Trap() vcpu.Trap {
	return f.Replica.State.Trap
}

// Handler handles one kind of fault.
type Handler interface {
	Handle(ctx context.Context, f *Fault) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, f *Fault) (Outcome, error)

func (fn HandlerFunc) Handle(ctx context.Context, f *Fault) (Outcome, error) {
	return fn(ctx, f)
}

// Result is what one dispatch decided for the replica.
type Result struct {
	Disposition redundancy.Disposition
	Outcome     Outcome
	Next        Action
}

// Dispatcher routes every fault of a group through the engine and the
// handler chain.
type Dispatcher struct {
	engine   *redundancy.Engine
	handlers []Handler
	agent    *gate.Agent
	groupID  string
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAgent makes the gate agent available to handlers.
func WithAgent(a *gate.Agent) Option {
	return func(d *Dispatcher) {
		d.agent = a
	}
}

// WithGroupID sets the group id handlers see.
func WithGroupID(id string) Option {
	return func(d *Dispatcher) {
		d.groupID = id
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// New creates a dispatcher running handlers in order.
func New(engine *redundancy.Engine, handlers []Handler, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:   engine,
		handlers: handlers,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch handles r's current trap. It enters the rendezvous, runs the
// chain as leader or follower according to the disposition, and leaves the
// rendezvous. Errors are terminal for the group.
func (d *Dispatcher) Dispatch(ctx context.Context, r *replica.Replica) (Result, error) {
	disp, err := d.engine.Enter(ctx, r)
	if err != nil {
		return Result{}, err
	}

	res := Result{Disposition: disp}
	switch disp {
	case redundancy.Lead:
		res.Outcome, err = d.lead(ctx, r)
	case redundancy.Repeat:
		res.Outcome, err = d.chain(ctx, &Fault{Replica: r, GroupID: d.groupID, Agent: d.agent})
		if err != nil {
			d.engine.Fail(err)
		}
	case redundancy.Skip, redundancy.Resync:
		res.Outcome = Finished
	default:
		err = fmt.Errorf("unexpected disposition %s", disp)
		d.engine.Fail(err)
	}
	if err != nil {
		return res, err
	}

	res.Next = next(r, res.Outcome)
	if err := d.engine.Resume(ctx, r); err != nil {
		return res, err
	}
	return res, nil
}

// lead runs the chain on behalf of the group and releases the followers.
func (d *Dispatcher) lead(ctx context.Context, r *replica.Replica) (Outcome, error) {
	out, err := d.chain(ctx, &Fault{Replica: r, Leader: true, GroupID: d.groupID, Agent: d.agent})
	if err != nil {
		d.engine.Fail(err)
		return out, err
	}

	if out == Replicatable {
		err = d.engine.LeaderReplicate(r)
	} else {
		err = d.engine.LeaderRepeat(r)
	}
	return out, err
}

// chain runs the handlers until one does not ignore the fault.
func (d *Dispatcher) chain(ctx context.Context, f *Fault) (Outcome, error) {
	for restarts := 0; restarts <= maxRestarts; restarts++ {
		out, err := d.runHandlers(ctx, f)
		if err != nil || out != Continue {
			return out, err
		}
	}
	return Ignored, fmt.Errorf("%s on %s: handler chain restarted %d times", f.Trap(), f.Replica, maxRestarts)
}

func (d *Dispatcher) runHandlers(ctx context.Context, f *Fault) (Outcome, error) {
	for _, h := range d.handlers {
		out, err := h.Handle(ctx, f)
		if err != nil {
			return out, fmt.Errorf("handle %s on %s: %w", f.Trap(), f.Replica, err)
		}
		if out != Ignored {
			d.logger.Debug("fault handled",
				"replica", f.Replica.ID,
				"trap", f.Trap().String(),
				"outcome", out.String(),
				"leader", f.Leader,
			)
			return out, nil
		}
	}
	return Ignored, fmt.Errorf("%s on %s: %w", f.Trap(), f.Replica, ErrUnhandledTrap)
}

// next maps a handled fault to the worker's next action.
func next(r *replica.Replica, out Outcome) Action {
	if r.State.Trap.Cause == vcpu.CauseExit {
		return ActionExit
	}
	switch out {
	case FinishedStep:
		return ActionStep
	case FinishedWait:
		return ActionWait
	case Finished, FinishedWakeup, Replicatable:
		return ActionResume
	case Ignored, Continue:
		return ActionResume
	}
	return ActionResume
}
