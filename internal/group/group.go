// Package group assembles a replica group: N replicas, one redundancy
// engine, one watchdog, one gate agent and one worker goroutine per
// replica.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/dispatch"
	"github.com/roach88/lockstep/internal/gate"
	"github.com/roach88/lockstep/internal/redundancy"
	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
	"github.com/roach88/lockstep/internal/watchdog"
)

var (
	// ErrMissingCollaborator is returned by New when Deps lacks a required
	// collaborator.
	ErrMissingCollaborator = errors.New("missing collaborator")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("group already running")
)

// Deps are the machine-side collaborators of a group.
type Deps struct {
	Control  replica.Control
	Memory   replica.Memory
	Loader   replica.Loader
	Handlers []dispatch.Handler

	// Endpoint serves the gate agent. Optional: without one, external
	// system calls fail.
	Endpoint gate.Endpoint

	// Journal records rounds and divergences. Optional.
	Journal redundancy.Journal
}

// Group runs one program on a set of replicas in lockstep.
//
// Lifecycle:
//  1. New builds the engine, watchdog, agent and dispatcher from a Config
//  2. Run loads every replica, starts the workers behind the activation
//     gate and blocks until the group exits, stops or diverges
//  3. Stop ends a running group; Run then returns nil
type Group struct {
	id       string
	cfg      config.Config
	deps     Deps
	logger   *slog.Logger
	replicas []*replica.Replica

	engine     *redundancy.Engine
	watchdog   *watchdog.Watchdog
	agent      *gate.Agent
	dispatcher *dispatch.Dispatcher

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once

	// activate is closed once every worker is started.
	activate chan struct{}
	exited   atomic.Int64
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
	ids    IDGenerator
	clock  *redundancy.Clock
	inbox  int
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithIDGenerator sets the source of the group id. Default: UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		o.ids = g
	}
}

// WithClock continues round numbering from an existing clock.
func WithClock(c *redundancy.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithInboxSize lets n deliveries wait unread at the gate agent. Sizes
// below gate.DefaultInboxSize are raised to it.
func WithInboxSize(n int) Option {
	return func(o *options) {
		o.inbox = n
	}
}

// New builds a group from a validated configuration.
func New(cfg config.Config, deps Deps, opts ...Option) (*Group, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	switch {
	case deps.Control == nil:
		return nil, fmt.Errorf("%w: control", ErrMissingCollaborator)
	case deps.Loader == nil:
		return nil, fmt.Errorf("%w: loader", ErrMissingCollaborator)
	case len(deps.Handlers) == 0:
		return nil, fmt.Errorf("%w: handlers", ErrMissingCollaborator)
	}

	o := options{logger: slog.Default(), ids: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}

	wait, err := redundancy.NewWaitStrategy(cfg.Wait)
	if err != nil {
		return nil, err
	}
	policy, err := redundancy.NewVotePolicy(cfg.Vote)
	if err != nil {
		return nil, err
	}

	g := &Group{
		id:       o.ids.Generate(),
		cfg:      cfg,
		deps:     deps,
		replicas: make([]*replica.Replica, cfg.Replicas),
		stop:     make(chan struct{}),
		activate: make(chan struct{}),
	}
	g.logger = o.logger.With("group", g.id)
	for i := range g.replicas {
		g.replicas[i] = replica.New(i, nil)
	}

	g.watchdog = watchdog.New(cfg.WatchdogSettings(), deps.Control, cfg.Replicas,
		watchdog.WithLogger(g.logger))

	engineOpts := []redundancy.Option{
		redundancy.WithWaitStrategy(wait),
		redundancy.WithVotePolicy(policy),
		redundancy.WithMinReplicas(cfg.MinReplicas),
		redundancy.WithGroupID(g.id),
		redundancy.WithLogger(o.logger),
	}
	if deps.Journal != nil {
		engineOpts = append(engineOpts, redundancy.WithJournal(deps.Journal))
	}
	if o.clock != nil {
		engineOpts = append(engineOpts, redundancy.WithClock(o.clock))
	}
	if g.watchdog.Enabled() {
		engineOpts = append(engineOpts, redundancy.WithSynchronizer(g.watchdog))
	}
	g.engine = redundancy.New(g.replicas, deps.Memory, engineOpts...)

	dispatchOpts := []dispatch.Option{
		dispatch.WithGroupID(g.id),
		dispatch.WithLogger(g.logger),
	}
	if deps.Endpoint != nil {
		g.agent = gate.New(g.id, deps.Endpoint,
			gate.WithLogger(g.logger),
			gate.WithDeliverHook(g.WakeupAll),
			gate.WithInboxSize(max(o.inbox, gate.DefaultInboxSize)),
		)
		dispatchOpts = append(dispatchOpts, dispatch.WithAgent(g.agent))
	}
	g.dispatcher = dispatch.New(g.engine, deps.Handlers, dispatchOpts...)

	return g, nil
}

// ID returns the group identity, shared with its gate agent.
func (g *Group) ID() string { return g.id }

// Config returns the configuration the group was built from.
func (g *Group) Config() config.Config { return g.cfg }

// Replicas returns the replicas in id order.
func (g *Group) Replicas() []*replica.Replica { return g.replicas }

// Engine returns the group's redundancy engine.
func (g *Group) Engine() *redundancy.Engine { return g.engine }

// Watchdog returns the group's watchdog.
func (g *Group) Watchdog() *watchdog.Watchdog { return g.watchdog }

// Agent returns the gate agent, or nil for a group without an endpoint.
func (g *Group) Agent() *gate.Agent { return g.agent }

// Run loads the replicas and runs them until every replica exits, the
// group is stopped, ctx is cancelled or an unrecoverable divergence
// occurs. A clean exit or Stop returns nil; a divergence returns a
// *redundancy.DivergenceError.
func (g *Group) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	for _, r := range g.replicas {
		if err := g.deps.Loader.Load(r); err != nil {
			return fmt.Errorf("load %s: %w", r, err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	agentDone := make(chan struct{})
	if g.agent != nil {
		go func() {
			defer close(agentDone)
			if err := g.agent.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Warn("gate agent stopped", "error", err)
			}
		}()
	} else {
		close(agentDone)
	}

	// Cancellation is delivered to replicas blocked in the rendezvous
	// through the engine's terminal error.
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-ctx.Done():
			g.engine.Fail(ctx.Err())
		case <-g.stop:
		}
	}()

	g.logger.Info("group started",
		"replicas", len(g.replicas),
		"wait", g.cfg.Wait,
		"vote", g.cfg.Vote,
		"watchdog", g.watchdog.Enabled(),
	)

	var wg sync.WaitGroup
	for _, r := range g.replicas {
		wg.Add(1)
		go func(r *replica.Replica) {
			defer wg.Done()
			if err := g.work(ctx, r); err != nil {
				g.logger.Debug("worker finished", "replica", r.ID, "error", err)
			}
		}(r)
	}
	close(g.activate)
	wg.Wait()

	// Workers may see cancellation before the watcher does.
	if err := ctx.Err(); err != nil {
		g.engine.Fail(err)
	}
	g.engine.Fail(redundancy.ErrStopped)
	g.shutdown()
	cancel()
	<-watchDone
	if g.agent != nil {
		g.agent.Stop()
	}
	<-agentDone

	err := g.engine.Err()
	if errors.Is(err, redundancy.ErrStopped) {
		g.logger.Info("group stopped", "round", g.engine.Round()-1)
		return nil
	}
	if de, ok := redundancy.AsDivergence(err); ok {
		g.logger.Error("group diverged", "round", de.Seq, "verdict", string(de.Verdict))
	}
	return err
}

// Stop ends a running group. Replicas finish their current slice and
// leave at their next rendezvous.
func (g *Group) Stop() {
	g.engine.Fail(redundancy.ErrStopped)
	g.shutdown()
}

func (g *Group) shutdown() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// Wakeup resumes replica id after a FinishedWait outcome. A wakeup sent
// before the replica parks is kept.
func (g *Group) Wakeup(id int) error {
	if id < 0 || id >= len(g.replicas) {
		return fmt.Errorf("wakeup: no replica %d", id)
	}
	g.replicas[id].Wakeup()
	return nil
}

// WakeupAll resumes every parked replica.
func (g *Group) WakeupAll() {
	for _, r := range g.replicas {
		r.Wakeup()
	}
}

// Deliver hands msg to the gate agent. The replicas are woken once the
// message is readable.
func (g *Group) Deliver(msg vcpu.MessageBuffer) error {
	if g.agent == nil {
		return fmt.Errorf("deliver: %w: endpoint", ErrMissingCollaborator)
	}
	return g.agent.Deliver(msg)
}

// work is the worker loop of one replica: run the vCPU to its next trap,
// dispatch it, act on the result.
func (g *Group) work(ctx context.Context, r *replica.Replica) error {
	select {
	case <-g.activate:
	case <-ctx.Done():
		return ctx.Err()
	}

	next := dispatch.ActionResume
	for {
		switch next {
		case dispatch.ActionExit:
			g.exit(r)
			return nil
		case dispatch.ActionWait:
			select {
			case <-r.Woken():
			case <-g.stop:
				return redundancy.ErrStopped
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := g.resume(ctx, r); err != nil {
				return err
			}
		case dispatch.ActionStep:
			if err := g.deps.Control.SingleStep(ctx, r); err != nil {
				g.engine.Fail(fmt.Errorf("step %s: %w", r, err))
				return err
			}
		default:
			if err := g.resume(ctx, r); err != nil {
				return err
			}
		}

		res, err := g.dispatcher.Dispatch(ctx, r)
		if err != nil {
			return err
		}
		next = res.Next
	}
}

// resume arms the watchdog and runs r until its next trap.
func (g *Group) resume(ctx context.Context, r *replica.Replica) error {
	if err := g.watchdog.Arm(r); err != nil {
		g.engine.Fail(err)
		return err
	}
	if err := g.deps.Control.Resume(ctx, r); err != nil {
		err = fmt.Errorf("resume %s: %w", r, err)
		g.engine.Fail(err)
		return err
	}
	return nil
}

// exit records r leaving the group. Once every active replica has exited
// the group stops, waking any replica still parked in suspension.
func (g *Group) exit(r *replica.Replica) {
	n := g.exited.Add(1)
	g.logger.Debug("replica exited", "replica", r.ID, "ip", r.State.Regs.IP)
	if n >= int64(g.engine.Active()) {
		g.engine.Fail(redundancy.ErrStopped)
	}
}
