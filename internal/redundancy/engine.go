package redundancy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/lockstep/internal/record"
	"github.com/roach88/lockstep/internal/replica"
)

// Engine is the redundancy barrier of one replica group.
//
// Thread-safety model:
//   - Enter, Resume, LeaderRepeat, LeaderReplicate: one call per replica
//     per round, each from that replica's worker goroutine
//   - Fail, Err, Counters: safe from any goroutine
//
// INVARIANTS:
//   - Exactly one leader per round: the last active replica to enter
//   - No replica returns from Enter before every active replica entered
//   - No replica returns from Resume before every active replica left
//   - entered and left are both zero between rounds
type Engine struct {
	mu   sync.Mutex
	wait WaitStrategy

	replicas []*replica.Replica
	memory   replica.Memory
	sync     Synchronizer
	policy   VotePolicy
	journal  Journal
	logger   *slog.Logger
	groupID  string

	// minReplicas is the smallest active count suspension may leave.
	minReplicas int

	clock *Clock
	round *RoundState

	// parked marks suspended replicas blocked in Enter awaiting restore.
	parked      []bool
	suspendedAt []int64

	// fatal is terminal; once set no further rounds are entered.
	fatal error
}

// Option configures an Engine.
type Option func(*Engine)

// WithWaitStrategy selects how replicas sleep in the barrier.
// Default: NewBlockingWait().
func WithWaitStrategy(w WaitStrategy) Option {
	return func(e *Engine) {
		e.wait = w
	}
}

// WithSynchronizer installs the catch-up protocol for lagging replicas.
// Without one, every arrival is treated as an ordinary trap.
func WithSynchronizer(s Synchronizer) Option {
	return func(e *Engine) {
		e.sync = s
	}
}

// WithVotePolicy selects the majority reference policy. Default: LowestID.
func WithVotePolicy(p VotePolicy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithJournal records rounds and divergences.
func WithJournal(j Journal) Option {
	return func(e *Engine) {
		e.journal = j
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithGroupID tags logs and journal records with the group's identity.
func WithGroupID(id string) Option {
	return func(e *Engine) {
		e.groupID = id
	}
}

// WithMinReplicas sets the smallest number of active replicas a catch-up
// suspension may leave. Default: 2 for groups of two or more, else 1.
func WithMinReplicas(n int) Option {
	return func(e *Engine) {
		e.minReplicas = n
	}
}

// WithClock continues round numbering from an existing clock.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// New creates the engine for replicas, indexed by replica id.
// memory is used by recovery; nil falls back to copying vCPU state only.
func New(replicas []*replica.Replica, memory replica.Memory, opts ...Option) *Engine {
	n := len(replicas)
	e := &Engine{
		wait:        NewBlockingWait(),
		replicas:    replicas,
		memory:      memory,
		policy:      LowestID{},
		journal:     nopJournal{},
		logger:      slog.Default(),
		clock:       NewClock(),
		parked:      make([]bool, n),
		suspendedAt: make([]int64, n),
		minReplicas: 1,
	}
	if n >= 2 {
		e.minReplicas = 2
	}
	if e.memory == nil {
		e.memory = registerMemory{}
	}

	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With("group", e.groupID)
	e.round = newRoundState(n, e.clock.Next())
	return e
}

// Enter registers r at the barrier of the current round and blocks until
// the round's disposition for r is known.
//
// The last active replica to enter returns Lead after verifying every
// registered state. Followers return Repeat, Skip or Resync once the leader
// released them; on Skip their state already holds the leader's result.
// A suspended replica parks here until it is restored.
func (e *Engine) Enter(ctx context.Context, r *replica.Replica) (Disposition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A new round may only start once every participant left the
	// previous one.
	e.wait.Wait(&e.mu, func() bool { return e.fatal != nil || e.round.left == 0 })
	if e.fatal != nil {
		return Invalid, e.fatal
	}

	if r.Suspended() {
		e.parked[r.ID] = true
		e.logger.Debug("suspended replica parked", "round", e.round.Seq, "replica", r.ID)
		return e.follow(ctx, r)
	}

	if e.round.table[r.ID] != nil {
		return Invalid, ErrAlreadyEntered
	}
	e.round.table[r.ID] = r
	e.round.entered++

	if e.round.entered < e.active() {
		return e.follow(ctx, r)
	}
	return e.lead(ctx, r)
}

// follow blocks r until the leader releases the round, running catch-up
// for r when the synchronizer asks for it.
func (e *Engine) follow(ctx context.Context, r *replica.Replica) (Disposition, error) {
	for {
		e.wait.Wait(&e.mu, func() bool {
			return e.fatal != nil || e.releasedFor(r) || e.catchUpFor(r) || e.round.handoff == r
		})
		if e.fatal != nil {
			e.parked[r.ID] = false
			return Invalid, e.fatal
		}
		if e.round.handoff == r {
			// The elected leader was suspended during catch-up.
			e.round.handoff = nil
			return Lead, nil
		}
		if e.releasedFor(r) {
			break
		}
		e.runCatchUp(ctx, r)
	}

	d := e.round.disposition
	if d == Skip {
		r.State.CopyFrom(&e.round.snapshot)
	}
	return d, nil
}

func (e *Engine) releasedFor(r *replica.Replica) bool {
	return e.round.released && !r.Suspended()
}

func (e *Engine) catchUpFor(r *replica.Replica) bool {
	return e.round.pending[r.ID] && !r.Suspended()
}

// lead runs the leader's side of the rendezvous once every active replica
// has arrived.
func (e *Engine) lead(ctx context.Context, r *replica.Replica) (Disposition, error) {
	e.round.leader = r
	e.round.trap = r.State.Trap

	if e.sync != nil {
		plan := e.sync.Plan(e.round.arrivals())
		switch plan.Kind {
		case PlanResync:
			e.round.disposition = Resync
			e.round.released = true
			e.round.checksum = r.State.Checksum()
			e.wait.Broadcast()
			e.logger.Debug("round resynchronized", "round", e.round.Seq, "leader", r.ID)
			return Resync, nil
		case PlanCatchUp:
			if err := e.catchUp(ctx, r, plan); err != nil {
				return Invalid, err
			}
			if r.Suspended() {
				// The elected leader could not catch up. Leadership moves to
				// the replica the laggers were chasing.
				e.round.leader = plan.Leader
				e.round.trap = plan.Leader.State.Trap
				if err := e.verify(); err != nil {
					return Invalid, err
				}
				e.round.handoff = plan.Leader
				e.wait.Broadcast()
				return e.follow(ctx, r)
			}
			e.round.trap = r.State.Trap
		}
	}

	if err := e.verify(); err != nil {
		return Invalid, err
	}

	e.logger.Debug("round leader elected", "round", e.round.Seq, "leader", r.ID, "trap", r.State.Trap.String())
	return Lead, nil
}

// catchUp drives the synchronizer's plan: every lagger advances on its own
// goroutine, then failures are suspended or escalated.
func (e *Engine) catchUp(ctx context.Context, leader *replica.Replica, plan Plan) error {
	e.round.catchUp = true
	e.round.plan = &plan
	e.round.pending = make(map[int]bool, len(plan.Laggers))
	for _, l := range plan.Laggers {
		e.round.pending[l.ID] = true
	}
	e.logger.Debug("catch-up started",
		"round", e.round.Seq,
		"target", plan.Target,
		"catch_up_leader", plan.Leader.ID,
		"laggers", len(plan.Laggers),
	)
	e.wait.Broadcast()

	if e.round.pending[leader.ID] {
		e.runCatchUp(ctx, leader)
	}
	e.wait.Wait(&e.mu, func() bool { return e.fatal != nil || len(e.round.pending) == 0 })
	if e.fatal != nil {
		return e.fatal
	}

	e.round.plan = nil
	failed := e.round.failed
	e.sync.Settle(plan, failed)
	for _, f := range failed {
		if e.active()-1 < e.minReplicas {
			return e.terminate(record.VerdictCatchUpExhausted, plan.Leader.ID, []int{f.ID})
		}
		e.suspend(f)
	}
	return nil
}

// runCatchUp advances r without the round lock. Called with e.mu held.
func (e *Engine) runCatchUp(ctx context.Context, r *replica.Replica) {
	plan := *e.round.plan
	e.mu.Unlock()
	err := e.sync.CatchUp(ctx, r, plan)
	e.mu.Lock()

	delete(e.round.pending, r.ID)
	if err != nil {
		e.round.failed = append(e.round.failed, r)
		e.logger.Warn("catch-up failed", "round", e.round.Seq, "replica", r.ID, "error", err)
	}
	e.wait.Broadcast()
}

// suspend excludes f from round accounting until the next clean
// convergence.
func (e *Engine) suspend(f *replica.Replica) {
	f.SetSuspended(true)
	e.round.table[f.ID] = nil
	e.round.entered--
	e.parked[f.ID] = true
	e.suspendedAt[f.ID] = e.round.Seq
	e.round.suspended = append(e.round.suspended, f.ID)
	e.logger.Warn("replica suspended", "round", e.round.Seq, "replica", f.ID, "active", e.active())
}

// restoreParked brings suspended replicas back after a clean convergence.
// A parked replica whose state already matches the leader rejoins as is;
// any other is overwritten with the leader's state first.
func (e *Engine) restoreParked() {
	leader := e.round.leader
	for id, parked := range e.parked {
		if !parked || e.suspendedAt[id] >= e.round.Seq {
			continue
		}
		p := e.replicas[id]
		natural := p.State.Checksum() == leader.State.Checksum() &&
			p.State.Regs.IP == leader.State.Regs.IP &&
			p.State.Trap == leader.State.Trap
		if !natural {
			if err := e.memory.CopyState(leader, p); err != nil {
				e.logger.Error("restore failed", "round", e.round.Seq, "replica", id, "error", err)
				continue
			}
		}
		p.SetSuspended(false)
		e.parked[id] = false
		e.round.table[id] = p
		e.round.entered++
		e.round.restored = append(e.round.restored, id)
		e.logger.Info("replica restored", "round", e.round.Seq, "replica", id, "natural", natural)
	}
}

// LeaderRepeat releases the followers of r's round with Repeat: each of
// them runs the handler chain itself.
func (e *Engine) LeaderRepeat(r *replica.Replica) error {
	return e.release(r, Repeat)
}

// LeaderReplicate snapshots r's post-handler state and releases the
// followers with Skip: each of them receives a copy of the snapshot.
func (e *Engine) LeaderReplicate(r *replica.Replica) error {
	return e.release(r, Skip)
}

func (e *Engine) release(r *replica.Replica, d Disposition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fatal != nil {
		return e.fatal
	}
	if e.round.leader != r || e.round.released {
		return ErrNotLeader
	}
	if d == Skip {
		e.round.snapshot = r.State
	}
	e.round.disposition = d
	e.round.released = true
	e.wait.Broadcast()
	return nil
}

// Resume is the leave barrier. It blocks until every active replica of the
// round called Resume; the last one resets the round.
func (e *Engine) Resume(ctx context.Context, r *replica.Replica) error {
	e.mu.Lock()
	if e.fatal != nil {
		defer e.mu.Unlock()
		return e.fatal
	}

	e.round.left++
	seq := e.round.Seq
	if e.round.left < e.active() {
		defer e.mu.Unlock()
		e.wait.Wait(&e.mu, func() bool { return e.fatal != nil || e.round.Seq != seq })
		if e.round.Seq != seq {
			return nil
		}
		return e.fatal
	}

	rec := e.finishRound()
	e.wait.Broadcast()
	e.mu.Unlock()

	e.journal.RecordRound(rec)
	e.logger.Debug("round complete",
		"round", rec.Seq,
		"leader", rec.Leader,
		"disposition", rec.Disposition,
		"trap", rec.Trap,
	)
	return nil
}

// finishRound builds the journal record and resets the round state.
// Called with e.mu held by the last replica to leave.
func (e *Engine) finishRound() record.Round {
	s := e.round
	rec := record.Round{
		GroupID:     e.groupID,
		Seq:         s.Seq,
		Leader:      -1,
		Disposition: s.disposition.String(),
		Checksum:    record.Hex(s.checksum),
		Recovered:   s.recovered,
		CatchUp:     s.catchUp,
		Suspended:   s.suspended,
		Restored:    s.restored,
	}
	if s.leader != nil {
		rec.Leader = s.leader.ID
		rec.Trap = s.trap.String()
	}
	s.reset(e.clock.Next())
	return rec
}

// Fail terminates the engine with err and wakes every waiter.
// The first error wins; later calls are no-ops.
func (e *Engine) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal == nil {
		e.fatal = err
	}
	e.wait.Broadcast()
}

// Err returns the terminal error, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// Counters returns the entry and leave counters of the current round.
func (e *Engine) Counters() (entered, left int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round.entered, e.round.left
}

// Round returns the sequence number of the current round.
func (e *Engine) Round() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round.Seq
}

// Active returns the number of replicas taking part in rounds.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active()
}

func (e *Engine) active() int {
	n := 0
	for _, r := range e.replicas {
		if !r.Suspended() {
			n++
		}
	}
	return n
}
