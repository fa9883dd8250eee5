package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/redundancy"
	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

// ErrUnexpectedTrap is returned when a lagger stops on a program trap
// before reaching the catch-up target.
var ErrUnexpectedTrap = errors.New("lagger stopped before the catch-up target")

// Config holds the watchdog settings of one replica group.
type Config struct {
	Enabled    bool
	Timeout    time.Duration
	Mode       Mode
	Retries    int
	StepBudget int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Timeout:    time.Millisecond,
		Mode:       ModeBreakpoint,
		Retries:    2,
		StepBudget: 64,
	}
}

// Stats counts what the watchdog did.
type Stats struct {
	Resyncs  int
	CatchUps int
	Failures int
}

// Watchdog implements redundancy.Synchronizer for one replica group.
//
// Plan, Settle and Verified are called by the round leader with the round
// lock held. Arm and CatchUp run on replica worker goroutines.
type Watchdog struct {
	cfg     Config
	control replica.Control
	n       int
	logger  *slog.Logger

	mu    sync.Mutex
	state State
	stats Stats
}

var _ redundancy.Synchronizer = (*Watchdog)(nil)

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) {
		w.logger = l
	}
}

// New creates the watchdog for a group of n replicas.
func New(cfg Config, control replica.Control, n int, opts ...Option) *Watchdog {
	w := &Watchdog{
		cfg:     cfg,
		control: control,
		n:       n,
		logger:  slog.Default(),
		state:   Armed,
	}
	if !cfg.Enabled {
		w.state = Disabled
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current life-cycle state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a snapshot of the counters.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Enabled reports whether timeouts are armed at all.
func (w *Watchdog) Enabled() bool {
	return w.cfg.Enabled
}

// Arm arms r's timeout before its vCPU resumes. Every resume re-arms, so
// the timeout restarts at every rendezvous.
func (w *Watchdog) Arm(r *replica.Replica) error {
	if !w.cfg.Enabled {
		return nil
	}
	w.mu.Lock()
	if w.state == Synced {
		w.state = Armed
	}
	w.mu.Unlock()
	if err := w.control.ArmTimeout(r, w.cfg.Timeout); err != nil {
		return fmt.Errorf("arm watchdog for %s: %w", r, err)
	}
	return nil
}

// Plan classifies a completed arrival set. arrivals are in id order.
//
// The catch-up leader is the ordinary arrival with the highest IP. A
// replica stopped by its watchdog is never the furthest advanced: it was
// interrupted before reaching the trap the others stopped at, so it only
// ever lags.
func (w *Watchdog) Plan(arrivals []*replica.Replica) redundancy.Plan {
	var leader *replica.Replica
	var laggers []*replica.Replica
	for _, a := range arrivals {
		if a.State.Trap.IsWatchdog() {
			laggers = append(laggers, a)
			continue
		}
		// Strictly greater keeps the lowest id on ties.
		if leader == nil || a.State.Regs.IP > leader.State.Regs.IP {
			leader = a
		}
	}

	if len(laggers) == 0 {
		return redundancy.Plan{Kind: redundancy.PlanNone}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if leader == nil {
		w.state = Synced
		w.stats.Resyncs++
		w.logger.Debug("every replica timed out, resynchronizing", "replicas", len(arrivals))
		return redundancy.Plan{Kind: redundancy.PlanResync}
	}

	w.state = CatchingUp
	w.stats.CatchUps++
	for _, l := range laggers {
		l.SetMetLeader(false)
	}
	return redundancy.Plan{
		Kind:    redundancy.PlanCatchUp,
		Leader:  leader,
		Target:  leader.State.Regs.IP,
		Trap:    leader.State.Trap,
		Laggers: laggers,
	}
}

// CatchUp drives r to plan.Target. On success r reports the leader's trap
// as its own.
func (w *Watchdog) CatchUp(ctx context.Context, r *replica.Replica, plan redundancy.Plan) error {
	budget := NewRetryBudget(w.cfg.Retries * w.n)
	mode := w.cfg.Mode

	for r.State.Regs.IP != plan.Target {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := budget.Check(r.ID); err != nil {
			return err
		}

		var err error
		switch mode {
		case ModeBreakpoint:
			err = w.runToBreakpoint(ctx, r, plan.Target)
			if errors.Is(err, replica.ErrBreakpointUnsafe) {
				w.logger.Debug("breakpoint unsafe, single-stepping", "replica", r.ID, "target", plan.Target)
				mode = ModeStep
				continue
			}
		default:
			err = w.step(ctx, r, plan.Target)
		}
		if err != nil {
			return err
		}
	}

	r.State.Trap = plan.Trap
	r.SetMetLeader(true)
	w.logger.Debug("lagger caught up",
		"replica", r.ID,
		"target", plan.Target,
		"attempts", budget.Used(),
		"steps", r.Steps(),
	)
	return nil
}

// runToBreakpoint makes one breakpoint attempt. A watchdog stop is a failed
// attempt, not an error.
func (w *Watchdog) runToBreakpoint(ctx context.Context, r *replica.Replica, target uint64) error {
	if err := w.control.PlaceBreakpoint(r, target); err != nil {
		return err
	}
	defer func() {
		if err := w.control.RemoveBreakpoint(r); err != nil {
			w.logger.Warn("remove breakpoint", "replica", r.ID, "error", err)
		}
	}()

	if err := w.control.ArmTimeout(r, w.cfg.Timeout); err != nil {
		return err
	}
	if err := w.control.Resume(ctx, r); err != nil {
		return err
	}
	return w.checkStop(r, target)
}

// step makes one single-step attempt of at most StepBudget instructions.
func (w *Watchdog) step(ctx context.Context, r *replica.Replica, target uint64) error {
	for i := 0; i < w.cfg.StepBudget && r.State.Regs.IP != target; i++ {
		if err := w.control.SingleStep(ctx, r); err != nil {
			return err
		}
		r.AddSteps(1)
		if err := w.checkStop(r, target); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watchdog) checkStop(r *replica.Replica, target uint64) error {
	switch r.State.Trap.Cause {
	case vcpu.CauseBreakpoint, vcpu.CauseStep, vcpu.CauseWatchdog:
		return nil
	}
	if r.State.Regs.IP == target {
		return nil
	}
	return fmt.Errorf("replica %d stopped by %s at %#x, target %#x: %w",
		r.ID, r.State.Trap, r.State.Regs.IP, target, ErrUnexpectedTrap)
}

// Settle records the laggers that could not catch up.
func (w *Watchdog) Settle(plan redundancy.Plan, failed []*replica.Replica) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(failed) > 0 {
		w.state = Recovering
		w.stats.Failures += len(failed)
	}
}

// Verified moves a catch-up round to Synced once the states compared equal.
func (w *Watchdog) Verified(clean bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case CatchingUp, Recovering:
		if clean {
			w.state = Synced
		} else {
			w.state = Recovering
		}
	}
}
