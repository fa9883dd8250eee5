// Package replica defines one execution instance of the replicated program
// and the collaborator contracts the redundancy engine consumes.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/roach88/lockstep/internal/vcpu"
)

// ErrBreakpointUnsafe is returned by Control.PlaceBreakpoint when a
// breakpoint cannot be placed at the requested address, for example inside
// already-instrumented code. Catch-up falls back to single-stepping.
var ErrBreakpointUnsafe = errors.New("breakpoint placement unsafe")

// AddressSpace is an opaque handle to a replica's address space.
type AddressSpace interface {
	Name() string
}

// Replica is one of the N parallel execution copies of the program.
//
// Ownership:
//   - State is mutated only by the replica's worker goroutine, except while
//     the worker is blocked inside the redundancy engine (recovery copies,
//     follower replication).
//   - suspended and metLeader are cross-replica visible and mutated only by
//     the redundancy engine and the watchdog.
type Replica struct {
	ID    int
	Space AddressSpace
	State vcpu.State

	suspended atomic.Bool
	metLeader atomic.Bool
	steps     atomic.Int64

	wake chan struct{}
}

// New creates replica id bound to an address space.
func New(id int, space AddressSpace) *Replica {
	return &Replica{
		ID:    id,
		Space: space,
		wake:  make(chan struct{}, 1),
	}
}

func (r *Replica) String() string {
	if r.Space != nil {
		return fmt.Sprintf("replica[%d:%s]", r.ID, r.Space.Name())
	}
	return fmt.Sprintf("replica[%d]", r.ID)
}

// Suspended reports whether the replica is excluded from round accounting.
func (r *Replica) Suspended() bool { return r.suspended.Load() }

// SetSuspended marks the replica suspended or restores it.
func (r *Replica) SetSuspended(v bool) { r.suspended.Store(v) }

// MetLeader reports whether the replica reached the catch-up leader in the
// current round.
func (r *Replica) MetLeader() bool { return r.metLeader.Load() }

// SetMetLeader records whether the replica reached the catch-up leader.
func (r *Replica) SetMetLeader(v bool) { r.metLeader.Store(v) }

// AddSteps adds n single-steps to the replica's step counter.
func (r *Replica) AddSteps(n int64) { r.steps.Add(n) }

// Steps returns the number of single-steps performed for catch-up.
func (r *Replica) Steps() int64 { return r.steps.Load() }

// Wakeup signals a replica parked after a FinishedWait outcome.
// Signals coalesce: a wakeup delivered before the replica parks is kept.
func (r *Replica) Wakeup() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Woken returns the channel a parked replica waits on.
func (r *Replica) Woken() <-chan struct{} {
	return r.wake
}

// Memory is the memory/region collaborator used by recovery.
type Memory interface {
	// Checksum summarises the replica's registers and writable memory.
	Checksum(r *Replica) uint64

	// CopyState overwrites dst's registers, message buffer and writable
	// memory with src's. The caller guarantees neither replica runs.
	CopyState(src, dst *Replica) error
}

// Control is the kernel-facing virtual-CPU control consumed by the worker
// loop and the watchdog. Resume and SingleStep update r.State, including
// r.State.Trap, before returning.
type Control interface {
	// ArmTimeout arms the replica's watchdog timeout. A timeout that
	// expires while the vCPU runs stops it with a watchdog trap.
	ArmTimeout(r *Replica, d time.Duration) error

	// Resume runs the vCPU until the next trap.
	Resume(ctx context.Context, r *Replica) error

	// SingleStep executes one instruction and stops with a step trap, or
	// with the instruction's own trap.
	SingleStep(ctx context.Context, r *Replica) error

	// PlaceBreakpoint stops the replica before it executes addr.
	PlaceBreakpoint(r *Replica, addr uint64) error

	// RemoveBreakpoint removes the replica's breakpoint, if any.
	RemoveBreakpoint(r *Replica) error
}

// Loader installs the program image and the initial vCPU state.
type Loader interface {
	Load(r *Replica) error
}
