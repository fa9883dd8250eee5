package sim

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/dispatch"
	"github.com/roach88/lockstep/internal/vcpu"
)

// System call numbers.
const (
	SysGetID  uint64 = 1
	SysWrite  uint64 = 2
	SysThread uint64 = 3
	SysStep   uint64 = 4
	SysRecv   uint64 = 5
	SysWait   uint64 = 6
)

var syscallNumbers = map[string]uint64{
	"getid":  SysGetID,
	"write":  SysWrite,
	"thread": SysThread,
	"step":   SysStep,
	"recv":   SysRecv,
	"wait":   SysWait,
}

// ErrNoAgent is returned by external system calls in a group without a
// gate agent.
var ErrNoAgent = errors.New("no gate agent")

// Handlers returns the machine's handler chain: system calls, page faults,
// debug stops, then exits.
func (m *Machine) Handlers() []dispatch.Handler {
	return []dispatch.Handler{
		dispatch.HandlerFunc(m.handleSyscall),
		dispatch.HandlerFunc(m.handlePageFault),
		dispatch.HandlerFunc(m.handleDebug),
		dispatch.HandlerFunc(m.handleExit),
	}
}

// handleSyscall implements the system calls. The calling convention passes
// arguments in r1 and r2 and returns the result in r0; the handler advances
// IP past the syscall instruction.
func (m *Machine) handleSyscall(ctx context.Context, f *dispatch.Fault) (dispatch.Outcome, error) {
	t := f.Trap()
	if t.Cause != vcpu.CauseSyscall {
		return dispatch.Ignored, nil
	}
	regs := &f.Replica.State.Regs

	switch t.Code {
	case SysGetID:
		// Pure query: the leader's answer is everybody's answer.
		regs.GPR[0] = m.taskID
		regs.IP++
		return dispatch.Replicatable, nil

	case SysWrite:
		if !f.Leader {
			return dispatch.Ignored, fmt.Errorf("write on follower %s", f.Replica)
		}
		if f.Agent == nil {
			return dispatch.Ignored, ErrNoAgent
		}
		msg := &f.Replica.State.Msg
		msg[0], msg[1] = regs.GPR[1], regs.GPR[2]
		status, err := f.Agent.Trigger(ctx, f.Replica)
		if err != nil {
			return dispatch.Ignored, err
		}
		regs.GPR[0] = uint64(status)
		regs.IP++
		return dispatch.Replicatable, nil

	case SysRecv:
		if f.Agent == nil {
			return dispatch.Ignored, ErrNoAgent
		}
		select {
		case msg := <-f.Agent.Inbox():
			f.Replica.State.Msg = msg
			regs.GPR[0], regs.GPR[1] = msg[0], 1
		default:
			regs.GPR[0], regs.GPR[1] = 0, 0
		}
		regs.IP++
		return dispatch.Replicatable, nil

	case SysThread:
		// Thread control acts on each replica's own kernel objects.
		regs.GPR[0] = 0
		regs.IP++
		return dispatch.Finished, nil

	case SysStep:
		regs.GPR[0] = 0
		regs.IP++
		return dispatch.FinishedStep, nil

	case SysWait:
		regs.GPR[0] = 0
		regs.IP++
		return dispatch.FinishedWait, nil
	}
	return dispatch.Ignored, nil
}

// handlePageFault maps the faulting page; the faulting instruction runs
// again on resume.
func (m *Machine) handlePageFault(ctx context.Context, f *dispatch.Fault) (dispatch.Outcome, error) {
	t := f.Trap()
	if t.Cause != vcpu.CausePageFault {
		return dispatch.Ignored, nil
	}
	if err := m.MapPage(f.Replica, t.Code); err != nil {
		return dispatch.Ignored, err
	}
	return dispatch.Finished, nil
}

// handleDebug accepts single-step and breakpoint stops. Both leave the
// replica where it is.
func (m *Machine) handleDebug(ctx context.Context, f *dispatch.Fault) (dispatch.Outcome, error) {
	switch f.Trap().Cause {
	case vcpu.CauseStep, vcpu.CauseBreakpoint:
		return dispatch.Finished, nil
	}
	return dispatch.Ignored, nil
}

func (m *Machine) handleExit(ctx context.Context, f *dispatch.Fault) (dispatch.Outcome, error) {
	if f.Trap().Cause != vcpu.CauseExit {
		return dispatch.Ignored, nil
	}
	return dispatch.Finished, nil
}
