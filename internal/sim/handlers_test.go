package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/dispatch"
	"github.com/roach88/lockstep/internal/gate"
	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

func fault(r *replica.Replica, trap vcpu.Trap, leader bool, agent *gate.Agent) *dispatch.Fault {
	r.State.Trap = trap
	return &dispatch.Fault{Replica: r, Leader: leader, Agent: agent}
}

func runChain(t *testing.T, m *Machine, f *dispatch.Fault) (dispatch.Outcome, error) {
	t.Helper()
	for _, h := range m.Handlers() {
		out, err := h.Handle(context.Background(), f)
		if err != nil || out != dispatch.Ignored {
			return out, err
		}
	}
	return dispatch.Ignored, nil
}

func startConsole(t *testing.T) (*gate.Agent, *Console) {
	t.Helper()
	console := NewConsole()
	a := gate.New("g", console)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a, console
}

func syscallTrap(nr uint64) vcpu.Trap {
	return vcpu.Trap{Cause: vcpu.CauseSyscall, Code: nr}
}

func TestHandlers_GetID(t *testing.T) {
	m := NewMachine(mustProgram(t, "syscall getid"), 1, WithTaskID(0x77))
	r := loaded(t, m, 1)[0]

	out, err := runChain(t, m, fault(r, syscallTrap(SysGetID), true, nil))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Replicatable, out)
	assert.Equal(t, uint64(0x77), r.State.Regs.GPR[0])
	assert.Equal(t, CodeBase+1, r.State.Regs.IP)
}

func TestHandlers_WriteGoesThroughAgent(t *testing.T) {
	agent, console := startConsole(t)
	m := NewMachine(mustProgram(t, "syscall write"), 1)
	r := loaded(t, m, 1)[0]
	r.State.Regs.GPR[1] = 0xabc

	out, err := runChain(t, m, fault(r, syscallTrap(SysWrite), true, agent))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Replicatable, out)
	assert.Equal(t, uint64(1), r.State.Regs.GPR[0])
	assert.Equal(t, uint64(1), r.State.Msg[1])
	assert.Equal(t, []uint64{0xabc}, console.Writes())

	_, err = runChain(t, m, fault(r, syscallTrap(SysWrite), false, agent))
	assert.ErrorContains(t, err, "write on follower")

	_, err = runChain(t, m, fault(r, syscallTrap(SysWrite), true, nil))
	assert.ErrorIs(t, err, ErrNoAgent)
}

func TestHandlers_WriteFailureIsStatus(t *testing.T) {
	agent, console := startConsole(t)
	console.Close()
	m := NewMachine(mustProgram(t, "syscall write"), 1)
	r := loaded(t, m, 1)[0]

	out, err := runChain(t, m, fault(r, syscallTrap(SysWrite), true, agent))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Replicatable, out)
	failed := gate.StatusFailed
	assert.Equal(t, uint64(failed), r.State.Regs.GPR[0])
}

func TestHandlers_Recv(t *testing.T) {
	agent, _ := startConsole(t)
	m := NewMachine(mustProgram(t, "syscall recv"), 1)
	r := loaded(t, m, 1)[0]

	out, err := runChain(t, m, fault(r, syscallTrap(SysRecv), true, agent))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Replicatable, out)
	assert.Zero(t, r.State.Regs.GPR[1])

	var msg vcpu.MessageBuffer
	msg[0] = 12
	require.NoError(t, agent.Deliver(msg))
	require.Eventually(t, func() bool { return len(agent.Inbox()) == 1 }, time.Second, time.Millisecond)

	r.State.Regs.IP = CodeBase
	_, err = runChain(t, m, fault(r, syscallTrap(SysRecv), true, agent))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), r.State.Regs.GPR[0])
	assert.Equal(t, uint64(1), r.State.Regs.GPR[1])
}

func TestHandlers_LocalOutcomes(t *testing.T) {
	m := NewMachine(mustProgram(t, "load r1 300", "exit"), 1)
	r := loaded(t, m, 1)[0]

	out, err := runChain(t, m, fault(r, syscallTrap(SysThread), false, nil))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Finished, out)

	out, err = runChain(t, m, fault(r, syscallTrap(SysStep), false, nil))
	require.NoError(t, err)
	assert.Equal(t, dispatch.FinishedStep, out)

	out, err = runChain(t, m, fault(r, syscallTrap(SysWait), false, nil))
	require.NoError(t, err)
	assert.Equal(t, dispatch.FinishedWait, out)

	r.State.Regs.IP = CodeBase
	out, err = runChain(t, m, fault(r, vcpu.Trap{Cause: vcpu.CausePageFault, Code: 300}, false, nil))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Finished, out)
	_, mapped := m.Word(r, 300)
	assert.True(t, mapped)
	assert.Equal(t, CodeBase, r.State.Regs.IP)

	for _, stop := range []vcpu.Trap{{Cause: vcpu.CauseStep}, {Cause: vcpu.CauseBreakpoint, Code: CodeBase}} {
		out, err = runChain(t, m, fault(r, stop, false, nil))
		require.NoError(t, err)
		assert.Equal(t, dispatch.Finished, out, stop.String())
		assert.Equal(t, CodeBase, r.State.Regs.IP)
	}

	out, err = runChain(t, m, fault(r, vcpu.Trap{Cause: vcpu.CauseExit}, false, nil))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Finished, out)

	out, err = runChain(t, m, fault(r, vcpu.Trap{Cause: vcpu.CauseException, Code: VectorBadAddress}, true, nil))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Ignored, out)

	out, err = runChain(t, m, fault(r, syscallTrap(99), true, nil))
	require.NoError(t, err)
	assert.Equal(t, dispatch.Ignored, out)
}
