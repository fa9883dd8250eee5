package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/gate"
	"github.com/roach88/lockstep/internal/record"
	"github.com/roach88/lockstep/internal/redundancy"
	"github.com/roach88/lockstep/internal/sim"
	"github.com/roach88/lockstep/internal/testutil"
	"github.com/roach88/lockstep/internal/vcpu"
)

type fixture struct {
	group   *Group
	machine *sim.Machine
	console *sim.Console
	journal *testutil.Journal
}

func newFixture(t *testing.T, cfg config.Config, code []string, opts ...sim.MachineOption) *fixture {
	t.Helper()
	prog := &sim.Program{Name: "test", Code: code}
	require.NoError(t, prog.Assemble())

	m := sim.NewMachine(prog, cfg.Replicas, opts...)
	f := &fixture{machine: m, console: sim.NewConsole(), journal: &testutil.Journal{}}

	g, err := New(cfg, Deps{
		Control:  m,
		Memory:   m,
		Loader:   m,
		Handlers: m.Handlers(),
		Endpoint: f.console,
		Journal:  f.journal,
	}, WithLogger(testutil.Logger(t)), WithIDGenerator(NewFixedGenerator("group-1")))
	require.NoError(t, err)
	f.group = g
	return f
}

func (f *fixture) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.group.Run(ctx)
}

func TestGroup_RunsToExit(t *testing.T) {
	f := newFixture(t, config.Default(), []string{
		"syscall getid",
		"add r0 1",
		"set r1 42",
		"syscall write",
		"exit",
	}, sim.WithTaskID(0x1d))

	require.NoError(t, f.run(t))

	assert.Equal(t, []uint64{42}, f.console.Writes(), "external write happens once")
	assert.Equal(t, []string{"skip", "skip", "repeat"}, f.journal.Dispositions())

	rounds := f.journal.Rounds()
	assert.Equal(t, "syscall:0x1", rounds[0].Trap)
	assert.Equal(t, "exit", rounds[2].Trap)
	for i, r := range rounds {
		assert.Equal(t, "group-1", r.GroupID)
		assert.Equal(t, int64(i+1), r.Seq)
	}

	ref := f.group.Replicas()[0].State
	assert.Equal(t, uint64(1), ref.Regs.GPR[0], "write status")
	for _, r := range f.group.Replicas()[1:] {
		assert.True(t, ref.Equal(&r.State), "replica %d converged", r.ID)
	}
	assert.Empty(t, f.journal.Divergences())
}

func TestGroup_MajorityRecovery(t *testing.T) {
	f := newFixture(t, config.Default(), []string{
		"set r3 5",
		"syscall getid",
		"exit",
	}, sim.WithFlips(sim.Flip{Replica: 2, At: 1, Reg: "r3", Bit: 4}))

	require.NoError(t, f.run(t))

	divs := f.journal.Divergences()
	require.Len(t, divs, 1)
	assert.Equal(t, record.VerdictMajority, divs[0].Verdict)
	assert.Equal(t, []int{2}, divs[0].Minority)
	assert.False(t, divs[0].Fatal)

	assert.True(t, f.journal.Rounds()[0].Recovered)
	for _, r := range f.group.Replicas() {
		assert.Equal(t, uint64(5), r.State.Regs.GPR[3], "replica %d", r.ID)
	}
}

func TestGroup_TwoReplicasCannotRecover(t *testing.T) {
	cfg := config.Default()
	cfg.Replicas = 2
	f := newFixture(t, cfg, []string{
		"set r3 5",
		"syscall getid",
		"exit",
	}, sim.WithFlips(sim.Flip{Replica: 1, At: 1, Reg: "r3", Bit: 0}))

	err := f.run(t)
	de, ok := redundancy.AsDivergence(err)
	require.True(t, ok, "expected divergence, got %v", err)
	assert.Equal(t, record.VerdictInsufficient, de.Verdict)
	assert.Len(t, de.Dumps, 2)

	assert.Empty(t, f.journal.Rounds(), "no round completes after a fatal divergence")
	divs := f.journal.Divergences()
	require.Len(t, divs, 1)
	assert.True(t, divs[0].Fatal)
}

func TestGroup_LaggingReplicaCatchesUp(t *testing.T) {
	for _, mode := range []string{"breakpoint", "step"} {
		t.Run(mode, func(t *testing.T) {
			cfg := config.Default()
			cfg.Watchdog.Mode = mode
			f := newFixture(t, cfg, []string{
				"set r1 1",
				"add r1 1",
				"syscall getid",
				"exit",
			}, sim.WithStalls(sim.Stall{Replica: 1, At: 1, Ticks: 5000}))

			require.NoError(t, f.run(t))

			rounds := f.journal.Rounds()
			require.NotEmpty(t, rounds)
			assert.True(t, rounds[0].CatchUp)
			assert.Equal(t, "syscall:0x1", rounds[0].Trap)
			assert.Empty(t, rounds[0].Suspended)
			assert.Equal(t, 1, f.group.Watchdog().Stats().CatchUps)

			for _, r := range f.group.Replicas() {
				assert.Equal(t, uint64(2), r.State.Regs.GPR[1], "replica %d", r.ID)
			}
		})
	}
}

func TestGroup_WaitForDelivery(t *testing.T) {
	f := newFixture(t, config.Default(), []string{
		"syscall wait",
		"syscall recv",
		"exit",
	})

	done := make(chan error, 1)
	go func() { done <- f.run(t) }()

	require.NoError(t, f.group.Deliver(vcpu.MessageBuffer{7}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("group did not exit")
	}

	for _, r := range f.group.Replicas() {
		assert.Equal(t, uint64(7), r.State.Regs.GPR[0], "replica %d", r.ID)
		assert.Equal(t, uint64(1), r.State.Regs.GPR[1], "replica %d", r.ID)
	}
}

func TestGroup_StopWhileWaiting(t *testing.T) {
	f := newFixture(t, config.Default(), []string{
		"syscall wait",
		"exit",
	})

	done := make(chan error, 1)
	go func() { done <- f.run(t) }()

	require.Eventually(t, func() bool {
		return len(f.journal.Rounds()) == 1
	}, 5*time.Second, time.Millisecond)
	f.group.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("group did not stop")
	}
}

func TestGroup_ContextCancelled(t *testing.T) {
	f := newFixture(t, config.Default(), []string{
		"syscall wait",
		"exit",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.group.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.journal.Rounds()) == 1
	}, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("group did not stop")
	}
}

func TestGroup_RunTwice(t *testing.T) {
	f := newFixture(t, config.Default(), []string{"exit"})

	require.NoError(t, f.run(t))
	assert.ErrorIs(t, f.group.Run(context.Background()), ErrAlreadyRunning)
}

func TestNew_Validation(t *testing.T) {
	prog := &sim.Program{Name: "test", Code: []string{"exit"}}
	require.NoError(t, prog.Assemble())
	m := sim.NewMachine(prog, 3)

	cfg := config.Default()
	cfg.Replicas = 4
	_, err := New(cfg, Deps{Control: m, Loader: m, Handlers: m.Handlers()})
	var verrs config.ValidationErrors
	assert.ErrorAs(t, err, &verrs)

	_, err = New(config.Default(), Deps{Loader: m, Handlers: m.Handlers()})
	assert.ErrorIs(t, err, ErrMissingCollaborator)

	g, err := New(config.Default(), Deps{Control: m, Loader: m, Handlers: m.Handlers()})
	require.NoError(t, err)
	assert.Nil(t, g.Agent())
	assert.Len(t, g.ID(), 36, "UUIDv7 id")
	assert.ErrorIs(t, g.Deliver(vcpu.MessageBuffer{}), ErrMissingCollaborator)
	assert.Error(t, g.Wakeup(3))
}

func TestFixedGenerator(t *testing.T) {
	g := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", g.Generate())
	assert.Equal(t, "b", g.Generate())
	assert.Panics(t, func() { g.Generate() })
}

func TestGroup_WithClockContinuesNumbering(t *testing.T) {
	prog := &sim.Program{Name: "test", Code: []string{"syscall getid", "exit"}}
	require.NoError(t, prog.Assemble())
	m := sim.NewMachine(prog, 3)
	journal := &testutil.Journal{}

	g, err := New(config.Default(), Deps{
		Control:  m,
		Memory:   m,
		Loader:   m,
		Handlers: m.Handlers(),
		Journal:  journal,
	}, WithLogger(testutil.Logger(t)), WithClock(redundancy.NewClockAt(10)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, g.Run(ctx))

	rounds := journal.Rounds()
	require.Len(t, rounds, 2)
	assert.Equal(t, int64(11), rounds[0].Seq)
	assert.Equal(t, int64(12), rounds[1].Seq)
}

func TestNew_InboxSize(t *testing.T) {
	prog := &sim.Program{Name: "test", Code: []string{"exit"}}
	require.NoError(t, prog.Assemble())
	m := sim.NewMachine(prog, 3)
	deps := Deps{Control: m, Loader: m, Handlers: m.Handlers(), Endpoint: sim.NewConsole()}

	g, err := New(config.Default(), deps, WithInboxSize(64))
	require.NoError(t, err)
	assert.Equal(t, 64, cap(g.Agent().Inbox()))

	g, err = New(config.Default(), deps, WithInboxSize(1))
	require.NoError(t, err)
	assert.Equal(t, gate.DefaultInboxSize, cap(g.Agent().Inbox()))
}
