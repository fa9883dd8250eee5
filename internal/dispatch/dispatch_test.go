package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/redundancy"
	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

func newGroup(n int, trap vcpu.Trap) []*replica.Replica {
	out := make([]*replica.Replica, n)
	for i := range out {
		r := replica.New(i, nil)
		r.State.Regs.IP = 0x40
		r.State.Trap = trap
		out[i] = r
	}
	return out
}

type dispatched struct {
	res Result
	err error
}

func dispatchAll(t *testing.T, d *Dispatcher, reps []*replica.Replica) []dispatched {
	t.Helper()
	out := make([]dispatched, len(reps))
	var wg sync.WaitGroup
	for i, r := range reps {
		wg.Add(1)
		go func(i int, r *replica.Replica) {
			defer wg.Done()
			res, err := d.Dispatch(context.Background(), r)
			out[i] = dispatched{res: res, err: err}
		}(i, r)
	}
	wg.Wait()
	return out
}

var getid = vcpu.Trap{Cause: vcpu.CauseSyscall, Code: 1}

func TestDispatch_ReplicatableRunsOnce(t *testing.T) {
	reps := newGroup(3, getid)
	var runs atomic.Int32
	h := HandlerFunc(func(ctx context.Context, f *Fault) (Outcome, error) {
		if !f.Leader {
			t.Error("followers copy the leader's result")
		}
		runs.Add(1)
		f.Replica.State.Regs.GPR[0] = 99
		f.Replica.State.Regs.IP++
		return Replicatable, nil
	})
	d := New(redundancy.New(reps, nil), []Handler{h})

	out := dispatchAll(t, d, reps)

	assert.Equal(t, int32(1), runs.Load())
	leaders := 0
	for i, o := range out {
		require.NoError(t, o.err)
		assert.Equal(t, ActionResume, o.res.Next)
		if o.res.Disposition == redundancy.Lead {
			leaders++
			assert.Equal(t, Replicatable, o.res.Outcome)
		} else {
			assert.Equal(t, redundancy.Skip, o.res.Disposition)
			assert.Equal(t, Finished, o.res.Outcome)
		}
		assert.Equal(t, uint64(99), reps[i].State.Regs.GPR[0])
		assert.Equal(t, uint64(0x41), reps[i].State.Regs.IP)
	}
	assert.Equal(t, 1, leaders)
}

func TestDispatch_FinishedRepeatsEverywhere(t *testing.T) {
	reps := newGroup(3, vcpu.Trap{Cause: vcpu.CauseSyscall, Code: 3})
	var runs atomic.Int32
	h := HandlerFunc(func(ctx context.Context, f *Fault) (Outcome, error) {
		runs.Add(1)
		f.Replica.State.Regs.IP++
		return Finished, nil
	})
	d := New(redundancy.New(reps, nil), []Handler{h})

	out := dispatchAll(t, d, reps)

	assert.Equal(t, int32(3), runs.Load())
	for i, o := range out {
		require.NoError(t, o.err)
		assert.Contains(t, []redundancy.Disposition{redundancy.Lead, redundancy.Repeat}, o.res.Disposition)
		assert.Equal(t, uint64(0x41), reps[i].State.Regs.IP)
	}
}

func TestDispatch_ChainOrder(t *testing.T) {
	reps := newGroup(1, getid)
	var seen []string
	ignore := HandlerFunc(func(ctx context.Context, f *Fault) (Outcome, error) {
		seen = append(seen, "ignore")
		return Ignored, nil
	})
	restarted := false
	restart := HandlerFunc(func(ctx context.Context, f *Fault) (Outcome, error) {
		seen = append(seen, "restart")
		if !restarted {
			restarted = true
			return Continue, nil
		}
		return FinishedStep, nil
	})
	never := HandlerFunc(func(ctx context.Context, f *Fault) (Outcome, error) {
		seen = append(seen, "never")
		return Finished, nil
	})
	d := New(redundancy.New(reps, nil), []Handler{ignore, restart, never})

	res, err := d.Dispatch(context.Background(), reps[0])
	require.NoError(t, err)

	assert.Equal(t, []string{"ignore", "restart", "ignore", "restart"}, seen)
	assert.Equal(t, FinishedStep, res.Outcome)
	assert.Equal(t, ActionStep, res.Next)
}

func TestDispatch_UnhandledTrapTerminates(t *testing.T) {
	reps := newGroup(2, vcpu.Trap{Cause: vcpu.CauseException, Code: 6})
	ignore := HandlerFunc(func(ctx context.Context, f *Fault) (Outcome, error) {
		return Ignored, nil
	})
	e := redundancy.New(reps, nil)
	d := New(e, []Handler{ignore})

	out := dispatchAll(t, d, reps)

	for _, o := range out {
		assert.ErrorIs(t, o.err, ErrUnhandledTrap)
	}
	assert.ErrorIs(t, e.Err(), ErrUnhandledTrap)
}

func TestDispatch_HandlerErrorTerminates(t *testing.T) {
	reps := newGroup(1, getid)
	boom := errors.New("boom")
	h := HandlerFunc(func(ctx context.Context, f *Fault) (Outcome, error) {
		return Ignored, boom
	})
	e := redundancy.New(reps, nil)
	d := New(e, []Handler{h})

	_, err := d.Dispatch(context.Background(), reps[0])
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "handle syscall:0x1 on replica[0]")
	assert.ErrorIs(t, e.Err(), boom)
}

func TestDispatch_EndlessContinue(t *testing.T) {
	reps := newGroup(1, getid)
	h := HandlerFunc(func(ctx context.Context, f *Fault) (Outcome, error) {
		return Continue, nil
	})
	d := New(redundancy.New(reps, nil), []Handler{h})

	_, err := d.Dispatch(context.Background(), reps[0])
	assert.ErrorContains(t, err, "restarted 16 times")
}

func TestDispatch_NextAction(t *testing.T) {
	tests := []struct {
		trap vcpu.Trap
		out  Outcome
		want Action
	}{
		{getid, Finished, ActionResume},
		{getid, FinishedWakeup, ActionResume},
		{getid, Replicatable, ActionResume},
		{getid, FinishedStep, ActionStep},
		{getid, FinishedWait, ActionWait},
		{vcpu.Trap{Cause: vcpu.CauseExit}, Finished, ActionExit},
		{vcpu.Trap{Cause: vcpu.CauseExit}, Replicatable, ActionExit},
	}
	for _, tt := range tests {
		t.Run(tt.trap.String()+"/"+tt.out.String(), func(t *testing.T) {
			r := replica.New(0, nil)
			r.State.Trap = tt.trap
			assert.Equal(t, tt.want, next(r, tt.out))
		})
	}
}
