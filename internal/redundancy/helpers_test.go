package redundancy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/record"
	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

// newReplicas creates n replicas stopped at the same syscall.
func newReplicas(n int) []*replica.Replica {
	out := make([]*replica.Replica, n)
	for i := range out {
		r := replica.New(i, nil)
		r.State.Regs.IP = 0x1000
		r.State.Regs.SP = 0x8000
		r.State.Trap = vcpu.Trap{Cause: vcpu.CauseSyscall, Code: 1}
		out[i] = r
	}
	return out
}

// outcome is what one replica observed in one round.
type outcome struct {
	disposition Disposition
	err         error
}

// leadFunc runs the leader's handler and releases the round.
type leadFunc func(e *Engine, r *replica.Replica) error

func repeatAll(e *Engine, r *replica.Replica) error {
	return e.LeaderRepeat(r)
}

// runRounds drives every replica through the given number of rounds on its
// own goroutine and returns what each replica observed, indexed
// [replica][round]. A replica stops at its first error.
func runRounds(t *testing.T, e *Engine, reps []*replica.Replica, rounds int, lead leadFunc) [][]outcome {
	t.Helper()
	ctx := context.Background()
	out := make([][]outcome, len(reps))

	var wg sync.WaitGroup
	for i, r := range reps {
		wg.Add(1)
		go func(i int, r *replica.Replica) {
			defer wg.Done()
			for n := 0; n < rounds; n++ {
				d, err := e.Enter(ctx, r)
				if err == nil && d == Lead {
					err = lead(e, r)
				}
				if err == nil {
					err = e.Resume(ctx, r)
				}
				out[i] = append(out[i], outcome{disposition: d, err: err})
				if err != nil {
					return
				}
			}
		}(i, r)
	}
	wg.Wait()
	return out
}

// countLeaders returns the number of Lead dispositions observed in round n.
func countLeaders(out [][]outcome, n int) int {
	leaders := 0
	for _, rs := range out {
		if n < len(rs) && rs[n].disposition == Lead {
			leaders++
		}
	}
	return leaders
}

// constMemory reports the same checksum for every replica and never copies.
type constMemory struct{}

func (constMemory) Checksum(*replica.Replica) uint64 { return 7 }

func (constMemory) CopyState(src, dst *replica.Replica) error { return nil }

// brokenMemory fails every copy.
type brokenMemory struct{}

func (brokenMemory) Checksum(r *replica.Replica) uint64 { return r.State.Checksum() }

func (brokenMemory) CopyState(src, dst *replica.Replica) error {
	return errors.New("region not mapped")
}

func requireDivergence(t *testing.T, err error, verdict record.Verdict) *DivergenceError {
	t.Helper()
	de, ok := AsDivergence(err)
	require.True(t, ok, "expected divergence, got %v", err)
	require.Equal(t, verdict, de.Verdict)
	return de
}
