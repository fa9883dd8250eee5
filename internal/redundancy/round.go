package redundancy

import (
	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

// RoundState is the transient state of one rendezvous. It is owned by a
// single Engine, guarded by the engine mutex, and reset by the last replica
// to leave.
//
// Only the leader writes disposition and snapshot; followers read them
// after released is set.
type RoundState struct {
	Seq int64

	entered int
	left    int

	// table holds the replica that entered for each id, nil when absent.
	table []*replica.Replica

	leader      *replica.Replica
	handoff     *replica.Replica
	trap        vcpu.Trap
	disposition Disposition
	released    bool
	snapshot    vcpu.State
	checksum    uint64

	plan    *Plan
	pending map[int]bool
	failed  []*replica.Replica

	recovered bool
	catchUp   bool
	suspended []int
	restored  []int
}

func newRoundState(n int, seq int64) *RoundState {
	return &RoundState{
		Seq:   seq,
		table: make([]*replica.Replica, n),
	}
}

// reset clears the round for reuse under a new sequence number.
func (s *RoundState) reset(seq int64) {
	n := len(s.table)
	*s = RoundState{
		Seq:   seq,
		table: make([]*replica.Replica, n),
	}
}

// arrivals returns the registered replicas in id order.
func (s *RoundState) arrivals() []*replica.Replica {
	out := make([]*replica.Replica, 0, len(s.table))
	for _, r := range s.table {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
