package redundancy

import (
	"github.com/roach88/lockstep/internal/record"
	"github.com/roach88/lockstep/internal/replica"
)

// verify compares the vCPU checksums of every registered replica and
// recovers on a mismatch. Called with e.mu held by the round leader.
func (e *Engine) verify() error {
	arrivals := e.round.arrivals()
	clean := true
	if len(arrivals) > 1 {
		ref := arrivals[0].State.Checksum()
		for _, a := range arrivals[1:] {
			if a.State.Checksum() != ref {
				clean = false
				break
			}
		}
	}

	if !clean {
		if err := e.recover(arrivals); err != nil {
			return err
		}
	}
	if e.sync != nil {
		e.sync.Verified(clean)
	}

	e.round.checksum = e.round.leader.State.Checksum()
	if clean {
		e.restoreParked()
	}
	return nil
}

// recover votes on a checksum mismatch.
//
// With fewer than three active replicas no majority exists and the
// divergence is fatal. Otherwise every pair is compared on collaborator
// checksum and IP: all-equal proceeds, a majority overwrites the minority,
// all-differ is fatal. A majority copy is never retried: if the vCPU
// checksums still differ afterwards the divergence is fatal.
func (e *Engine) recover(arrivals []*replica.Replica) error {
	if len(arrivals) < 3 {
		return e.terminate(record.VerdictInsufficient, -1, nil)
	}

	votes := make([]Vote, len(arrivals))
	for i, a := range arrivals {
		votes[i] = Vote{ID: a.ID, Checksum: e.memory.Checksum(a), IP: a.State.Regs.IP}
	}
	tally := e.policy.Classify(votes)

	switch tally.Verdict {
	case record.VerdictAllEqual:
		e.logger.Info("spurious checksum mismatch", "round", e.round.Seq)
		e.recordDivergence(tally, false, nil)
		return nil

	case record.VerdictMajority:
		src := e.replicas[tally.Reference]
		for _, id := range tally.Minority {
			if err := e.memory.CopyState(src, e.replicas[id]); err != nil {
				e.logger.Error("state copy failed", "round", e.round.Seq, "replica", id, "error", err)
				return e.terminate(record.VerdictPersistent, tally.Reference, tally.Minority)
			}
		}
		want := src.State.Checksum()
		for _, a := range arrivals {
			if a.State.Checksum() != want {
				return e.terminate(record.VerdictPersistent, tally.Reference, tally.Minority)
			}
		}
		e.round.recovered = true
		e.logger.Warn("divergent replicas recovered",
			"round", e.round.Seq,
			"verdict", string(tally.Verdict),
			"reference", tally.Reference,
			"minority", tally.Minority,
		)
		e.recordDivergence(tally, false, nil)
		return nil

	default:
		return e.terminate(tally.Verdict, tally.Reference, tally.Minority)
	}
}

// terminate records an unrecoverable divergence, makes it the engine's
// terminal error and wakes every waiter. Called with e.mu held.
func (e *Engine) terminate(verdict record.Verdict, reference int, minority []int) error {
	err := &DivergenceError{
		Seq:       e.round.Seq,
		Verdict:   verdict,
		Reference: reference,
		Minority:  minority,
		Dumps:     e.dumps(),
	}
	if e.fatal == nil {
		e.fatal = err
	}
	e.recordDivergence(Tally{Verdict: verdict, Reference: reference, Minority: minority}, true, err.Dumps)
	e.logger.Error("unrecoverable divergence",
		"round", e.round.Seq,
		"verdict", string(verdict),
		"minority", minority,
	)
	e.wait.Broadcast()
	return e.fatal
}

// dumps captures every replica's state in id order.
func (e *Engine) dumps() []record.ReplicaDump {
	out := make([]record.ReplicaDump, len(e.replicas))
	for i, r := range e.replicas {
		out[i] = r.State.Dump(r.ID, r.Suspended())
	}
	return out
}

func (e *Engine) recordDivergence(t Tally, fatal bool, dumps []record.ReplicaDump) {
	e.journal.RecordDivergence(record.Divergence{
		GroupID:   e.groupID,
		Seq:       e.round.Seq,
		Verdict:   t.Verdict,
		Reference: t.Reference,
		Minority:  t.Minority,
		Fatal:     fatal,
		Dumps:     dumps,
	})
}

// registerMemory is the fallback Memory: it compares and copies vCPU state
// only, for groups without a memory collaborator.
type registerMemory struct{}

func (registerMemory) Checksum(r *replica.Replica) uint64 {
	return r.State.Checksum()
}

func (registerMemory) CopyState(src, dst *replica.Replica) error {
	dst.State.CopyFrom(&src.State)
	return nil
}
