package redundancy

import (
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/record"
)

var (
	// ErrNotLeader is returned when a non-leader tries to set the round's
	// disposition.
	ErrNotLeader = errors.New("replica is not the round leader")

	// ErrAlreadyEntered is returned when a replica calls Enter twice in
	// one round.
	ErrAlreadyEntered = errors.New("replica already entered this round")

	// ErrStopped is the terminal error of an engine whose group shut down
	// cleanly. Workers treat it as a normal exit.
	ErrStopped = errors.New("replica group stopped")
)

// DivergenceError reports an unrecoverable divergence between replicas.
//
// It is terminal: the engine stores it, every blocked replica is woken
// with it, and every later Enter or Resume returns it. Dumps holds the
// diagnostic state of every replica, tagged by id.
type DivergenceError struct {
	// Seq is the round in which the divergence was detected.
	Seq int64

	// Verdict classifies why recovery was impossible.
	Verdict record.Verdict

	// Reference is the replica the vote trusted, or -1.
	Reference int

	// Minority lists the replicas that disagreed with the reference.
	Minority []int

	// Dumps contains one entry per replica in id order.
	Dumps []record.ReplicaDump
}

func (e *DivergenceError) Error() string {
	if len(e.Minority) > 0 {
		return fmt.Sprintf("unrecoverable divergence in round %d: %s (minority=%v)", e.Seq, e.Verdict, e.Minority)
	}
	return fmt.Sprintf("unrecoverable divergence in round %d: %s", e.Seq, e.Verdict)
}

// IsDivergence reports whether err is, or wraps, a *DivergenceError.
func IsDivergence(err error) bool {
	var de *DivergenceError
	return errors.As(err, &de)
}

// AsDivergence extracts the *DivergenceError from err.
func AsDivergence(err error) (*DivergenceError, bool) {
	var de *DivergenceError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
