package redundancy

import "github.com/roach88/lockstep/internal/record"

// Journal receives a record of every completed round and every divergence.
// Implementations must not block: the engine calls them on the rendezvous
// path, sometimes with the round lock held.
type Journal interface {
	RecordRound(record.Round)
	RecordDivergence(record.Divergence)
}

type nopJournal struct{}

func (nopJournal) RecordRound(record.Round)           {}
func (nopJournal) RecordDivergence(record.Divergence) {}
