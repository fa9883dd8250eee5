// Package testutil holds deterministic helpers shared by package tests.
package testutil

import (
	"sync"

	"github.com/roach88/lockstep/internal/record"
)

// Journal collects round and divergence records in memory.
//
// Thread-safety: all methods are safe for concurrent use; the engine
// records from whichever replica goroutine finishes a round.
type Journal struct {
	mu          sync.Mutex
	rounds      []record.Round
	divergences []record.Divergence
}

// RecordRound appends r.
func (j *Journal) RecordRound(r record.Round) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rounds = append(j.rounds, r)
}

// RecordDivergence appends d.
func (j *Journal) RecordDivergence(d record.Divergence) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.divergences = append(j.divergences, d)
}

// Rounds returns a copy of the recorded rounds, in completion order.
func (j *Journal) Rounds() []record.Round {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]record.Round(nil), j.rounds...)
}

// Divergences returns a copy of the recorded divergences.
func (j *Journal) Divergences() []record.Divergence {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]record.Divergence(nil), j.divergences...)
}

// Dispositions returns the disposition of every recorded round.
func (j *Journal) Dispositions() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.rounds))
	for i, r := range j.rounds {
		out[i] = r.Disposition
	}
	return out
}
