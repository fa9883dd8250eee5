package redundancy

import (
	"fmt"

	"github.com/roach88/lockstep/internal/record"
)

// Vote is one replica's ballot: its collaborator checksum and its IP.
type Vote struct {
	ID       int
	Checksum uint64
	IP       uint64
}

func (v Vote) agrees(o Vote) bool {
	return v.Checksum == o.Checksum && v.IP == o.IP
}

// Tally is the classification of a set of votes.
type Tally struct {
	Verdict   record.Verdict
	Reference int
	Minority  []int
}

// VotePolicy classifies votes and picks the replica whose state is trusted.
//
// Equality is counted pairwise, so a policy still produces an answer when
// agreement is not transitive. The policy only decides which of several
// eligible majority members becomes the reference.
type VotePolicy interface {
	Classify(votes []Vote) Tally
}

// Vote policy names accepted by NewVotePolicy.
const (
	VoteLowestID  = "lowest-id"
	VoteHighestID = "highest-id"
)

// NewVotePolicy returns the policy registered under name.
func NewVotePolicy(name string) (VotePolicy, error) {
	switch name {
	case "", VoteLowestID:
		return LowestID{}, nil
	case VoteHighestID:
		return HighestID{}, nil
	default:
		return nil, fmt.Errorf("unknown vote policy %q", name)
	}
}

// LowestID trusts the majority member with the lowest replica id.
type LowestID struct{}

func (LowestID) Classify(votes []Vote) Tally {
	return classify(votes, func(eligible []int) int { return eligible[0] })
}

// HighestID trusts the majority member with the highest replica id.
type HighestID struct{}

func (HighestID) Classify(votes []Vote) Tally {
	return classify(votes, func(eligible []int) int { return eligible[len(eligible)-1] })
}

// classify counts pairwise agreement. votes must be in id order; pick
// receives the eligible reference indices in that order.
func classify(votes []Vote, pick func(eligible []int) int) Tally {
	n := len(votes)
	agree := make([]int, n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if votes[i].agrees(votes[j]) {
				agree[i]++
				agree[j]++
			}
		}
	}

	all := true
	var eligible []int
	for i, a := range agree {
		if a != n-1 {
			all = false
		}
		// A member of a strict majority agrees with more than half the
		// other ballots, counting its own.
		if 2*(a+1) > n {
			eligible = append(eligible, i)
		}
	}
	if all {
		return Tally{Verdict: record.VerdictAllEqual, Reference: votes[0].ID}
	}
	if len(eligible) == 0 {
		return Tally{Verdict: record.VerdictAllDiffer, Reference: -1}
	}

	ref := votes[pick(eligible)]
	tally := Tally{Verdict: record.VerdictMajority, Reference: ref.ID}
	for _, v := range votes {
		if !v.agrees(ref) {
			tally.Minority = append(tally.Minority, v.ID)
		}
	}
	return tally
}
