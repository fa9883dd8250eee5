package redundancy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/record"
)

func ballots(sums ...uint64) []Vote {
	out := make([]Vote, len(sums))
	for i, s := range sums {
		out[i] = Vote{ID: i, Checksum: s, IP: 0x1000}
	}
	return out
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		votes    []Vote
		policy   VotePolicy
		verdict  record.Verdict
		ref      int
		minority []int
	}{
		{"all equal", ballots(1, 1, 1), LowestID{}, record.VerdictAllEqual, 0, nil},
		{"single outlier", ballots(1, 2, 1), LowestID{}, record.VerdictMajority, 0, []int{1}},
		{"single outlier highest", ballots(1, 2, 1), HighestID{}, record.VerdictMajority, 2, []int{1}},
		{"outlier first", ballots(9, 1, 1), LowestID{}, record.VerdictMajority, 1, []int{0}},
		{"all differ", ballots(1, 2, 3), LowestID{}, record.VerdictAllDiffer, -1, nil},
		{"five with two outliers", ballots(4, 4, 5, 4, 6), LowestID{}, record.VerdictMajority, 0, []int{2, 4}},
		{"even split has no majority", ballots(1, 1, 2, 2), LowestID{}, record.VerdictAllDiffer, -1, nil},
		{
			name: "ip disagreement counts",
			votes: []Vote{
				{ID: 0, Checksum: 1, IP: 0x10},
				{ID: 1, Checksum: 1, IP: 0x10},
				{ID: 2, Checksum: 1, IP: 0x20},
			},
			policy:   HighestID{},
			verdict:  record.VerdictMajority,
			ref:      1,
			minority: []int{2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Classify(tt.votes)
			assert.Equal(t, tt.verdict, got.Verdict)
			assert.Equal(t, tt.ref, got.Reference)
			assert.Equal(t, tt.minority, got.Minority)
		})
	}
}

func TestNewVotePolicy(t *testing.T) {
	p, err := NewVotePolicy("")
	require.NoError(t, err)
	assert.IsType(t, LowestID{}, p)

	p, err = NewVotePolicy(VoteHighestID)
	require.NoError(t, err)
	assert.IsType(t, HighestID{}, p)

	_, err = NewVotePolicy("random")
	assert.ErrorContains(t, err, `unknown vote policy "random"`)
}

func TestNewWaitStrategy(t *testing.T) {
	w, err := NewWaitStrategy(WaitBlock)
	require.NoError(t, err)
	assert.IsType(t, &BlockingWait{}, w)

	w, err = NewWaitStrategy(WaitSpin)
	require.NoError(t, err)
	assert.IsType(t, &SpinWait{}, w)

	_, err = NewWaitStrategy("yield")
	assert.Error(t, err)
}

func TestDisposition_String(t *testing.T) {
	assert.Equal(t, "lead", Lead.String())
	assert.Equal(t, "repeat", Repeat.String())
	assert.Equal(t, "skip", Skip.String())
	assert.Equal(t, "resync", Resync.String())
	assert.Equal(t, "invalid", Invalid.String())
}

func TestClock(t *testing.T) {
	c := NewClock()
	assert.Equal(t, int64(0), c.Current())
	assert.Equal(t, int64(1), c.Next())
	assert.Equal(t, int64(2), c.Next())

	c = NewClockAt(10)
	assert.Equal(t, int64(11), c.Next())
	assert.Equal(t, int64(11), c.Current())
}
