package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/record"
)

func TestReadRounds_SeqOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, seq := range []int64{3, 1, 2} {
		_, err := s.WriteRound(ctx, createTestRound("g1", seq))
		require.NoError(t, err)
	}
	_, err := s.WriteRound(ctx, createTestRound("g2", 1))
	require.NoError(t, err)

	rounds, err := s.ReadRounds(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	for i, r := range rounds {
		assert.Equal(t, int64(i+1), r.Seq)
	}

	last, err := s.LastSeq(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestReadRounds_Empty(t *testing.T) {
	s := createTestStore(t)

	rounds, err := s.ReadRounds(context.Background(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, rounds)
	assert.Empty(t, rounds)

	last, err := s.LastSeq(context.Background(), "missing")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestReadRounds_Fields(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := createTestRound("g1", 7)
	r.Recovered = true
	r.CatchUp = true
	r.Suspended = []int{2}
	r.Restored = []int{0, 1}
	_, err := s.WriteRound(ctx, r)
	require.NoError(t, err)

	rounds, err := s.ReadRounds(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, r, rounds[0])
}

func TestReadDivergences(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	spurious := record.Divergence{
		GroupID:   "g1",
		Seq:       2,
		Verdict:   record.VerdictAllEqual,
		Reference: 0,
	}
	fatal := createTestDivergence("g1", 5, 3)

	_, err := s.WriteDivergence(ctx, fatal)
	require.NoError(t, err)
	_, err = s.WriteDivergence(ctx, spurious)
	require.NoError(t, err)

	divs, err := s.ReadDivergences(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, divs, 2)

	assert.Equal(t, spurious, divs[0])
	assert.Equal(t, fatal, divs[1])
}

func TestReadGroup_Missing(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadGroup(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListGroups(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.WriteGroup(ctx, Group{ID: id, Replicas: 2}))
	}

	ids, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}
