package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/record"
)

func TestWriteRound_ContentAddressed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r := createTestRound("g1", 1)
	id1, err := s.WriteRound(ctx, r)
	require.NoError(t, err)
	id2, err := s.WriteRound(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	want, err := record.RoundID(r)
	require.NoError(t, err)
	assert.Equal(t, want, id1)

	rounds, err := s.ReadRounds(ctx, "g1")
	require.NoError(t, err)
	assert.Len(t, rounds, 1)
}

func TestWriteRound_SeqUnique(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.WriteRound(ctx, createTestRound("g1", 1))
	require.NoError(t, err)

	other := createTestRound("g1", 1)
	other.Disposition = "repeat"
	_, err = s.WriteRound(ctx, other)
	assert.Error(t, err, "two different rounds cannot share a seq")
}

func TestWriteDivergence_WithDumps(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	d := createTestDivergence("g1", 4, 3)
	_, err := s.WriteDivergence(ctx, d)
	require.NoError(t, err)

	// A second write leaves exactly one set of dumps.
	_, err = s.WriteDivergence(ctx, d)
	require.NoError(t, err)

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM dumps").Scan(&n))
	assert.Equal(t, 3, n)
}

func TestWriteGroup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	g := Group{ID: "g1", Replicas: 3, Config: json.RawMessage(`{"replicas":3}`), Program: "echo"}
	require.NoError(t, s.WriteGroup(ctx, g))
	require.NoError(t, s.WriteGroup(ctx, g))

	got, err := s.ReadGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Replicas)
	assert.Equal(t, "echo", got.Program)
	assert.JSONEq(t, `{"replicas":3}`, string(got.Config))
}
