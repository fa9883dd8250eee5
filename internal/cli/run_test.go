package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/store"
)

func TestRunMissingProgramFlag(t *testing.T) {
	_, err := runWithID(t, "text", "g")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "program")
}

func TestRunNonExistentProgram(t *testing.T) {
	_, err := runWithID(t, "text", "g", "--program", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load program")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "echo.yaml", echoProgram)
	cfg := writeFile(t, dir, "group.yaml", "replicas: 2\nmin_replicas: 3\n")

	_, err := runWithID(t, "text", "g", "--config", cfg, "--program", prog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunExits(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "echo.yaml", echoProgram)

	out, err := runWithID(t, "text", "run-1", "--program", prog)
	require.NoError(t, err)
	assert.Contains(t, out, "Group: run-1")
	assert.Contains(t, out, "write 0x0000000000000007")
	assert.Contains(t, out, "✓ exited after 3 rounds")
}

func TestRunJSON(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "echo.yaml", echoProgram)

	out, err := runWithID(t, "json", "run-json", "--program", prog)
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-json", resp.Data.GroupID)
	assert.Equal(t, "exited", resp.Data.Outcome)
	assert.Equal(t, []string{"0x0000000000000007"}, resp.Data.Writes)
}

func TestRunJournalsRounds(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "echo.yaml", echoProgram)
	dbPath := filepath.Join(dir, "journal.db")

	_, err := runWithID(t, "text", "journaled", "--program", prog, "--db", dbPath)
	require.NoError(t, err)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	g, err := st.ReadGroup(context.Background(), "journaled")
	require.NoError(t, err)
	assert.Equal(t, "echo", g.Program)
	assert.Equal(t, 3, g.Replicas)

	rounds, err := st.ReadRounds(context.Background(), "journaled")
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	assert.Equal(t, "syscall:0x1", rounds[0].Trap)
	assert.Equal(t, "exit", rounds[2].Trap)
}

func TestRunJournalFromConfig(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "echo.yaml", echoProgram)
	dbPath := filepath.Join(dir, "from-config.db")
	cfg := writeFile(t, dir, "group.yaml", "journal: "+dbPath+"\n")

	_, err := runWithID(t, "text", "cfg-journal", "--config", cfg, "--program", prog)
	require.NoError(t, err)

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	last, err := st.LastSeq(context.Background(), "cfg-journal")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestRunDivergenceExitCode(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "recover.yaml", divergentProgram)
	cfg := writeFile(t, dir, "group.yaml", "replicas: 2\n")

	out, err := runWithID(t, "text", "pair", "--config", cfg, "--program", prog, "--flip", "1:1:r3:4")
	require.Error(t, err)
	assert.Equal(t, ExitDivergence, GetExitCode(err))
	assert.Contains(t, out, "✗ unrecoverable divergence in round 1: insufficient")
	assert.Contains(t, out, "replica 0 (active)")
	assert.Contains(t, out, "replica 1 (active)")
	assert.Contains(t, out, "r3=0x0000000000000015")
}

func TestRunMajorityRecoveryExits(t *testing.T) {
	dir := t.TempDir()
	prog := writeFile(t, dir, "recover.yaml", divergentProgram)

	out, err := runWithID(t, "text", "trio", "--program", prog, "--flip", "2:1:r3:4")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ exited after 2 rounds")
}

func TestParseFlip(t *testing.T) {
	f, err := parseFlip("2:0x3:r1:63")
	require.NoError(t, err)
	assert.Equal(t, 2, f.Replica)
	assert.Equal(t, uint64(3), f.At)
	assert.Equal(t, "r1", f.Reg)
	assert.Equal(t, uint(63), f.Bit)

	for _, bad := range []string{"", "1:2:r3", "x:1:r3:4", "1:y:r3:4", "1:1:r3:64"} {
		_, err := parseFlip(bad)
		assert.Error(t, err, bad)
	}
}
