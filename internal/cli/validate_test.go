package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Valid(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "group.yaml", "replicas: 3\nwatchdog:\n  mode: step\n")

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Config valid")
}

func TestValidate_EmptyFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "group.yaml", "# all defaults\n")

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text", Verbose: true}), cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Config valid")
	assert.Contains(t, out, "replicas=3 min_replicas=2")
}

func TestValidate_VerboseShowsSettings(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "group.yaml", "replicas: 2\n")

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text", Verbose: true}), cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "replicas=2 min_replicas=2")
}

func TestValidate_MissingFile(t *testing.T) {
	_, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), filepath.Join(t.TempDir(), "none.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidate_SemanticError(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "group.yaml", "replicas: 2\nmin_replicas: 3\n")

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), cfg)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "E202 min_replicas")
}

func TestValidate_SchemaErrorJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "group.yaml", "replicas: 3\nbogus: 1\n")

	out, err := execute(NewValidateCommand(&RootOptions{Format: "json"}), cfg)
	require.Error(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeSchema, resp.Error.Code)
}

func TestValidate_Program(t *testing.T) {
	dir := t.TempDir()
	cfg := writeFile(t, dir, "group.yaml", "replicas: 3\n")
	good := writeFile(t, dir, "good.yaml", echoProgram)
	bad := writeFile(t, dir, "bad.yaml", "name: bad\ncode:\n  - frobnicate r1\n")

	_, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), "--program", good, cfg)
	require.NoError(t, err)

	out, err := execute(NewValidateCommand(&RootOptions{Format: "text"}), "--program", bad, cfg)
	require.Error(t, err)
	assert.Contains(t, out, ErrCodeProgram)
}
