package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/group"
)

const echoProgram = `name: echo
code:
  - syscall getid
  - set r1 7
  - syscall write
  - exit
`

const divergentProgram = `name: recover
code:
  - set r3 5
  - syscall getid
  - exit
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs cmd with args and returns combined output.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// runWithID runs the run command with a fixed group id.
func runWithID(t *testing.T, format, id string, args ...string) (string, error) {
	t.Helper()
	opts := &RunOptions{
		RootOptions: &RootOptions{Format: format},
		IDGenerator: group.NewFixedGenerator(id),
	}
	return execute(newRunCommand(opts), args...)
}
