// Command lockstep runs programs on redundant replica groups, replays
// scenarios and inspects group journals.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/lockstep/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
