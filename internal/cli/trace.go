package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/record"
	"github.com/roach88/lockstep/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	GroupID  string
}

// TraceResult holds the complete trace output of one group.
type TraceResult struct {
	GroupID     string              `json:"group_id"`
	Program     string              `json:"program,omitempty"`
	Replicas    int                 `json:"replicas"`
	Rounds      []record.Round      `json:"rounds"`
	Divergences []record.Divergence `json:"divergences"`
	Stats       TraceStats          `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	Rounds      int   `json:"rounds"`
	LastSeq     int64 `json:"last_seq"`
	Recovered   int   `json:"recovered"`
	CatchUps    int   `json:"catch_ups"`
	Resyncs     int   `json:"resyncs"`
	Suspensions int   `json:"suspensions"`
	Halted      bool  `json:"halted"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the journal of a replica group",
		Long: `Show the journaled rounds and divergences of a replica group.

Without --group, lists the groups recorded in the journal.

The output includes:
- Rounds: sequence, trap, disposition and recovery flags per round
- Divergences: verdict, reference and minority, with register dumps
  for fatal divergences under --verbose
- Stats: summary counts for the group

Examples:
  lockstep trace --db ./journal.db
  lockstep trace --db ./journal.db --group 0190...
  lockstep trace --db ./journal.db --group 0190... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.GroupID, "group", "", "group id to trace")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.GroupID == "" {
		return listGroups(ctx, st, opts, cmd)
	}

	g, err := st.ReadGroup(ctx, opts.GroupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NewExitError(ExitCommandError, fmt.Sprintf("group not found: %s", opts.GroupID))
		}
		return WrapExitError(ExitCommandError, "failed to read group", err)
	}

	rounds, err := st.ReadRounds(ctx, g.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read rounds", err)
	}
	divs, err := st.ReadDivergences(ctx, g.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read divergences", err)
	}
	last, err := st.LastSeq(ctx, g.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read last round", err)
	}

	result := TraceResult{
		GroupID:     g.ID,
		Program:     g.Program,
		Replicas:    g.Replicas,
		Rounds:      rounds,
		Divergences: divs,
		Stats:       buildStats(rounds, divs),
	}
	result.Stats.LastSeq = last

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}
	return outputTraceText(cmd.OutOrStdout(), result, opts.Verbose)
}

func listGroups(ctx context.Context, st *store.Store, opts *TraceOptions, cmd *cobra.Command) error {
	ids, err := st.ListGroups(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list groups", err)
	}
	if ids == nil {
		ids = []string{}
	}

	if opts.Format == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(CLIResponse{Status: "ok", Data: map[string]any{"groups": ids}})
	}

	w := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(w, "No groups found.")
		return nil
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

func buildStats(rounds []record.Round, divs []record.Divergence) TraceStats {
	stats := TraceStats{Rounds: len(rounds)}
	for _, r := range rounds {
		if r.Recovered {
			stats.Recovered++
		}
		if r.CatchUp {
			stats.CatchUps++
		}
		if r.Disposition == "resync" {
			stats.Resyncs++
		}
		stats.Suspensions += len(r.Suspended)
	}
	for _, d := range divs {
		if d.Fatal {
			stats.Halted = true
		}
	}
	return stats
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	response := CLIResponse{
		Status:  "ok",
		Data:    result,
		GroupID: result.GroupID,
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	fmt.Fprintf(w, "Trace for Group: %s\n", result.GroupID)
	if result.Program != "" {
		fmt.Fprintf(w, "Program: %s\n", result.Program)
	}
	fmt.Fprintf(w, "Replicas: %d\n", result.Replicas)
	fmt.Fprintf(w, "Status: %s\n", haltStatus(result.Stats.Halted))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Rounds ===")
	if len(result.Rounds) == 0 {
		fmt.Fprintln(w, "  (no rounds)")
	}
	for _, r := range result.Rounds {
		formatRound(w, r, verbose)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Divergences ===")
	if len(result.Divergences) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, d := range result.Divergences {
		fmt.Fprintf(w, "  [%d] %s", d.Seq, d.Verdict)
		if d.Reference >= 0 {
			fmt.Fprintf(w, " reference=%d minority=%v", d.Reference, d.Minority)
		}
		if d.Fatal {
			fmt.Fprint(w, " FATAL")
		}
		fmt.Fprintln(w)
		if verbose {
			writeDumps(w, d.Dumps)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Rounds:      %d\n", result.Stats.Rounds)
	fmt.Fprintf(w, "  Recovered:   %d\n", result.Stats.Recovered)
	fmt.Fprintf(w, "  Catch-ups:   %d\n", result.Stats.CatchUps)
	fmt.Fprintf(w, "  Resyncs:     %d\n", result.Stats.Resyncs)
	fmt.Fprintf(w, "  Suspensions: %d\n", result.Stats.Suspensions)

	return nil
}

// formatRound formats a single round for text output.
func formatRound(w io.Writer, r record.Round, verbose bool) {
	fmt.Fprintf(w, "  [%d] %s %s", r.Seq, r.Trap, r.Disposition)
	var flags []string
	if r.Recovered {
		flags = append(flags, "recovered")
	}
	if r.CatchUp {
		flags = append(flags, "catch-up")
	}
	if len(r.Suspended) > 0 {
		flags = append(flags, fmt.Sprintf("suspended=%v", r.Suspended))
	}
	if len(r.Restored) > 0 {
		flags = append(flags, fmt.Sprintf("restored=%v", r.Restored))
	}
	if len(flags) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(flags, ", "))
	}
	fmt.Fprintln(w)
	if verbose {
		fmt.Fprintf(w, "       leader=%d checksum=%s\n", r.Leader, r.Checksum)
	}
}

// formatRegisters formats a register map for display.
// Uses sorted keys to ensure deterministic output.
func formatRegisters(regs map[string]string) string {
	if len(regs) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(regs))
	for k := range regs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%s", k, regs[k])
	}
	return strings.Join(parts, " ")
}

func haltStatus(halted bool) string {
	if halted {
		return "Halted (unrecoverable divergence)"
	}
	return "Complete"
}
