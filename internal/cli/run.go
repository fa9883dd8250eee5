package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/group"
	"github.com/roach88/lockstep/internal/record"
	"github.com/roach88/lockstep/internal/redundancy"
	"github.com/roach88/lockstep/internal/sim"
	"github.com/roach88/lockstep/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config   string
	Program  string
	Database string
	TaskID   uint64
	Flips    []string

	// IDGenerator allows overriding the group id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator group.IDGenerator
}

// RunResult is the outcome of one group run.
type RunResult struct {
	GroupID    string             `json:"group_id"`
	Outcome    string             `json:"outcome"`
	Rounds     int64              `json:"rounds"`
	Writes     []string           `json:"writes"`
	Divergence *record.Divergence `json:"divergence,omitempty"`
	Journal    string             `json:"journal,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a program on a replica group",
		Long: `Run a program on a simulated replica group until every replica exits
or an unrecoverable divergence halts the group.

Rounds and divergences are journaled to a SQLite database when --db (or
the journal key of the configuration) is set.

Exit codes:
  0 - All replicas exited
  2 - Command error (unreadable config or program, database error)
  3 - Unrecoverable divergence; per-replica diagnostics are printed

Example:
  lockstep run --program ./echo.yaml
  lockstep run --config ./group.yaml --program ./echo.yaml --db ./journal.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroup(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to group configuration (default: built-in defaults)")
	cmd.Flags().StringVar(&opts.Program, "program", "", "path to program YAML (required)")
	_ = cmd.MarkFlagRequired("program")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (overrides the journal key)")
	cmd.Flags().Uint64Var(&opts.TaskID, "task-id", 0, "value returned by the getid syscall")
	cmd.Flags().StringArrayVar(&opts.Flips, "flip", nil, "inject a bit flip as replica:index:reg:bit (repeatable)")

	return cmd
}

func runGroup(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}

	prog, err := sim.LoadProgram(opts.Program)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load program", err)
	}

	machineOpts := []sim.MachineOption{}
	for _, spec := range opts.Flips {
		f, err := parseFlip(spec)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --flip", err)
		}
		machineOpts = append(machineOpts, sim.WithFlips(f))
	}
	if opts.TaskID != 0 {
		machineOpts = append(machineOpts, sim.WithTaskID(opts.TaskID))
	}
	m := sim.NewMachine(prog, cfg.Replicas, machineOpts...)
	console := sim.NewConsole()
	defer console.Close()

	ids := opts.IDGenerator
	if ids == nil {
		ids = group.UUIDv7Generator{}
	}
	deps := group.Deps{
		Control:  m,
		Memory:   m,
		Loader:   m,
		Handlers: m.Handlers(),
		Endpoint: console,
	}

	dbPath := opts.Database
	if dbPath == "" {
		dbPath = cfg.Journal
	}

	// The group id is needed before the journal can record the group, so
	// the journal is attached through a late-bound wrapper.
	jw := &journalSlot{}
	if dbPath != "" {
		deps.Journal = jw
	}

	g, err := group.New(cfg, deps, group.WithLogger(logger), group.WithIDGenerator(ids))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid group", err)
	}

	if dbPath != "" {
		logger.Info("opening journal", "path", dbPath)
		st, err := store.Open(dbPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()

		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to encode config", err)
		}
		if err := st.WriteGroup(cmd.Context(), store.Group{
			ID:       g.ID(),
			Replicas: cfg.Replicas,
			Config:   cfgJSON,
			Program:  prog.Name,
		}); err != nil {
			return WrapExitError(ExitCommandError, "failed to record group", err)
		}
		jw.j = store.NewJournal(st, store.WithJournalLogger(logger))
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping group", "signal", sig)
			g.Stop()
		case <-ctx.Done():
		}
	}()

	runErr := g.Run(ctx)

	if jw.j != nil {
		if err := jw.j.Close(); err != nil {
			logger.Error("journal incomplete", "error", err)
		}
	}

	result := RunResult{
		GroupID: g.ID(),
		Outcome: "exited",
		Rounds:  g.Engine().Round() - 1,
		Writes:  hexWords(console.Writes()),
		Journal: dbPath,
	}

	if runErr != nil {
		de, ok := redundancy.AsDivergence(runErr)
		if !ok {
			return WrapExitError(ExitFailure, "group error", runErr)
		}
		result.Outcome = "diverged"
		result.Divergence = &record.Divergence{
			GroupID:   g.ID(),
			Seq:       de.Seq,
			Verdict:   de.Verdict,
			Reference: de.Reference,
			Minority:  de.Minority,
			Fatal:     true,
			Dumps:     de.Dumps,
		}
		if err := outputRun(cmd, opts, result); err != nil {
			return err
		}
		return WrapExitError(ExitDivergence, "unrecoverable divergence", runErr)
	}

	return outputRun(cmd, opts, result)
}

// journalSlot forwards to a journal attached after the group is built.
type journalSlot struct {
	j *store.Journal
}

func (s *journalSlot) RecordRound(r record.Round) {
	if s.j != nil {
		s.j.RecordRound(r)
	}
}

func (s *journalSlot) RecordDivergence(d record.Divergence) {
	if s.j != nil {
		s.j.RecordDivergence(d)
	}
}

func outputRun(cmd *cobra.Command, opts *RunOptions, result RunResult) error {
	w := cmd.OutOrStdout()

	if opts.Format == "json" {
		response := CLIResponse{Status: "ok", Data: result, GroupID: result.GroupID}
		if result.Divergence != nil {
			response.Status = "error"
			response.Error = &CLIError{
				Code:    "E_DIVERGED",
				Message: fmt.Sprintf("unrecoverable divergence in round %d: %s", result.Divergence.Seq, result.Divergence.Verdict),
			}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	}

	fmt.Fprintf(w, "Group: %s\n", result.GroupID)
	for _, v := range result.Writes {
		fmt.Fprintf(w, "write %s\n", v)
	}
	if result.Divergence == nil {
		fmt.Fprintf(w, "✓ exited after %d rounds\n", result.Rounds)
		return nil
	}

	d := result.Divergence
	fmt.Fprintf(w, "✗ unrecoverable divergence in round %d: %s\n", d.Seq, d.Verdict)
	if d.Reference >= 0 {
		fmt.Fprintf(w, "  reference: replica %d, minority: %v\n", d.Reference, d.Minority)
	}
	writeDumps(w, d.Dumps)
	return nil
}

// writeDumps prints one block per replica: checksum, trap and registers.
func writeDumps(w io.Writer, dumps []record.ReplicaDump) {
	for _, dump := range dumps {
		state := "active"
		if dump.Suspended {
			state = "suspended"
		}
		fmt.Fprintf(w, "  replica %d (%s) checksum=%s trap=%s\n", dump.ReplicaID, state, dump.Checksum, dump.Trap)
		fmt.Fprintf(w, "    %s\n", formatRegisters(dump.Registers))
	}
}

// parseFlip parses replica:index:reg:bit.
func parseFlip(spec string) (sim.Flip, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 4 {
		return sim.Flip{}, fmt.Errorf("%q: want replica:index:reg:bit", spec)
	}
	replicaID, err := strconv.Atoi(parts[0])
	if err != nil {
		return sim.Flip{}, fmt.Errorf("%q: replica: %w", spec, err)
	}
	at, err := strconv.ParseUint(parts[1], 0, 64)
	if err != nil {
		return sim.Flip{}, fmt.Errorf("%q: index: %w", spec, err)
	}
	bit, err := strconv.ParseUint(parts[3], 10, 6)
	if err != nil {
		return sim.Flip{}, fmt.Errorf("%q: bit: %w", spec, err)
	}
	return sim.Flip{Replica: replicaID, At: at, Reg: parts[2], Bit: uint(bit), Count: 1}, nil
}

func hexWords(words []uint64) []string {
	out := make([]string, len(words))
	for i, v := range words {
		out[i] = record.Hex(v)
	}
	return out
}

// newLogger configures a text handler on w, debug level when verbose.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}
