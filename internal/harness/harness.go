package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/lockstep/internal/group"
	"github.com/roach88/lockstep/internal/record"
	"github.com/roach88/lockstep/internal/redundancy"
	"github.com/roach88/lockstep/internal/sim"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/vcpu"
)

// DefaultTimeout bounds one scenario run in wall-clock time. Simulated
// time is unbounded; this only catches programs that wait forever.
const DefaultTimeout = 30 * time.Second

// Option configures a scenario run.
type Option func(*runOptions)

type runOptions struct {
	logger  *slog.Logger
	timeout time.Duration
}

// WithLogger sets the logger handed to the group. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(o *runOptions) {
		o.logger = l
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *runOptions) {
		o.timeout = d
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
//  1. Build the configuration, program and simulated machine
//  2. Assemble the group with a store-backed journal and a console
//  3. Queue deliveries and run the group to exit or divergence
//  4. Read the trace back from the journal and evaluate assertions
//
// An unrecoverable divergence is an outcome, not an error: Run returns an
// error only when the scenario could not be executed.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	o := runOptions{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := scenario.GroupConfig()
	if err != nil {
		return nil, err
	}
	prog, err := scenario.LoadProgram()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Memory)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	machineOpts := []sim.MachineOption{
		sim.WithFlips(scenario.Flips...),
		sim.WithStalls(scenario.Stalls...),
		sim.WithUnsafeBreakpoints(scenario.UnsafeBreakpoints...),
	}
	if scenario.TaskID != 0 {
		machineOpts = append(machineOpts, sim.WithTaskID(scenario.TaskID))
	}
	m := sim.NewMachine(prog, cfg.Replicas, machineOpts...)
	console := sim.NewConsole()
	journal := store.NewJournal(st, store.WithJournalLogger(o.logger))

	g, err := group.New(cfg, group.Deps{
		Control:  m,
		Memory:   m,
		Loader:   m,
		Handlers: m.Handlers(),
		Endpoint: console,
		Journal:  journal,
	},
		group.WithLogger(o.logger),
		group.WithIDGenerator(group.NewFixedGenerator(scenario.groupID())),
		group.WithInboxSize(len(scenario.Deliveries)),
	)
	if err != nil {
		journal.Close()
		return nil, err
	}

	ctx := context.Background()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := st.WriteGroup(ctx, store.Group{
		ID:       g.ID(),
		Replicas: cfg.Replicas,
		Config:   cfgJSON,
		Program:  prog.Name,
	}); err != nil {
		journal.Close()
		return nil, err
	}

	for _, words := range scenario.Deliveries {
		var msg vcpu.MessageBuffer
		copy(msg[:], words)
		if err := g.Deliver(msg); err != nil {
			journal.Close()
			return nil, fmt.Errorf("deliver: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	runErr := g.Run(runCtx)
	cancel()

	if err := journal.Close(); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	result := NewResult()
	result.GroupID = g.ID()
	result.Outcome = OutcomeExited
	if runErr != nil {
		de, ok := redundancy.AsDivergence(runErr)
		if !ok {
			return nil, fmt.Errorf("run %s: %w", scenario.Name, runErr)
		}
		result.Outcome = OutcomeDiverged
		result.Verdict = de.Verdict
	}

	if err := collect(ctx, st, g, m, console, result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// collect fills result from the journal and the final machine state.
func collect(ctx context.Context, st *store.Store, g *group.Group, m *sim.Machine, console *sim.Console, result *Result) error {
	rounds, err := st.ReadRounds(ctx, g.ID())
	if err != nil {
		return err
	}
	for _, r := range rounds {
		result.AddRound(r)
	}

	divs, err := st.ReadDivergences(ctx, g.ID())
	if err != nil {
		return err
	}
	result.Divergences = divs
	result.Writes = append(result.Writes, console.Writes()...)

	for _, r := range g.Replicas() {
		result.Replicas = append(result.Replicas, ReplicaState{
			ID:        r.ID,
			Checksum:  record.Hex(m.Checksum(r)),
			Suspended: r.Suspended(),
			Registers: r.State.RegisterMap(),
		})
	}
	return nil
}

// RunFile loads and runs a scenario file.
func RunFile(path string, opts ...Option) (*Scenario, *Result, error) {
	s, err := LoadScenario(path)
	if err != nil {
		return nil, nil, err
	}
	res, err := Run(s, opts...)
	if err != nil {
		return s, nil, err
	}
	return s, res, nil
}
