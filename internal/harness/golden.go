package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lockstep/internal/record"
)

// TraceSnapshot is the deterministic part of a scenario run.
type TraceSnapshot struct {
	ScenarioName string
	Outcome      string
	Verdict      record.Verdict
	Trace        []TraceEvent
	Divergences  []record.Divergence
	Writes       []uint64
}

// NewSnapshot builds the snapshot of result.
func NewSnapshot(name string, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: name,
		Outcome:      result.Outcome,
		Verdict:      result.Verdict,
		Trace:        result.Trace,
		Divergences:  result.Divergences,
		Writes:       result.Writes,
	}
}

// Canonical converts the snapshot to a map for canonical JSON.
// Dumps, leaders and checksums are left out: they depend on which replica
// arrived last.
func (s TraceSnapshot) Canonical() map[string]any {
	rounds := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":         ev.Seq,
			"trap":        ev.Trap,
			"disposition": ev.Disposition,
			"recovered":   ev.Recovered,
			"catch_up":    ev.CatchUp,
		}
		if len(ev.Suspended) > 0 {
			m["suspended"] = ev.Suspended
		}
		if len(ev.Restored) > 0 {
			m["restored"] = ev.Restored
		}
		rounds[i] = m
	}

	divs := make([]any, len(s.Divergences))
	for i, d := range s.Divergences {
		m := map[string]any{
			"seq":       d.Seq,
			"verdict":   string(d.Verdict),
			"reference": d.Reference,
			"fatal":     d.Fatal,
		}
		if len(d.Minority) > 0 {
			m["minority"] = d.Minority
		}
		divs[i] = m
	}

	writes := make([]string, len(s.Writes))
	for i, w := range s.Writes {
		writes[i] = record.Hex(w)
	}

	out := map[string]any{
		"scenario_name": s.ScenarioName,
		"outcome":       s.Outcome,
		"rounds":        rounds,
		"divergences":   divs,
		"writes":        writes,
	}
	if s.Verdict != "" {
		out["verdict"] = string(s.Verdict)
	}
	return out
}

// Marshal returns the snapshot as canonical JSON.
func (s TraceSnapshot) Marshal() ([]byte, error) {
	return record.MarshalCanonical(s.Canonical())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares result's snapshot against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := NewSnapshot(scenarioName, result).Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
