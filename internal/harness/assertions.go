package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/lockstep/internal/record"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.Trap, ev.Disposition)
			if ev.Recovered {
				buf.WriteString(" recovered")
			}
			if ev.CatchUp {
				buf.WriteString(" catch-up")
			}
			if len(ev.Suspended) > 0 {
				fmt.Fprintf(&buf, " suspended=%v", ev.Suspended)
			}
			if len(ev.Restored) > 0 {
				fmt.Fprintf(&buf, " restored=%v", ev.Restored)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

func assertRoundCount(r *Result, a Assertion) error {
	if len(r.Trace) != a.Count {
		return &AssertionError{
			Type:     AssertRoundCount,
			Expected: fmt.Sprintf("%d rounds", a.Count),
			Actual:   fmt.Sprintf("%d rounds", len(r.Trace)),
			Trace:    r.Trace,
		}
	}
	return nil
}

func assertDisposition(r *Result, a Assertion) error {
	ev, ok := r.Round(a.Round)
	if !ok {
		return &AssertionError{
			Type:     AssertDisposition,
			Expected: fmt.Sprintf("round %d %s", a.Round, a.Disposition),
			Actual:   "round not found in trace",
			Trace:    r.Trace,
		}
	}
	if ev.Disposition != a.Disposition {
		return &AssertionError{
			Type:     AssertDisposition,
			Expected: fmt.Sprintf("round %d %s", a.Round, a.Disposition),
			Actual:   fmt.Sprintf("round %d %s", a.Round, ev.Disposition),
			Trace:    r.Trace,
		}
	}
	return nil
}

// assertRecovered checks round a.Round recovered, or any round when no
// round is given.
func assertRecovered(r *Result, a Assertion) error {
	for _, ev := range r.Trace {
		if (a.Round == 0 || ev.Seq == a.Round) && ev.Recovered {
			return nil
		}
	}
	expected := "a recovered round"
	if a.Round != 0 {
		expected = fmt.Sprintf("round %d recovered", a.Round)
	}
	return &AssertionError{
		Type:     AssertRecovered,
		Expected: expected,
		Actual:   "no matching recovered round",
		Trace:    r.Trace,
	}
}

func assertSuspended(r *Result, a Assertion) error {
	for _, ev := range r.Trace {
		if (a.Round == 0 || ev.Seq == a.Round) && slices.Contains(ev.Suspended, a.Replica) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertSuspended,
		Expected: fmt.Sprintf("replica %d suspended", a.Replica),
		Actual:   "not suspended in any matching round",
		Trace:    r.Trace,
	}
}

func assertWrites(r *Result, a Assertion) error {
	want := a.Values
	if want == nil {
		want = []uint64{}
	}
	if !slices.Equal(r.Writes, want) {
		return &AssertionError{
			Type:     AssertWrites,
			Expected: fmt.Sprintf("writes %v", want),
			Actual:   fmt.Sprintf("writes %v", r.Writes),
		}
	}
	return nil
}

func assertDiverged(r *Result, a Assertion) error {
	if r.Outcome != OutcomeDiverged {
		return &AssertionError{
			Type:     AssertDiverged,
			Expected: "unrecoverable divergence",
			Actual:   r.Outcome,
			Trace:    r.Trace,
		}
	}
	if a.Verdict != "" && r.Verdict != record.Verdict(a.Verdict) {
		return &AssertionError{
			Type:     AssertDiverged,
			Expected: fmt.Sprintf("verdict %s", a.Verdict),
			Actual:   fmt.Sprintf("verdict %s", r.Verdict),
			Trace:    r.Trace,
		}
	}
	return nil
}

// assertConverged checks the group exited cleanly with every active
// replica in the same state.
func assertConverged(r *Result, _ Assertion) error {
	if r.Outcome != OutcomeExited {
		return &AssertionError{
			Type:     AssertConverged,
			Expected: OutcomeExited,
			Actual:   fmt.Sprintf("%s (%s)", r.Outcome, r.Verdict),
			Trace:    r.Trace,
		}
	}
	var ref *ReplicaState
	for i := range r.Replicas {
		rs := &r.Replicas[i]
		if rs.Suspended {
			continue
		}
		if ref == nil {
			ref = rs
			continue
		}
		if rs.Checksum != ref.Checksum {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("replica %d checksum %s", rs.ID, ref.Checksum),
				Actual:   fmt.Sprintf("replica %d checksum %s", rs.ID, rs.Checksum),
				Trace:    r.Trace,
			}
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertRoundCount:
			err = assertRoundCount(result, a)
		case AssertDisposition:
			err = assertDisposition(result, a)
		case AssertRecovered:
			err = assertRecovered(result, a)
		case AssertSuspended:
			err = assertSuspended(result, a)
		case AssertWrites:
			err = assertWrites(result, a)
		case AssertDiverged:
			err = assertDiverged(result, a)
		case AssertConverged:
			err = assertConverged(result, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
