package harness

import "github.com/roach88/lockstep/internal/record"

// Outcome names how a scenario run ended.
const (
	OutcomeExited   = "exited"
	OutcomeDiverged = "diverged"
)

// TraceEvent is one journaled round as seen by assertions and golden files.
type TraceEvent struct {
	Seq         int64  `json:"seq"`
	Trap        string `json:"trap"`
	Disposition string `json:"disposition"`
	Recovered   bool   `json:"recovered"`
	CatchUp     bool   `json:"catch_up"`
	Suspended   []int  `json:"suspended,omitempty"`
	Restored    []int  `json:"restored,omitempty"`
}

// ReplicaState is the final state of one replica.
type ReplicaState struct {
	ID        int               `json:"id"`
	Checksum  string            `json:"checksum"`
	Suspended bool              `json:"suspended"`
	Registers map[string]string `json:"registers"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every assertion held.
	Pass bool `json:"pass"`

	GroupID string `json:"group_id"`

	// Outcome is OutcomeExited or OutcomeDiverged.
	Outcome string `json:"outcome"`

	// Verdict is set when the group diverged.
	Verdict record.Verdict `json:"verdict,omitempty"`

	// Trace contains every completed round in seq order.
	Trace []TraceEvent `json:"trace"`

	// Divergences contains every journaled divergence, fatal or not.
	Divergences []record.Divergence `json:"divergences"`

	// Writes are the values the console received, in order.
	Writes []uint64 `json:"writes"`

	// Replicas are the final replica states in id order.
	Replicas []ReplicaState `json:"replicas"`

	// Errors contains assertion failure messages.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:        true,
		Trace:       []TraceEvent{},
		Divergences: []record.Divergence{},
		Writes:      []uint64{},
		Errors:      []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddRound appends a journaled round to the trace.
func (r *Result) AddRound(rec record.Round) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:         rec.Seq,
		Trap:        rec.Trap,
		Disposition: rec.Disposition,
		Recovered:   rec.Recovered,
		CatchUp:     rec.CatchUp,
		Suspended:   rec.Suspended,
		Restored:    rec.Restored,
	})
}

// Round returns the trace event of round seq.
func (r *Result) Round(seq int64) (TraceEvent, bool) {
	for _, ev := range r.Trace {
		if ev.Seq == seq {
			return ev, true
		}
	}
	return TraceEvent{}, false
}
