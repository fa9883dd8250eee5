package record

// Verdict names the outcome of comparing replica states.
type Verdict string

const (
	// VerdictAllEqual means the mismatch was spurious; every pair agrees.
	VerdictAllEqual Verdict = "all-equal"

	// VerdictMajority means a minority disagreed and was overwritten.
	VerdictMajority Verdict = "majority"

	// VerdictAllDiffer means no two replicas agree.
	VerdictAllDiffer Verdict = "all-differ"

	// VerdictInsufficient means fewer than three replicas were active, so
	// no majority can exist.
	VerdictInsufficient Verdict = "insufficient"

	// VerdictPersistent means the states still differed after a majority
	// copy. Recovery is not retried.
	VerdictPersistent Verdict = "persistent"

	// VerdictCatchUpExhausted means a lagging replica could not reach the
	// leader and suspending it would leave too few replicas.
	VerdictCatchUpExhausted Verdict = "catch-up-exhausted"
)

// Round is the journal entry for one completed rendezvous.
type Round struct {
	GroupID     string `json:"group_id"`
	Seq         int64  `json:"seq"`
	Leader      int    `json:"leader"`
	Trap        string `json:"trap"`
	Disposition string `json:"disposition"`
	Checksum    string `json:"checksum"`
	Recovered   bool   `json:"recovered"`
	CatchUp     bool   `json:"catch_up"`
	Suspended   []int  `json:"suspended,omitempty"`
	Restored    []int  `json:"restored,omitempty"`
}

// Canonical returns the round as a map for canonical encoding.
func (r Round) Canonical() map[string]any {
	m := map[string]any{
		"group_id":    r.GroupID,
		"seq":         r.Seq,
		"leader":      r.Leader,
		"trap":        r.Trap,
		"disposition": r.Disposition,
		"checksum":    r.Checksum,
		"recovered":   r.Recovered,
		"catch_up":    r.CatchUp,
	}
	if len(r.Suspended) > 0 {
		m["suspended"] = r.Suspended
	}
	if len(r.Restored) > 0 {
		m["restored"] = r.Restored
	}
	return m
}

// Divergence is the journal entry for a checksum mismatch or a catch-up
// escalation.
type Divergence struct {
	GroupID   string        `json:"group_id"`
	Seq       int64         `json:"seq"`
	Verdict   Verdict       `json:"verdict"`
	Reference int           `json:"reference"`
	Minority  []int         `json:"minority,omitempty"`
	Fatal     bool          `json:"fatal"`
	Dumps     []ReplicaDump `json:"dumps,omitempty"`
}

// Canonical returns the divergence as a map for canonical encoding.
func (d Divergence) Canonical() map[string]any {
	m := map[string]any{
		"group_id":  d.GroupID,
		"seq":       d.Seq,
		"verdict":   string(d.Verdict),
		"reference": d.Reference,
		"fatal":     d.Fatal,
	}
	if len(d.Minority) > 0 {
		m["minority"] = d.Minority
	}
	if len(d.Dumps) > 0 {
		dumps := make([]any, len(d.Dumps))
		for i, dump := range d.Dumps {
			dumps[i] = dump.Canonical()
		}
		m["dumps"] = dumps
	}
	return m
}

// ReplicaDump is the diagnostic state of one replica, tagged by id.
type ReplicaDump struct {
	ReplicaID int               `json:"replica_id"`
	Checksum  string            `json:"checksum"`
	Trap      string            `json:"trap"`
	Suspended bool              `json:"suspended"`
	Registers map[string]string `json:"registers"`
}

// Canonical returns the dump as a map for canonical encoding.
func (d ReplicaDump) Canonical() map[string]any {
	return map[string]any{
		"replica_id": d.ReplicaID,
		"checksum":   d.Checksum,
		"trap":       d.Trap,
		"suspended":  d.Suspended,
		"registers":  d.Registers,
	}
}
