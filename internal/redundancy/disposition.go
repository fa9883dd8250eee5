package redundancy

// Disposition is the round-wide decision handed to each replica by Enter.
type Disposition int

const (
	// Invalid is returned together with an error.
	Invalid Disposition = iota

	// Lead tells the caller it is the round's leader: it runs the handler
	// chain and then calls LeaderRepeat or LeaderReplicate.
	Lead

	// Repeat tells a follower to run the handler chain itself.
	Repeat

	// Skip tells a follower its state already holds the leader's result.
	Skip

	// Resync tells every replica to resume without handling the trap.
	Resync
)

func (d Disposition) String() string {
	switch d {
	case Lead:
		return "lead"
	case Repeat:
		return "repeat"
	case Skip:
		return "skip"
	case Resync:
		return "resync"
	default:
		return "invalid"
	}
}
