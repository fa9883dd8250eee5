package watchdog

import "fmt"

// State is the watchdog's position in its life cycle.
type State int

const (
	Disabled State = iota
	Armed
	CatchingUp
	Recovering
	Synced
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Armed:
		return "armed"
	case CatchingUp:
		return "catching-up"
	case Recovering:
		return "recovering"
	case Synced:
		return "synced"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Mode selects how a lagger is driven to the catch-up target.
type Mode string

const (
	// ModeStep single-steps the lagger, up to the step budget per attempt.
	ModeStep Mode = "step"

	// ModeBreakpoint places a breakpoint at the target and resumes. It falls
	// back to ModeStep when the breakpoint cannot be placed.
	ModeBreakpoint Mode = "breakpoint"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStep, ModeBreakpoint:
		return Mode(s), nil
	case "":
		return ModeBreakpoint, nil
	}
	return "", fmt.Errorf("unknown watchdog mode %q", s)
}
