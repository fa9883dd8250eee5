package vcpu

import "fmt"

// Cause identifies why a vCPU stopped.
type Cause int

const (
	CauseNone Cause = iota
	CauseSyscall
	CausePageFault
	CauseException
	CauseTimer
	// CauseWatchdog is raised when a replica's watchdog timeout expires
	// before it reaches a rendezvous. It is never a program trap.
	CauseWatchdog
	CauseBreakpoint
	CauseStep
	CauseExit
)

var causeNames = map[Cause]string{
	CauseNone:       "none",
	CauseSyscall:    "syscall",
	CausePageFault:  "page-fault",
	CauseException:  "exception",
	CauseTimer:      "timer",
	CauseWatchdog:   "watchdog",
	CauseBreakpoint: "breakpoint",
	CauseStep:       "step",
	CauseExit:       "exit",
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// Trap is the cause of the last vCPU exit plus a cause-specific code:
// the syscall number, the faulting address or the exception vector.
type Trap struct {
	Cause Cause
	Code  uint64
}

// IsWatchdog reports whether the trap came from the watchdog timer rather
// than from the program.
func (t Trap) IsWatchdog() bool {
	return t.Cause == CauseWatchdog
}

func (t Trap) String() string {
	switch t.Cause {
	case CauseNone, CauseWatchdog, CauseStep, CauseExit:
		return t.Cause.String()
	}
	return fmt.Sprintf("%s:%#x", t.Cause, t.Code)
}
