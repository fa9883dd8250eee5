package dispatch

import "fmt"

// Outcome is a handler's verdict on a fault.
type Outcome int

const (
	// Ignored means the handler does not handle this fault; the chain
	// moves on to the next handler.
	Ignored Outcome = iota

	// Finished means the fault is handled; the vCPU resumes.
	Finished

	// FinishedWait means the fault is handled and the replica parks until
	// it is woken up.
	FinishedWait

	// FinishedStep means the fault is handled and the next slice runs in
	// single-step mode.
	FinishedStep

	// FinishedWakeup means the fault is handled and woke another replica.
	FinishedWakeup

	// Replicatable means the leader's post-handler state is valid for every
	// replica; followers copy it instead of running the chain.
	Replicatable

	// Continue means the handler changed the fault; the chain restarts.
	Continue
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Finished:
		return "finished"
	case FinishedWait:
		return "finished-wait"
	case FinishedStep:
		return "finished-step"
	case FinishedWakeup:
		return "finished-wakeup"
	case Replicatable:
		return "replicatable"
	case Continue:
		return "continue"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Action is what the worker does with its vCPU after a dispatch.
type Action int

const (
	// ActionResume runs the vCPU until its next trap.
	ActionResume Action = iota
	// ActionStep runs one instruction.
	ActionStep
	// ActionWait parks the worker until the replica is woken.
	ActionWait
	// ActionExit leaves the worker loop.
	ActionExit
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionStep:
		return "step"
	case ActionWait:
		return "wait"
	case ActionExit:
		return "exit"
	}
	return fmt.Sprintf("action(%d)", int(a))
}
