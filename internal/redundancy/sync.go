package redundancy

import (
	"context"

	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

// PlanKind is the synchronizer's decision for a completed arrival set.
type PlanKind int

const (
	// PlanNone means every replica arrived through an ordinary trap.
	PlanNone PlanKind = iota

	// PlanResync means every replica arrived through its watchdog; the
	// round resumes everyone without handling a trap.
	PlanResync

	// PlanCatchUp means some replicas lag behind Leader and must advance
	// to Target before states are compared.
	PlanCatchUp
)

// Plan tells the engine how to synchronize one round's arrivals.
type Plan struct {
	Kind    PlanKind
	Leader  *replica.Replica
	Target  uint64
	Trap    vcpu.Trap
	Laggers []*replica.Replica
}

// Synchronizer brings lagging replicas to the same point of execution
// before the engine compares them. The watchdog implements it.
type Synchronizer interface {
	// Plan classifies the round's arrivals, in replica id order.
	Plan(arrivals []*replica.Replica) Plan

	// CatchUp advances r towards plan.Target. It runs on r's own worker
	// goroutine without the round lock.
	CatchUp(ctx context.Context, r *replica.Replica, plan Plan) error

	// Settle is told which laggers failed once every catch-up finished.
	Settle(plan Plan, failed []*replica.Replica)

	// Verified is told whether post-verification found the states equal.
	Verified(clean bool)
}
