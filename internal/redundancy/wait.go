package redundancy

import (
	"fmt"
	"runtime"
	"sync"
)

// WaitStrategy is how a replica sleeps inside the barrier.
//
// Wait is called with mu held and returns with mu held once ready reports
// true. Broadcast is called with mu held after any change a waiter may be
// waiting for.
type WaitStrategy interface {
	Wait(mu *sync.Mutex, ready func() bool)
	Broadcast()
}

// Wait strategy names accepted by NewWaitStrategy.
const (
	WaitBlock = "block"
	WaitSpin  = "spin"
)

// NewWaitStrategy returns the strategy registered under name.
func NewWaitStrategy(name string) (WaitStrategy, error) {
	switch name {
	case "", WaitBlock:
		return NewBlockingWait(), nil
	case WaitSpin:
		return &SpinWait{}, nil
	default:
		return nil, fmt.Errorf("unknown wait strategy %q", name)
	}
}

// BlockingWait parks waiters on a condition variable.
// The condition is bound to the first mutex passed to Wait.
type BlockingWait struct {
	cond *sync.Cond
}

// NewBlockingWait creates a condition-variable strategy.
func NewBlockingWait() *BlockingWait {
	return &BlockingWait{}
}

func (b *BlockingWait) Wait(mu *sync.Mutex, ready func() bool) {
	if b.cond == nil {
		b.cond = sync.NewCond(mu)
	}
	for !ready() {
		b.cond.Wait()
	}
}

func (b *BlockingWait) Broadcast() {
	if b.cond != nil {
		b.cond.Broadcast()
	}
}

// SpinWait polls the shared round state, trading CPU for wake-up latency
// when replicas are expected to converge quickly.
type SpinWait struct{}

func (s *SpinWait) Wait(mu *sync.Mutex, ready func() bool) {
	for !ready() {
		mu.Unlock()
		runtime.Gosched()
		mu.Lock()
	}
}

// Broadcast is a no-op: spinners observe the state directly.
func (s *SpinWait) Broadcast() {}
