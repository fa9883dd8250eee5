package sim

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/lockstep/internal/vcpu"
)

// ErrConsoleClosed is the error a closed console returns for writes.
var ErrConsoleClosed = errors.New("console closed")

// Console is a gate.Endpoint that records every external write.
// A write request carries the value in word 0; the reply carries the
// number of writes so far in word 1.
type Console struct {
	mu     sync.Mutex
	writes []uint64
	closed bool
}

// NewConsole creates an empty console.
func NewConsole() *Console {
	return &Console{}
}

// Call performs one write.
func (c *Console) Call(ctx context.Context, msg *vcpu.MessageBuffer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrConsoleClosed
	}
	c.writes = append(c.writes, msg[0])
	msg[1] = uint64(len(c.writes))
	return 1, nil
}

// Close makes every later write fail.
func (c *Console) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Writes returns the values written so far.
func (c *Console) Writes() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.writes...)
}
