package watchdog

import (
	"errors"
	"fmt"
)

// RetryBudget bounds the catch-up attempts of one lagger in one round.
type RetryBudget struct {
	limit   int
	current int
}

// NewRetryBudget creates a budget allowing limit attempts.
func NewRetryBudget(limit int) *RetryBudget {
	return &RetryBudget{limit: limit}
}

// Check counts one attempt by replica and fails once the limit is passed.
func (b *RetryBudget) Check(replica int) error {
	b.current++
	if b.current > b.limit {
		return &BudgetExhaustedError{
			Replica:  replica,
			Attempts: b.current - 1,
			Limit:    b.limit,
		}
	}
	return nil
}

// Used returns the number of attempts counted so far.
func (b *RetryBudget) Used() int {
	return b.current
}

// Limit returns the number of attempts allowed.
func (b *RetryBudget) Limit() int {
	return b.limit
}

// BudgetExhaustedError is returned when a lagger used every catch-up
// attempt without reaching the leader.
type BudgetExhaustedError struct {
	Replica  int
	Attempts int
	Limit    int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("replica %d did not catch up after %d attempts (limit %d)",
		e.Replica, e.Attempts, e.Limit)
}

// IsBudgetExhausted reports whether err is, or wraps, a
// *BudgetExhaustedError.
func IsBudgetExhausted(err error) bool {
	var be *BudgetExhaustedError
	return errors.As(err, &be)
}
