package queue

import (
	"errors"
	"fmt"
)

// DefaultMaxAttempts is the abandonment threshold.
const DefaultMaxAttempts = 3

// ErrQueueExhausted is wrapped into every abandonment.
var ErrQueueExhausted = errors.New("queue: retry attempts exhausted")

// Decision is what happens to an item after a failed attempt.
type Decision int

const (
	Retry Decision = iota
	Abandon
)

func (d Decision) String() string {
	if d == Abandon {
		return "abandon"
	}
	return "retry"
}

// RetryPolicy abandons an item once its attempts reach MaxAttempts.
type RetryPolicy struct {
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts}
}

func (p RetryPolicy) max() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Decide is called with the item after its attempt count was incremented.
func (p RetryPolicy) Decide(it Item) Decision {
	if it.Attempts < p.max() {
		return Retry
	}
	return Abandon
}

func exhausted(it Item, cause error) error {
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrQueueExhausted, it.Ref(), it.Attempts, cause)
}
