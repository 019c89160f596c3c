package reliability

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned while a breaker rejects calls.
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)

// CircuitBreakerError reports a call rejected by a named breaker.
type CircuitBreakerError struct {
	Name  string
	State string
	Err   error
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s: %v", e.Name, e.State, e.Err)
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}
