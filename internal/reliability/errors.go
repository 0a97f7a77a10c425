package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is matched by every CircuitBreakerError
var ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

// CircuitBreakerError is returned while the breaker rejects calls
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s %s: %d consecutive failures, retry after %s",
		e.Name, e.State, e.Failures, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}
