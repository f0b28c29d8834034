package circuit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrResourceExhausted is returned when the resource precondition fails
// before the protected operation runs. It is environmental and retryable
// after the recovery window.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrAlreadyCounted marks an operation error whose failure was already
// reported to the breaker through ReportFailure. Execute returns it as
// KindOperationFailed without counting it again.
var ErrAlreadyCounted = errors.New("failure already counted")

// Kind classifies the outcome of a protected call.
type Kind int

const (
	// KindSuccess means the operation ran and returned no error.
	KindSuccess Kind = iota

	// KindCircuitOpen means the call was rejected without running.
	KindCircuitOpen

	// KindResourceExhausted means the resource precondition failed.
	KindResourceExhausted

	// KindOperationFailed means the operation returned an expected error.
	// These count toward the trip threshold unless they wrap
	// ErrAlreadyCounted.
	KindOperationFailed

	// KindUnexpected means the operation panicked or failed in a way the
	// classifier does not recognise. These never affect breaker state.
	KindUnexpected
)

var kindNames = map[Kind]string{
	KindSuccess:           "success",
	KindCircuitOpen:       "circuit_open",
	KindResourceExhausted: "resource_exhausted",
	KindOperationFailed:   "operation_failed",
	KindUnexpected:        "unexpected",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText lets Kind render by name in JSON reports.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// OpenError is returned while the breaker rejects calls.
type OpenError struct {
	Name    string
	State   State
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	if e.State == HalfOpen {
		return fmt.Sprintf("circuit %s is HALF_OPEN, trial in flight", e.Name)
	}
	return fmt.Sprintf("circuit %s is %s, retry in %s", e.Name, e.State, e.RetryIn.Round(time.Millisecond))
}

// PanicError wraps a value recovered from a panicking operation.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

// Classifier reports whether err is an expected, countable failure.
type Classifier func(err error) bool

// DefaultClassifier counts every returned error except recovered panics and
// caller cancellation.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// IsOpen reports whether err came from a breaker rejecting the call.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}
