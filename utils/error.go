package utils

import (
	"errors"
	"fmt"
	"time"
)

var ErrorRecordNotFound = errors.New("record not found")

// Settlement-engine error taxonomy. Handlers map these onto HTTP statuses;
// workflows wrap them with context via fmt.Errorf("%w ...").
var (
	// ErrorValidation: malformed input, rejected before any mutation.
	ErrorValidation = errors.New("validation failed")

	// ErrorInvalidTransition: illegal order state change. The caller must pick
	// a valid next state; nothing was mutated.
	ErrorInvalidTransition = errors.New("invalid status transition")

	// ErrorNegativeAmount: computed totals or captured payments went negative.
	ErrorNegativeAmount = errors.New("negative amount")

	// ErrorInvalidSignature: webhook signature did not verify. Always logged,
	// never applied.
	ErrorInvalidSignature = errors.New("invalid webhook signature")

	// ErrorSecretDenied: withdrawal secret mismatch (attempt consumed).
	ErrorSecretDenied = errors.New("withdrawal secret denied")

	// ErrorSecretNotProvisioned: tenant has no withdrawal secret yet. Fail
	// closed; an explicit rotation must provision one.
	ErrorSecretNotProvisioned = errors.New("withdrawal secret not provisioned")

	// ErrorAlreadyWithdrawn: a concurrent batch claimed one of the selected
	// orders. The whole batch is aborted; caller must re-query.
	ErrorAlreadyWithdrawn = errors.New("order already withdrawn")

	// ErrorEmptySelection: no eligible orders matched the withdrawal query.
	ErrorEmptySelection = errors.New("no eligible orders for withdrawal")
)

// LockedError is temporary: it carries the remaining lockout duration so the
// client can surface a retry-after.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("withdrawal secret locked, retry after %s", e.RetryAfter.Round(time.Second))
}

func NewLockedError(retryAfter time.Duration) *LockedError {
	return &LockedError{RetryAfter: retryAfter}
}

// AsLockedError unwraps err into a *LockedError when possible.
func AsLockedError(err error) (*LockedError, bool) {
	var le *LockedError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
