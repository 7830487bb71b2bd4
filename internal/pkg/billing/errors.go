package billing

import (
	"errors"
	"fmt"

	"github.com/cmehub/billing/app/repository"
	"github.com/cmehub/billing/internal/pkg/gateway"
)

var (
	// ErrValidation rejects malformed input or an illegal transition before
	// any remote call is made.
	ErrValidation = errors.New("billing validation failed")
	// ErrConflict means another writer moved the user's current subscription
	// between our read and our commit.
	ErrConflict = errors.New("billing conflict: current subscription changed")
	// ErrInsufficientCredits is returned when a CME deduction exceeds the balance.
	ErrInsufficientCredits = repository.ErrInsufficientCredits
)

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Result is the outcome of a state machine operation. Operations never
// return a Go error for expected failures; callers branch on Success.
type Result struct {
	Success bool
	Message string
	Err     error
	// Indeterminate is set when the gateway did not answer in time. The
	// remote side may have acted; a reconcile pass has been scheduled.
	Indeterminate bool
	Transaction   *gateway.Transaction
}

func ok(message string) Result {
	return Result{Success: true, Message: message}
}

func failed(err error) Result {
	msg := gateway.Message(err)
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConflict) {
		msg = err.Error()
	}
	return Result{Success: false, Message: msg, Err: err}
}

func indeterminate(err error) Result {
	return Result{
		Success:       false,
		Indeterminate: true,
		Message:       gateway.Message(err),
		Err:           err,
	}
}
