package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable covers network failures and 5xx responses. Safe to retry
	// only for reads, cancels and creates carrying an idempotency key.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrRejected is a business-rule refusal such as a declined card.
	ErrRejected = errors.New("gateway rejected request")
	// ErrNotFound means the remote object does not exist.
	ErrNotFound = errors.New("gateway object not found")
	// ErrIndeterminate means the call timed out and may have succeeded remotely.
	ErrIndeterminate = errors.New("gateway outcome indeterminate")
	// ErrAlreadyCanceled is returned when canceling a subscription that is already closed.
	ErrAlreadyCanceled = errors.New("gateway subscription already canceled")
)

// Error carries the processor's own code next to the classified kind.
type Error struct {
	Kind    error
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %v (%s): %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, code, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message, Err: cause}
}

// Retryable reports whether err is a transient availability failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsIndeterminate reports whether the remote outcome of err is unknown.
func IsIndeterminate(err error) bool {
	return errors.Is(err, ErrIndeterminate) || errors.Is(err, context.DeadlineExceeded)
}

// Message returns a user-facing message for err.
func Message(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) && gwErr.Message != "" {
		return gwErr.Message
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRejected):
		return "The payment processor declined the request."
	case IsIndeterminate(err):
		return "The payment processor did not answer in time; the result will be confirmed shortly."
	case errors.Is(err, ErrUnavailable):
		return "The payment processor is temporarily unavailable."
	case errors.Is(err, ErrNotFound):
		return "The subscription could not be found at the payment processor."
	default:
		return err.Error()
	}
}
