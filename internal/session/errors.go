package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when a request is already outstanding.
	ErrBusy = errors.New("session is busy")

	// ErrInvalidState is returned when an operation is not allowed in the
	// current state.
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrStale is returned when a response arrives for a request that was
	// cancelled or superseded; the response is discarded.
	ErrStale = errors.New("response discarded: request was superseded")

	// ErrNotFound is returned by the Manager for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session is closed")
)

// Kind classifies a Failure.
type Kind string

const (
	KindExtraction Kind = "extraction"
	KindGeneration Kind = "generation"
	KindExecution  Kind = "execution"
	KindValidation Kind = "validation"
)

// Failure is an operation failure that has been reported to the user as
// an assistant message. Callers test for it with errors.As.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// TimedOut reports whether the failure was caused by the hard timeout.
func (f *Failure) TimedOut() bool {
	return errors.Is(f.Err, context.DeadlineExceeded)
}

func invalidState(op string, st State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, st)
}
