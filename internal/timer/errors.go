package timer

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTimer is returned by CancelStrict for ids that are not active.
	ErrUnknownTimer = errors.New("unknown timer id")
	// ErrPassInProgress is returned when RunPending is called from inside a callback.
	ErrPassInProgress = errors.New("timer pass already in progress")
	ErrLoopRunning    = errors.New("timer loop already running")
)

// CallbackError wraps a failure raised by a timer callback.
type CallbackError struct {
	ID   ID
	Name string
	Kind Kind
	Err  error

	// Panic holds the recovered value when the callback panicked.
	Panic any
	Stack string
}

func (e *CallbackError) Error() string {
	label := fmt.Sprintf("timer %d", e.ID)
	if e.Name != "" {
		label = fmt.Sprintf("timer %d (%s)", e.ID, e.Name)
	}
	return fmt.Sprintf("%s %s callback: %v", label, e.Kind, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// CallbackErrors extracts every CallbackError from an error returned by RunPending.
func CallbackErrors(err error) []*CallbackError {
	if err == nil {
		return nil
	}
	var out []*CallbackError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, CallbackErrors(e)...)
		}
		return out
	}
	var ce *CallbackError
	if errors.As(err, &ce) {
		out = append(out, ce)
	}
	return out
}
