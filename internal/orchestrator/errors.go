package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation rejects input locally; no collaborator is called and the state does not change.
	ErrValidation = errors.New("validation failed")
	// ErrBusy rejects an action while another action of the same orchestrator is in flight.
	ErrBusy = errors.New("another action is in progress")
	// ErrInvalidTransition rejects an action the current state does not offer.
	ErrInvalidTransition = errors.New("action not available in current state")
	// ErrStale is returned to the caller whose response arrived after a cancel.
	ErrStale = errors.New("orchestration was cancelled; response ignored")
)

const genericFailure = "Something went wrong. Please try again."

// CollaboratorError wraps a failed create/interview/chat/finalize/build call.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// UserMessage is the text shown next to the failed action.
func (e *CollaboratorError) UserMessage() string {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return fmt.Sprintf("The %s request timed out. Please try again.", strings.ReplaceAll(e.Op, "_", " "))
	}
	if e.Err == nil || strings.TrimSpace(e.Err.Error()) == "" {
		return genericFailure
	}
	return e.Err.Error()
}

type validationError struct {
	msg string
}

func (e validationError) Error() string { return e.msg }

func (e validationError) Unwrap() error { return ErrValidation }

func invalidf(format string, args ...any) error {
	return validationError{msg: fmt.Sprintf(format, args...)}
}

func transitionError(state State, action Action) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, state)
}
