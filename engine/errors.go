package engine

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// ErrSuspended is returned from Run.Wait when a new wait was issued. The
// workflow body must propagate it unchanged; the dispatcher translates it
// into a suspension rather than a failure.
var ErrSuspended = errors.New("workflow suspended")

// ErrNonDeterministic indicates that replay reached a step or wait whose
// name or kind does not match the checkpointed record at the same sequence
// index. The workflow body diverged from the history it was replayed from.
var ErrNonDeterministic = errors.New("workflow execution is non-deterministic")

// StepError wraps a failure returned by a step's work function. The step's
// record was not appended, so a later invocation retries the step from the
// same checkpoint unless the error is permanent.
type StepError struct {
	StepName      string
	SequenceIndex int64

	Cause      error
	Stacktrace string

	// Permanent marks the failure as not retryable; the dispatcher fails
	// the instance instead of leaving it eligible for re-invocation.
	Permanent bool
}

func (se *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", se.StepName, se.Cause)
}

func (se *StepError) Unwrap() error {
	return se.Cause
}

func newStepError(name string, seqIndex int64, cause error) *StepError {
	var pe *permanentError
	permanent := errors.As(cause, &pe)

	return &StepError{
		StepName:      name,
		SequenceIndex: seqIndex,
		Cause:         cause,
		Stacktrace:    goerrors.Wrap(cause, 1).ErrorStack(),
		Permanent:     permanent,
	}
}

type permanentError struct {
	err error
}

func (pe *permanentError) Error() string {
	return pe.err.Error()
}

func (pe *permanentError) Unwrap() error {
	return pe.err
}

// Permanent marks an error returned from a step's work function as not
// retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}
