package uow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoTransaction is returned by Client and CurrentTransaction when the
// context carries no active transaction for this unit of work.
var ErrNoTransaction = errors.New("unit of work not started: no transaction active in context")

// ErrOutsideScope is returned when a lifecycle hook is registered while no
// transaction is running.
var ErrOutsideScope = errors.New("hook registered outside of a transaction scope")

// AbortedError reports an operation attempted against a transaction that is
// no longer usable: it was marked aborted by an earlier failure, it already
// finalized, or the backend connection is gone.
type AbortedError struct {
	// Reason describes what made the transaction unusable.
	Reason string

	// Err is the underlying backend error, if any.
	Err error
}

func (e *AbortedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("unit of work aborted: %s: %v", e.Reason, e.Err)
	}
	return "unit of work aborted: " + e.Reason
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}

// IsAborted reports whether err (or anything it wraps) is an AbortedError.
func IsAborted(err error) bool {
	var aborted *AbortedError
	return errors.As(err, &aborted)
}

// HookErrors aggregates failures from best-effort hook execution. Every hook
// in the list was attempted; Errs holds what each failing one returned.
// Cause, when set, is the original error that triggered the rollback.
type HookErrors struct {
	Stage string // "after commit" or "after rollback"
	Errs  []error
	Cause error
}

func (e *HookErrors) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s hook(s) failed", len(e.Errs), e.Stage)
	for _, err := range e.Errs {
		b.WriteString("; ")
		b.WriteString(err.Error())
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

// Unwrap exposes the collected errors plus the cause, so errors.Is and
// errors.As see through the aggregate.
func (e *HookErrors) Unwrap() []error {
	errs := e.Errs
	if e.Cause != nil {
		errs = append(append([]error{}, errs...), e.Cause)
	}
	return errs
}
