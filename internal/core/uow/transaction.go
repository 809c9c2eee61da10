package uow

import (
	"context"
	"fmt"

	"unitflow/pkg/logger"
)

// State is the lifecycle stage of a Transaction.
type State uint8

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateAbort
	StateExited
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateAbort:
		return "abort"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Transaction owns one physical transaction plus its nesting bookkeeping.
// Level 0 is the root; only the root issues the final COMMIT/ROLLBACK.
// Levels above 0 entered with PropagationNested are bracketed by savepoints.
//
// A Transaction is not safe for concurrent use: nested Run calls and hooks
// execute strictly sequentially within one logical call chain (level
// bracketing is not safe under concurrent mutation). Concurrent call chains
// each get their own Transaction from the unit of work.
type Transaction[C any] struct {
	driver Driver[C]
	opts   Options
	hooks  *Hooks

	state      State
	level      int
	abortCause error
}

// NewTransaction creates a not-yet-started transaction over driver.
// The physical client is acquired lazily on the first Run.
func NewTransaction[C any](driver Driver[C], opts Options) *Transaction[C] {
	return &Transaction[C]{
		driver: driver,
		opts:   opts,
		hooks:  NewHooks(),
	}
}

// State returns the current lifecycle stage.
func (t *Transaction[C]) State() State {
	return t.state
}

// Level returns the current nesting depth (0 outside any Run).
func (t *Transaction[C]) Level() int {
	return t.level
}

// Client returns the backend handle. Valid only while the transaction is
// started and not yet finalized.
func (t *Transaction[C]) Client() C {
	return t.driver.Client()
}

// Hooks returns the lifecycle hooks registry for this transaction.
func (t *Transaction[C]) Hooks() *Hooks {
	return t.hooks
}

// Active reports whether the transaction currently accepts work and hooks.
func (t *Transaction[C]) Active() bool {
	return t.state == StateRunning
}

// Start performs physical initialization: acquire the client, issue BEGIN.
// It is a no-op when the transaction already started, so Run may call it
// unconditionally.
func (t *Transaction[C]) Start(ctx context.Context) error {
	if t.state != StateNotStarted {
		return nil
	}
	t.state = StateStarting
	if err := t.driver.Initialize(ctx); err != nil {
		t.state = StateNotStarted
		return fmt.Errorf("initialize transaction: %w", err)
	}
	if err := t.driver.ExecuteBegin(ctx, t.opts); err != nil {
		// The client was acquired; release it before reporting failure.
		if annErr := t.annihilate(ctx); annErr != nil {
			logger.Error(ctx, "cleanup after failed begin", "error", annErr)
		}
		return fmt.Errorf("begin transaction: %w", err)
	}
	t.state = StateRunning
	return nil
}

// Run executes fn one nesting level deeper inside this transaction.
// When this call is the root (entered at level 0), the transaction
// finalizes on the way out: commit if nothing aborted it, rollback
// otherwise, with lifecycle hooks in between.
func (t *Transaction[C]) Run(ctx context.Context, fn func(ctx context.Context) error, opts Options) error {
	switch t.state {
	case StateAbort:
		return &AbortedError{Reason: "transaction already aborted", Err: t.abortCause}
	case StateExited:
		return &AbortedError{Reason: "transaction already finalized"}
	}
	if err := t.Start(ctx); err != nil {
		return err
	}

	root := t.level == 0
	var err error
	if !root && opts.Propagation == PropagationNested {
		err = t.runInSavepoint(ctx, fn)
	} else {
		err = t.runFn(ctx, fn)
	}

	if root {
		aborted := t.state == StateAbort
		finErr := t.finalize(ctx)
		switch {
		case finErr != nil:
			// finalize reports either the commit-side failure or a hook
			// aggregate that already carries err as its cause.
			err = finErr
		case err == nil && aborted:
			// A nested scope aborted the transaction but the root fn
			// swallowed the error; the rollback must not go unreported.
			err = &AbortedError{Reason: "transaction aborted by nested scope", Err: t.abortCause}
		}
	}
	return err
}

// runFn executes fn directly at the next nesting level. A failure marks the
// whole transaction aborted.
func (t *Transaction[C]) runFn(ctx context.Context, fn func(ctx context.Context) error) error {
	t.level++
	defer func() { t.level-- }()

	if err := fn(ctx); err != nil {
		t.abort(err)
		return err
	}
	return nil
}

// runInSavepoint executes fn behind a savepoint scoped to the current level.
// A failure collapses only this nested scope; the outer transaction stays
// viable unless the savepoint rollback itself fails.
func (t *Transaction[C]) runInSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	level := t.level
	if level == 0 {
		// No outer scope to shield; degrade to full abort semantics.
		return t.runFn(ctx, fn)
	}
	if err := t.driver.ExecuteSavepoint(ctx, level); err != nil {
		return fmt.Errorf("savepoint level %d: %w", level, err)
	}

	t.level++
	defer func() { t.level-- }()

	if err := fn(ctx); err != nil {
		if rbErr := t.driver.ExecuteRollbackToSavepoint(ctx, level); rbErr != nil {
			logger.Error(ctx, "rollback to savepoint failed",
				"level", level, "error", rbErr, "original_error", err)
			t.abort(err)
		}
		return err
	}
	return nil
}

// abort marks the transaction unusable, keeping the first cause.
func (t *Transaction[C]) abort(cause error) {
	if t.state == StateRunning {
		t.state = StateAbort
		t.abortCause = cause
	}
}

// finalize performs the root commit or rollback exactly once, driving the
// hooks registry. Idempotent: a second call against an exited transaction
// is a no-op.
func (t *Transaction[C]) finalize(ctx context.Context) error {
	switch t.state {
	case StateExited:
		return nil
	case StateAbort:
		return t.hooks.ExecuteRollback(ctx, t.rollback, t.abortCause)
	default:
		return t.hooks.ExecuteCommit(ctx, t.commit, t.rollback)
	}
}

// commit issues the physical COMMIT and releases the client. No-op when the
// transaction already exited.
func (t *Transaction[C]) commit(ctx context.Context) error {
	if t.state == StateExited {
		return nil
	}
	err := t.driver.ExecuteCommit(ctx)
	if annErr := t.annihilate(ctx); annErr != nil && err == nil {
		err = annErr
	}
	if err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// rollback issues the physical ROLLBACK and releases the client. No-op when
// the transaction already exited.
func (t *Transaction[C]) rollback(ctx context.Context) error {
	if t.state == StateExited {
		return nil
	}
	err := t.driver.ExecuteRollback(ctx)
	if annErr := t.annihilate(ctx); annErr != nil && err == nil {
		err = annErr
	}
	return err
}

// annihilate transitions to the terminal state and runs the driver's
// optional cleanup exactly once.
func (t *Transaction[C]) annihilate(ctx context.Context) error {
	if t.state == StateExited {
		return nil
	}
	t.state = StateExited
	if a, ok := t.driver.(Annihilator); ok {
		return a.Annihilate(ctx)
	}
	return nil
}
