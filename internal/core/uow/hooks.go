package uow

import "context"

// Hook is a lifecycle callback attached to the current root transaction.
type Hook func(ctx context.Context) error

// Hooks holds the ordered lifecycle callbacks for one transaction.
// A fresh instance is created per root transaction, so hooks never leak
// across transaction boundaries. Hooks registered at any nesting level
// apply to the root's single commit/rollback, since only the root performs
// the physical finalize.
type Hooks struct {
	beforeCommit  []Hook
	afterCommit   []Hook
	afterRollback []Hook
}

// NewHooks creates an empty hooks registry.
func NewHooks() *Hooks {
	return &Hooks{}
}

// AddBeforeCommit appends a hook to run before the physical COMMIT.
func (h *Hooks) AddBeforeCommit(hook Hook) {
	h.beforeCommit = append(h.beforeCommit, hook)
}

// AddAfterCommit appends a hook to run after a successful COMMIT.
func (h *Hooks) AddAfterCommit(hook Hook) {
	h.afterCommit = append(h.afterCommit, hook)
}

// AddAfterRollback appends a hook to run after a ROLLBACK.
func (h *Hooks) AddAfterRollback(hook Hook) {
	h.afterRollback = append(h.afterRollback, hook)
}

// ExecuteCommit drives the commit side of the lifecycle.
//
// BeforeCommit hooks run strictly in registration order. If one fails the
// remaining ones are skipped, the transaction is redirected to rollback,
// and the hook's error is returned (wrapped in a *HookErrors aggregate only
// when afterRollback hooks themselves failed). After a successful commitFn,
// afterCommit hooks run best-effort; their failures are aggregated but the
// commit stands.
func (h *Hooks) ExecuteCommit(ctx context.Context, commitFn, rollbackFn func(context.Context) error) error {
	for _, hook := range h.beforeCommit {
		if err := hook(ctx); err != nil {
			if rbErr := h.ExecuteRollback(ctx, rollbackFn, err); rbErr != nil {
				return rbErr
			}
			return err
		}
	}
	if err := commitFn(ctx); err != nil {
		return err
	}
	if errs := runBestEffort(ctx, h.afterCommit); len(errs) > 0 {
		// No cause: the commit itself succeeded.
		return &HookErrors{Stage: "after commit", Errs: errs}
	}
	return nil
}

// ExecuteRollback performs the physical rollback and then runs afterRollback
// hooks best-effort. A rollbackFn failure is collected alongside hook
// failures. Returns nil when everything succeeded; the caller is expected to
// keep propagating cause itself in that case.
func (h *Hooks) ExecuteRollback(ctx context.Context, rollbackFn func(context.Context) error, cause error) error {
	var errs []error
	if err := rollbackFn(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, runBestEffort(ctx, h.afterRollback)...)
	if len(errs) > 0 {
		return &HookErrors{Stage: "after rollback", Errs: errs, Cause: cause}
	}
	return nil
}

// runBestEffort attempts every hook in order regardless of individual
// failures and returns everything that went wrong.
func runBestEffort(ctx context.Context, hooks []Hook) []error {
	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
