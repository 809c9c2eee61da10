// Package uow implements a transactional unit of work with nested
// propagation semantics and lifecycle hooks.
//
// Application code declares transactional work through Wrap/Scope; the
// active Transaction travels implicitly through context.Context, so deeply
// nested calls reach the same transaction (and its client) without having
// it threaded through every signature. Physical BEGIN/COMMIT/ROLLBACK and
// savepoints are delegated to a backend Driver.
package uow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("unitflow/uow")

// UnitOfWork is the per-logical-connection facade application code calls
// Wrap/Scope on. The type parameter C is the backend client handle (see
// Driver).
//
// Concurrent top-level Wrap calls are isolated from each other: each call
// chain carries its own Transaction in its own derived context, and each
// root transaction gets a fresh Driver instance from the factory.
type UnitOfWork[C any] struct {
	factory  DriverFactory[C]
	defaults Options
}

// New creates a UnitOfWork over a driver factory. defaults supplies the
// adapter's documented default options; an unset default propagation is
// treated as PropagationExisting.
func New[C any](factory DriverFactory[C], defaults Options) *UnitOfWork[C] {
	if defaults.Propagation == propagationUnspecified {
		defaults.Propagation = PropagationExisting
	}
	return &UnitOfWork[C]{factory: factory, defaults: defaults}
}

// scopeKey keys the active transaction per facade instance, so two units of
// work over different backends never see each other's transactions.
type scopeKey struct{ owner any }

func (u *UnitOfWork[C]) withTransaction(ctx context.Context, tx *Transaction[C]) context.Context {
	return context.WithValue(ctx, scopeKey{u}, tx)
}

// CurrentTransaction returns the transaction in implicit scope, or
// ErrNoTransaction when the context carries none for this unit of work.
func (u *UnitOfWork[C]) CurrentTransaction(ctx context.Context) (*Transaction[C], error) {
	if tx, ok := ctx.Value(scopeKey{u}).(*Transaction[C]); ok && tx != nil {
		return tx, nil
	}
	return nil, ErrNoTransaction
}

// Client returns the backend client of the transaction in implicit scope.
func (u *UnitOfWork[C]) Client(ctx context.Context) (C, error) {
	tx, err := u.CurrentTransaction(ctx)
	if err != nil {
		var zero C
		return zero, err
	}
	return tx.Client(), nil
}

// Scope runs fn inside the transaction scope resolved from the adapter's
// default options. The client is reachable via Client on the context fn
// receives.
func (u *UnitOfWork[C]) Scope(ctx context.Context, fn func(ctx context.Context) error) error {
	return u.ScopeWithOptions(ctx, Options{}, fn)
}

// ScopeWithOptions is Scope with per-call options merged over the defaults.
func (u *UnitOfWork[C]) ScopeWithOptions(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	resolved := opts.merge(u.defaults)

	ctx, span := tracer.Start(ctx, "unit_of_work",
		trace.WithAttributes(
			attribute.String("uow.propagation", resolved.Propagation.String()),
			attribute.String("uow.isolation", string(resolved.Isolation)),
		))
	defer span.End()

	tx, err := u.resolveTransaction(ctx, resolved)
	if err != nil {
		return err
	}
	return tx.Run(u.withTransaction(ctx, tx), fn, resolved)
}

// Wrap is Scope with the client handed to fn directly.
func (u *UnitOfWork[C]) Wrap(ctx context.Context, fn func(ctx context.Context, client C) error) error {
	return u.WrapWithOptions(ctx, Options{}, fn)
}

// WrapWithOptions is Wrap with per-call options merged over the defaults.
func (u *UnitOfWork[C]) WrapWithOptions(ctx context.Context, opts Options, fn func(ctx context.Context, client C) error) error {
	return u.ScopeWithOptions(ctx, opts, func(ctx context.Context) error {
		client, err := u.Client(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, client)
	})
}

// resolveTransaction applies the propagation rules: join the active
// transaction where the policy allows it, otherwise start a fresh root.
func (u *UnitOfWork[C]) resolveTransaction(ctx context.Context, opts Options) (*Transaction[C], error) {
	if opts.Propagation == PropagationNew {
		return NewTransaction(u.factory(), opts), nil
	}
	current, err := u.CurrentTransaction(ctx)
	if err != nil {
		// No active transaction: Existing and Nested both start a root.
		return NewTransaction(u.factory(), opts), nil
	}
	switch current.State() {
	case StateAbort:
		return nil, &AbortedError{Reason: "joining an aborted transaction", Err: current.abortCause}
	case StateExited:
		return nil, &AbortedError{Reason: "joining a finalized transaction"}
	}
	return current, nil
}

// BeforeCommit registers a hook on the transaction in implicit scope, to run
// before the physical COMMIT. Fails with ErrOutsideScope when no transaction
// is running.
func (u *UnitOfWork[C]) BeforeCommit(ctx context.Context, hook Hook) error {
	tx, err := u.runningTransaction(ctx)
	if err != nil {
		return err
	}
	tx.Hooks().AddBeforeCommit(hook)
	return nil
}

// AfterCommit registers a hook to run after a successful physical COMMIT.
func (u *UnitOfWork[C]) AfterCommit(ctx context.Context, hook Hook) error {
	tx, err := u.runningTransaction(ctx)
	if err != nil {
		return err
	}
	tx.Hooks().AddAfterCommit(hook)
	return nil
}

// AfterRollback registers a hook to run after the transaction rolls back.
func (u *UnitOfWork[C]) AfterRollback(ctx context.Context, hook Hook) error {
	tx, err := u.runningTransaction(ctx)
	if err != nil {
		return err
	}
	tx.Hooks().AddAfterRollback(hook)
	return nil
}

func (u *UnitOfWork[C]) runningTransaction(ctx context.Context) (*Transaction[C], error) {
	tx, err := u.CurrentTransaction(ctx)
	if err != nil {
		return nil, ErrOutsideScope
	}
	if !tx.Active() {
		return nil, ErrOutsideScope
	}
	return tx, nil
}
