package uow

import "context"

// Driver performs the physical transaction operations for one backend.
// A Driver instance is owned by exactly one Transaction for its whole
// lifetime; concurrent root transactions get distinct instances from the
// DriverFactory. The type parameter C is the backend client handle exposed
// to application code (a pooled connection, a query runner, a store view).
//
// Backend errors raised during commit/rollback that mean "this transaction
// is unusable" (closed connection, server-side abort) must be translated
// into *AbortedError so callers can detect them.
type Driver[C any] interface {
	// Initialize acquires the physical client (e.g. a pooled connection).
	// Called exactly once, before ExecuteBegin.
	Initialize(ctx context.Context) error

	// ExecuteBegin issues the physical BEGIN with the resolved options.
	ExecuteBegin(ctx context.Context, opts Options) error

	// ExecuteCommit issues the physical COMMIT.
	ExecuteCommit(ctx context.Context) error

	// ExecuteRollback issues the physical ROLLBACK.
	ExecuteRollback(ctx context.Context) error

	// ExecuteSavepoint sets a savepoint for the given nesting level.
	ExecuteSavepoint(ctx context.Context, level int) error

	// ExecuteRollbackToSavepoint rolls back to the savepoint set for level.
	ExecuteRollbackToSavepoint(ctx context.Context, level int) error

	// Client returns the backend handle application code queries through.
	// Valid only between Initialize and cleanup.
	Client() C
}

// Annihilator is an optional cleanup hook a Driver may implement, invoked
// exactly once after the physical commit or rollback (e.g. releasing a
// pooled connection).
type Annihilator interface {
	Annihilate(ctx context.Context) error
}

// DriverFactory creates one Driver per root transaction.
type DriverFactory[C any] func() Driver[C]
