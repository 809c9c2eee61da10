package uow

import "time"

// Isolation is a backend-neutral isolation level. SQL adapters map it to
// their dialect; non-SQL adapters are free to ignore it.
type Isolation string

const (
	IsolationDefault        Isolation = ""
	IsolationReadCommitted  Isolation = "read committed"
	IsolationRepeatableRead Isolation = "repeatable read"
	IsolationSerializable   Isolation = "serializable"
)

// Options configures one Wrap/Scope invocation.
type Options struct {
	// Propagation selects how this call relates to an active transaction.
	// Unset means "use the adapter default" (documented per adapter).
	Propagation Propagation

	// Isolation applies only when this call starts a new root transaction.
	Isolation Isolation

	// ReadOnly asks the backend to reject writes. Applies to new roots only.
	// Merging ORs this flag with the facade default: a per-call false cannot
	// clear a read-only default, so configure writable facades with
	// ReadOnly unset and request read-only per call.
	ReadOnly bool

	// StatementTimeout bounds individual statements inside the transaction.
	// Zero leaves the backend default in place.
	StatementTimeout time.Duration
}

// merge fills unset fields of o from defaults and returns the result.
func (o Options) merge(defaults Options) Options {
	if o.Propagation == propagationUnspecified {
		o.Propagation = defaults.Propagation
	}
	if o.Isolation == IsolationDefault {
		o.Isolation = defaults.Isolation
	}
	if !o.ReadOnly {
		o.ReadOnly = defaults.ReadOnly
	}
	if o.StatementTimeout == 0 {
		o.StatementTimeout = defaults.StatementTimeout
	}
	return o
}
