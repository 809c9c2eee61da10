package uow

// Propagation describes how a nested transactional call relates to an
// already-active transaction on the same unit of work.
type Propagation uint8

const (
	// propagationUnspecified is the zero value; Options merging replaces it
	// with the adapter's documented default.
	propagationUnspecified Propagation = iota

	// PropagationNew always starts a fresh root transaction, detached from
	// any currently active one.
	PropagationNew

	// PropagationExisting joins the currently active transaction if one
	// exists, otherwise starts a new root. Joining an aborted transaction
	// fails with AbortedError instead of silently proceeding.
	PropagationExisting

	// PropagationNested joins the currently active transaction behind a
	// savepoint scoped to this nesting level. A failure at this level rolls
	// back only to the savepoint, leaving the outer transaction viable.
	PropagationNested
)

// String returns the lowercase name used in logs and span attributes.
func (p Propagation) String() string {
	switch p {
	case PropagationNew:
		return "new"
	case PropagationExisting:
		return "existing"
	case PropagationNested:
		return "nested"
	default:
		return "unspecified"
	}
}
