package memory

import (
	"context"
	"fmt"

	"unitflow/internal/core/uow"
)

// Client is the transaction-scoped view handed to application code. Reads
// and writes go against the transaction's working set; nothing is visible
// to Store.Get until the root commits.
type Client struct {
	d *driver
}

// Get reads a key through the transaction's working set.
func (c *Client) Get(key string) (string, bool) {
	v, ok := c.d.working[key]
	return v, ok
}

// Set writes a key into the transaction's working set.
func (c *Client) Set(key, value string) {
	c.d.working[key] = value
	c.d.dirty[key] = true
}

// Delete removes a key from the transaction's working set.
func (c *Client) Delete(key string) {
	delete(c.d.working, key)
	c.d.dirty[key] = true
}

// savepoint captures the working set at one nesting level.
type savepoint struct {
	working map[string]string
	dirty   map[string]bool
}

// driver adapts Store to the unit-of-work driver contract. One instance per
// root transaction. Begin snapshots the committed data; reads and writes
// stay on the private working copy, and commit merges only the keys this
// transaction touched. No store-wide lock is held across the transaction,
// so a detached PropagationNew root on the same store proceeds while an
// outer root is still open.
type driver struct {
	store      *Store
	working    map[string]string
	dirty      map[string]bool
	savepoints map[int]savepoint
}

// NewUnitOfWork creates a unit of work over store.
//
// Default propagation is PropagationExisting, matching the SQL adapters.
func NewUnitOfWork(store *Store) *uow.UnitOfWork[*Client] {
	factory := func() uow.Driver[*Client] {
		return &driver{store: store}
	}
	return uow.New(factory, uow.Options{Propagation: uow.PropagationExisting})
}

func (d *driver) Initialize(ctx context.Context) error {
	if d.store.isClosed() {
		return &uow.AbortedError{Reason: "store is closed"}
	}
	return nil
}

func (d *driver) ExecuteBegin(ctx context.Context, opts uow.Options) error {
	if d.store.isClosed() {
		return &uow.AbortedError{Reason: "store is closed"}
	}
	d.working = d.store.snapshot()
	d.dirty = make(map[string]bool)
	d.savepoints = make(map[int]savepoint)
	return nil
}

func (d *driver) ExecuteCommit(ctx context.Context) error {
	if d.store.isClosed() {
		return &uow.AbortedError{Reason: "store is closed"}
	}
	d.store.apply(d.working, d.dirty)
	return nil
}

func (d *driver) ExecuteRollback(ctx context.Context) error {
	if d.store.isClosed() {
		return &uow.AbortedError{Reason: "store is closed"}
	}
	d.working = nil
	d.dirty = nil
	return nil
}

func (d *driver) ExecuteSavepoint(ctx context.Context, level int) error {
	if d.working == nil {
		return fmt.Errorf("savepoint outside transaction")
	}
	d.savepoints[level] = savepoint{
		working: copyMap(d.working),
		dirty:   copyDirty(d.dirty),
	}
	return nil
}

func (d *driver) ExecuteRollbackToSavepoint(ctx context.Context, level int) error {
	saved, ok := d.savepoints[level]
	if !ok {
		return fmt.Errorf("no savepoint at level %d", level)
	}
	d.working = copyMap(saved.working)
	d.dirty = copyDirty(saved.dirty)
	delete(d.savepoints, level)
	return nil
}

func (d *driver) Client() *Client {
	return &Client{d: d}
}

func (d *driver) Annihilate(ctx context.Context) error {
	d.working = nil
	d.dirty = nil
	d.savepoints = nil
	return nil
}

func copyDirty(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
