package uow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver records physical operations in order and can be told to fail
// at specific points.
type fakeDriver struct {
	ops []string

	failInitialize error
	failBegin      error
	failCommit     error
	failRollback   error

	annihilated int
}

func (d *fakeDriver) Initialize(ctx context.Context) error {
	d.ops = append(d.ops, "initialize")
	return d.failInitialize
}

func (d *fakeDriver) ExecuteBegin(ctx context.Context, opts Options) error {
	d.ops = append(d.ops, "begin")
	return d.failBegin
}

func (d *fakeDriver) ExecuteCommit(ctx context.Context) error {
	d.ops = append(d.ops, "commit")
	return d.failCommit
}

func (d *fakeDriver) ExecuteRollback(ctx context.Context) error {
	d.ops = append(d.ops, "rollback")
	return d.failRollback
}

func (d *fakeDriver) ExecuteSavepoint(ctx context.Context, level int) error {
	d.ops = append(d.ops, fmt.Sprintf("savepoint_%d", level))
	return nil
}

func (d *fakeDriver) ExecuteRollbackToSavepoint(ctx context.Context, level int) error {
	d.ops = append(d.ops, fmt.Sprintf("rollback_to_%d", level))
	return nil
}

func (d *fakeDriver) Client() string {
	return "client"
}

func (d *fakeDriver) Annihilate(ctx context.Context) error {
	d.ops = append(d.ops, "annihilate")
	d.annihilated++
	return nil
}

// fakeFactory hands out fresh drivers and remembers them for assertions.
type fakeFactory struct {
	mu      sync.Mutex
	drivers []*fakeDriver
}

func (f *fakeFactory) new() Driver[string] {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &fakeDriver{}
	f.drivers = append(f.drivers, d)
	return d
}

func newTestUnitOfWork() (*UnitOfWork[string], *fakeFactory) {
	factory := &fakeFactory{}
	return New[string](factory.new, Options{Propagation: PropagationExisting}), factory
}

func TestScopeCommitsOnSuccess(t *testing.T) {
	u, factory := newTestUnitOfWork()

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	require.Len(t, factory.drivers, 1)
	assert.Equal(t, []string{"initialize", "begin", "commit", "annihilate"}, factory.drivers[0].ops)
}

func TestScopeRollsBackOnError(t *testing.T) {
	u, factory := newTestUnitOfWork()
	boom := errors.New("boom")

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.Len(t, factory.drivers, 1)
	assert.Equal(t, []string{"initialize", "begin", "rollback", "annihilate"}, factory.drivers[0].ops)
}

func TestWrapPassesClient(t *testing.T) {
	u, _ := newTestUnitOfWork()

	var got string
	err := u.Wrap(context.Background(), func(ctx context.Context, client string) error {
		got = client
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "client", got)
}

func TestClientOutsideScope(t *testing.T) {
	u, _ := newTestUnitOfWork()

	_, err := u.Client(context.Background())
	assert.ErrorIs(t, err, ErrNoTransaction)

	_, err = u.CurrentTransaction(context.Background())
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestClientInsideScope(t *testing.T) {
	u, _ := newTestUnitOfWork()

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		client, err := u.Client(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, "client", client)
		return nil
	})
	require.NoError(t, err)
}

func TestExistingJoinsActiveTransaction(t *testing.T) {
	u, factory := newTestUnitOfWork()

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		return u.Scope(ctx, func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)

	// One physical transaction, no savepoints.
	require.Len(t, factory.drivers, 1)
	assert.Equal(t, []string{"initialize", "begin", "commit", "annihilate"}, factory.drivers[0].ops)
}

func TestNestedUsesSavepoint(t *testing.T) {
	u, factory := newTestUnitOfWork()
	boom := errors.New("inner failed")

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		innerErr := u.ScopeWithOptions(ctx, Options{Propagation: PropagationNested},
			func(ctx context.Context) error {
				return boom
			})
		assert.ErrorIs(t, innerErr, boom)
		// The nested failure collapsed only its savepoint scope.
		return nil
	})
	require.NoError(t, err)

	require.Len(t, factory.drivers, 1)
	assert.Equal(t,
		[]string{"initialize", "begin", "savepoint_1", "rollback_to_1", "commit", "annihilate"},
		factory.drivers[0].ops)
}

func TestNestedSuccessKeepsSavepoint(t *testing.T) {
	u, factory := newTestUnitOfWork()

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		return u.ScopeWithOptions(ctx, Options{Propagation: PropagationNested},
			func(ctx context.Context) error {
				return nil
			})
	})
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"initialize", "begin", "savepoint_1", "commit", "annihilate"},
		factory.drivers[0].ops)
}

func TestExistingSiblingAbortFailsFast(t *testing.T) {
	u, factory := newTestUnitOfWork()
	boom := errors.New("sibling failed")

	var joinErr error
	err := u.Scope(context.Background(), func(ctx context.Context) error {
		// First sibling aborts the shared transaction.
		innerErr := u.Scope(ctx, func(ctx context.Context) error {
			return boom
		})
		assert.ErrorIs(t, innerErr, boom)

		// Second sibling must fail fast instead of silently proceeding.
		joinErr = u.Scope(ctx, func(ctx context.Context) error {
			t.Fatal("must not run against an aborted transaction")
			return nil
		})
		return nil
	})

	assert.True(t, IsAborted(joinErr), "joining an aborted transaction: got %v", joinErr)
	// The root rolled back; the caller is told even though its fn succeeded.
	assert.True(t, IsAborted(err), "root outcome: got %v", err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"initialize", "begin", "rollback", "annihilate"}, factory.drivers[0].ops)
}

func TestNestedFailureLeavesOuterViable(t *testing.T) {
	u, factory := newTestUnitOfWork()

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		_ = u.ScopeWithOptions(ctx, Options{Propagation: PropagationNested},
			func(ctx context.Context) error {
				return errors.New("absorbed")
			})

		// The transaction is still viable: an Existing join works.
		return u.Scope(ctx, func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"initialize", "begin", "savepoint_1", "rollback_to_1", "commit", "annihilate"},
		factory.drivers[0].ops)
}

func TestPropagationNewDetaches(t *testing.T) {
	u, factory := newTestUnitOfWork()

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		return u.ScopeWithOptions(ctx, Options{Propagation: PropagationNew},
			func(ctx context.Context) error {
				return nil
			})
	})
	require.NoError(t, err)

	// Two physical transactions, each with its own driver.
	require.Len(t, factory.drivers, 2)
	for _, d := range factory.drivers {
		assert.Equal(t, []string{"initialize", "begin", "commit", "annihilate"}, d.ops)
	}
}

func TestDetachedFailureDoesNotAbortOuter(t *testing.T) {
	u, factory := newTestUnitOfWork()

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		innerErr := u.ScopeWithOptions(ctx, Options{Propagation: PropagationNew},
			func(ctx context.Context) error {
				return errors.New("detached failure")
			})
		assert.Error(t, innerErr)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, factory.drivers, 2)
	assert.Equal(t, "commit", factory.drivers[0].ops[2])
	assert.Equal(t, "rollback", factory.drivers[1].ops[2])
}

func TestDeeplyNestedSavepointLevels(t *testing.T) {
	u, factory := newTestUnitOfWork()
	nested := Options{Propagation: PropagationNested}

	err := u.Scope(context.Background(), func(ctx context.Context) error {
		return u.ScopeWithOptions(ctx, nested, func(ctx context.Context) error {
			return u.ScopeWithOptions(ctx, nested, func(ctx context.Context) error {
				return errors.New("deepest fails")
			})
		})
	})
	// Each nested scope rolls back to its own savepoint on the way out;
	// the root fn returned the propagated error, so the root rolls back.
	require.Error(t, err)
	assert.Equal(t,
		[]string{"initialize", "begin", "savepoint_1", "savepoint_2", "rollback_to_2", "rollback_to_1", "rollback", "annihilate"},
		factory.drivers[0].ops)
}

func TestConcurrentScopesAreIsolated(t *testing.T) {
	u, factory := newTestUnitOfWork()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := u.Scope(context.Background(), func(ctx context.Context) error {
				tx, err := u.CurrentTransaction(ctx)
				if err != nil {
					return err
				}
				if tx.Level() != 1 {
					return fmt.Errorf("unexpected level %d", tx.Level())
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every chain got its own root transaction and driver.
	require.Len(t, factory.drivers, 8)
	for _, d := range factory.drivers {
		assert.Equal(t, []string{"initialize", "begin", "commit", "annihilate"}, d.ops)
	}
}

func TestTwoUnitsOfWorkDoNotShareScope(t *testing.T) {
	u1, _ := newTestUnitOfWork()
	u2, _ := newTestUnitOfWork()

	err := u1.Scope(context.Background(), func(ctx context.Context) error {
		_, err := u2.Client(ctx)
		assert.ErrorIs(t, err, ErrNoTransaction)
		return nil
	})
	require.NoError(t, err)
}

func TestHookRegistrationOutsideScope(t *testing.T) {
	u, _ := newTestUnitOfWork()
	ctx := context.Background()
	noop := func(ctx context.Context) error { return nil }

	assert.ErrorIs(t, u.BeforeCommit(ctx, noop), ErrOutsideScope)
	assert.ErrorIs(t, u.AfterCommit(ctx, noop), ErrOutsideScope)
	assert.ErrorIs(t, u.AfterRollback(ctx, noop), ErrOutsideScope)
	assert.Contains(t, ErrOutsideScope.Error(), "outside of a transaction scope")
}
