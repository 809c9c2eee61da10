package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unitflow/internal/core/uow"
)

func TestCommitMakesWritesVisible(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)

	err := u.Wrap(context.Background(), func(ctx context.Context, client *Client) error {
		client.Set("a", "1")
		// Uncommitted writes are invisible outside the transaction.
		_, ok := store.Get("a")
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	v, ok := store.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestRollbackDiscardsAllWrites(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)
	boom := errors.New("boom")

	err := u.Wrap(context.Background(), func(ctx context.Context, client *Client) error {
		client.Set("a", "1")
		return u.Wrap(ctx, func(ctx context.Context, client *Client) error {
			client.Set("b", "2")
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	assert.Zero(t, store.Len(), "no write may survive the rollback")
}

func TestExistingJoinSharesFate(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)

	err := u.Wrap(context.Background(), func(ctx context.Context, outer *Client) error {
		outer.Set("outer", "1")
		return u.Wrap(ctx, func(ctx context.Context, inner *Client) error {
			// Existing propagation: same physical transaction, the inner
			// client sees the outer's uncommitted write.
			v, ok := inner.Get("outer")
			assert.True(t, ok)
			assert.Equal(t, "1", v)
			inner.Set("inner", "2")
			return nil
		})
	})
	require.NoError(t, err)

	_, outerOK := store.Get("outer")
	_, innerOK := store.Get("inner")
	assert.True(t, outerOK && innerOK, "joined writes commit together")
}

func TestNestedRollsBackOnlyItsOwnWrites(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)

	err := u.Wrap(context.Background(), func(ctx context.Context, client *Client) error {
		client.Set("a", "1")

		innerErr := u.WrapWithOptions(ctx, uow.Options{Propagation: uow.PropagationNested},
			func(ctx context.Context, client *Client) error {
				client.Set("b", "2")
				return errors.New("nested failure")
			})
		require.Error(t, innerErr)

		client.Set("c", "3")
		return nil
	})
	require.NoError(t, err)

	// Final state is {a, c}: the nested write b vanished with its
	// savepoint, the outer writes before and after it committed.
	_, aOK := store.Get("a")
	_, bOK := store.Get("b")
	_, cOK := store.Get("c")
	assert.True(t, aOK)
	assert.False(t, bOK)
	assert.True(t, cOK)
}

func TestExistingJoinAfterSiblingAbortFailsFast(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)

	var joinErr error
	err := u.Wrap(context.Background(), func(ctx context.Context, client *Client) error {
		_ = u.Wrap(ctx, func(ctx context.Context, client *Client) error {
			client.Set("poison", "1")
			return errors.New("sibling failure")
		})

		joinErr = u.Wrap(ctx, func(ctx context.Context, client *Client) error {
			client.Set("late", "1")
			return nil
		})
		return nil
	})

	assert.True(t, uow.IsAborted(joinErr), "got %v", joinErr)
	assert.True(t, uow.IsAborted(err), "got %v", err)
	assert.Zero(t, store.Len())
}

func TestClosedStoreFailsWithAbortedError(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)
	store.Close()

	err := u.Wrap(context.Background(), func(ctx context.Context, client *Client) error {
		return nil
	})
	assert.True(t, uow.IsAborted(err), "got %v", err)
}

func TestCloseMidTransactionTranslatesOnCommit(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)

	err := u.Wrap(context.Background(), func(ctx context.Context, client *Client) error {
		client.Set("a", "1")
		store.Close()
		return nil
	})
	assert.True(t, uow.IsAborted(err), "got %v", err)
	assert.Zero(t, store.Len())
}

func TestConcurrentWrapsCommitIndependently(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := u.Wrap(context.Background(), func(ctx context.Context, client *Client) error {
				client.Set(fmt.Sprintf("key_%d", i), "v")
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Commits merge only the keys each transaction touched, so concurrent
	// roots never clobber each other's writes.
	assert.Equal(t, 16, store.Len(), "every transaction committed its write")
}

func TestNewPropagationInsideScopeOnSameStore(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)

	done := make(chan error, 1)
	go func() {
		done <- u.Wrap(context.Background(), func(ctx context.Context, outer *Client) error {
			outer.Set("outer", "1")

			err := u.WrapWithOptions(ctx, uow.Options{Propagation: uow.PropagationNew},
				func(ctx context.Context, detached *Client) error {
					detached.Set("detached", "1")
					return nil
				})
			if err != nil {
				return err
			}

			// The detached root committed already and is visible outside,
			// but not through the outer transaction's begin-time snapshot.
			_, committed := store.Get("detached")
			assert.True(t, committed)
			_, seen := outer.Get("detached")
			assert.False(t, seen)
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("detached transaction on the same store never completed")
	}

	_, outerOK := store.Get("outer")
	_, detachedOK := store.Get("detached")
	assert.True(t, outerOK, "outer write committed")
	assert.True(t, detachedOK, "detached write survived the outer commit")
}

func TestDeleteInsideTransaction(t *testing.T) {
	store := NewStore()
	u := NewUnitOfWork(store)

	require.NoError(t, u.Wrap(context.Background(), func(ctx context.Context, client *Client) error {
		client.Set("gone", "1")
		return nil
	}))
	require.NoError(t, u.Wrap(context.Background(), func(ctx context.Context, client *Client) error {
		client.Delete("gone")
		return nil
	}))

	_, ok := store.Get("gone")
	assert.False(t, ok)
}
