package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lockcache/internal/common"
	"lockcache/internal/filelock"
	"lockcache/internal/storage"
)

func TestIndexedCache_PutGetRemove(t *testing.T) {
	t.Parallel()

	a := newTestAccess(t, t.TempDir(), filelock.LockModeNone)
	c, err := NewIndexedCache(a, stringParams("entries"))
	require.NoError(t, err)

	err = a.UseCache(context.Background(), "write", func(ctx context.Context) error {
		require.NoError(t, c.Put(ctx, "a", "1"))
		v, ok, err := c.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "1", v)

		require.NoError(t, c.Remove(ctx, "a"))
		_, ok, err = c.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
	assert.FileExists(t, a.cacheFile("entries"))
}

func TestIndexedCache_RequiresLock(t *testing.T) {
	t.Parallel()

	a := newTestAccess(t, t.TempDir(), filelock.LockModeNone)
	c, err := NewIndexedCache(a, stringParams("entries"))
	require.NoError(t, err)

	_, _, err = c.Get(context.Background(), "a")
	assert.ErrorIs(t, err, common.ErrIllegalState)
}

func TestIndexedCache_PersistsAcrossAccesses(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := newTestAccess(t, dir, filelock.LockModeNone)
	c, err := NewIndexedCache(a, stringParams("entries"))
	require.NoError(t, err)
	require.NoError(t, a.UseCache(context.Background(), "write", func(ctx context.Context) error {
		return c.Put(ctx, "key", "value")
	}))
	require.NoError(t, a.Close())

	b := newTestAccess(t, dir, filelock.LockModeExclusive)
	c2, err := NewIndexedCache(b, stringParams("entries"))
	require.NoError(t, err)
	v, err := UseCacheValue(context.Background(), b, "read", func(ctx context.Context) (string, error) {
		v, _, err := c2.Get(ctx, "key")
		return v, err
	})
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestIndexedCache_SharedModeIsReadOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := newTestAccess(t, dir, filelock.LockModeExclusive)
	c, err := NewIndexedCache(a, stringParams("entries"))
	require.NoError(t, err)
	require.NoError(t, a.UseCache(context.Background(), "write", func(ctx context.Context) error {
		return c.Put(ctx, "key", "value")
	}))
	require.NoError(t, a.Close())

	b := newTestAccess(t, dir, filelock.LockModeShared)
	shared, err := NewIndexedCache(b, stringParams("entries"))
	require.NoError(t, err)
	err = b.UseCache(context.Background(), "read", func(ctx context.Context) error {
		v, ok, err := shared.Get(ctx, "key")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "value", v)
		return shared.Put(ctx, "key", "other")
	})
	assert.ErrorIs(t, err, common.ErrInsufficientLockMode)
}

func TestNewIndexedCache_Reuse(t *testing.T) {
	t.Parallel()

	a := newTestAccess(t, t.TempDir(), filelock.LockModeNone)
	first, err := NewIndexedCache(a, stringParams("entries"))
	require.NoError(t, err)
	second, err := NewIndexedCache(a, stringParams("entries"))
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = NewIndexedCache(a, decoratedParams("entries"))
	require.ErrorIs(t, err, common.ErrInvalidCacheReuse)
	assert.Contains(t, err.Error(), "decorator")

	_, err = NewIndexedCache(a, IndexedCacheParameters[string, []byte]{
		CacheName:       "entries",
		KeySerializer:   storage.StringSerializer{},
		ValueSerializer: storage.BytesSerializer{},
	})
	require.ErrorIs(t, err, common.ErrInvalidCacheReuse)
	assert.Contains(t, err.Error(), "value serializer")
}

func TestNewIndexedCache_AfterClose(t *testing.T) {
	t.Parallel()

	a := newTestAccess(t, t.TempDir(), filelock.LockModeNone)
	require.NoError(t, a.Close())
	_, err := NewIndexedCache(a, stringParams("entries"))
	assert.ErrorIs(t, err, common.ErrClosed)
}

func TestDecoratedCache_ReadsOwnWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := newTestAccess(t, dir, filelock.LockModeNone)
	c, err := NewIndexedCache(a, decoratedParams("entries"))
	require.NoError(t, err)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(ctx, k, k+"-value"))
	}
	require.NoError(t, c.Remove(ctx, "b"))

	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a-value", v)
	_, ok, err = c.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Flush(ctx))
	require.NoError(t, a.Close())

	b := newTestAccess(t, dir, filelock.LockModeNone)
	c2, err := NewIndexedCache(b, decoratedParams("entries"))
	require.NoError(t, err)
	v, ok, err = c2.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c-value", v)
	_, ok, err = c2.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecoratedCache_ExclusiveMode(t *testing.T) {
	t.Parallel()

	a := newTestAccess(t, t.TempDir(), filelock.LockModeExclusive)
	c, err := NewIndexedCache(a, decoratedParams("entries"))
	require.NoError(t, err)
	ctx := context.Background()

	v, err := GetOrCreate(ctx, c, "k", func(k string) (string, error) { return k + "!", nil })
	require.NoError(t, err)
	assert.Equal(t, "k!", v)
	require.NoError(t, a.Flush(ctx))

	v, err = GetOrCreate(ctx, c, "k", func(string) (string, error) { return "", assert.AnError })
	require.NoError(t, err)
	assert.Equal(t, "k!", v)
}

func TestDecoratedCache_ReadWhileOwningFails(t *testing.T) {
	t.Parallel()

	a := newTestAccess(t, t.TempDir(), filelock.LockModeNone)
	c, err := NewIndexedCache(a, decoratedParams("entries"))
	require.NoError(t, err)

	err = a.UseCache(context.Background(), "owner", func(ctx context.Context) error {
		_, _, err := c.Get(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, common.ErrIllegalState)
}

func TestDecoratedCache_FlushWhileOwningFails(t *testing.T) {
	t.Parallel()

	a := newTestAccess(t, t.TempDir(), filelock.LockModeExclusive)
	c, err := NewIndexedCache(a, decoratedParams("entries"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- a.UseCache(context.Background(), "owner", func(ctx context.Context) error {
			if err := c.Put(ctx, "k", "v"); err != nil {
				return err
			}
			return a.Flush(ctx)
		})
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, common.ErrIllegalState)
	case <-time.After(5 * time.Second):
		t.Fatal("flush inside a cache action did not return")
	}

	// The queued put still lands once the action has ended.
	require.NoError(t, a.Flush(context.Background()))
	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestAccess_CacheExists(t *testing.T) {
	t.Parallel()

	a := newTestAccess(t, t.TempDir(), filelock.LockModeNone)
	c, err := NewIndexedCache(a, stringParams("entries"))
	require.NoError(t, err)
	assert.False(t, a.CacheExists("entries"))

	require.NoError(t, a.UseCache(context.Background(), "write", func(ctx context.Context) error {
		return c.Put(ctx, "k", "v")
	}))
	assert.True(t, a.CacheExists("entries"))
	assert.False(t, a.CacheExists("other"))
}

func TestDecoratedCache_SeesChangesFromOtherProcess(t *testing.T) {
	t.Parallel()
	requireDescriptorLocks(t)

	dir := t.TempDir()
	a := newTestAccess(t, dir, filelock.LockModeNone, func(o *Options) {
		o.LockManager = newContendingManager(t)
	})
	c, err := NewIndexedCache(a, decoratedParams("entries"))
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	b := newTestAccess(t, dir, filelock.LockModeNone, func(o *Options) {
		o.LockManager = newContendingManager(t)
		o.Worker = WorkerOptions{BatchWindow: 10 * time.Millisecond}
	})
	other, err := NewIndexedCache(b, stringParams("entries"))
	require.NoError(t, err)
	require.NoError(t, b.UseCache(ctx, "write", func(ctx context.Context) error {
		return other.Put(ctx, "k", "from other")
	}))
	require.NoError(t, b.Close())

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from other", v)
}
