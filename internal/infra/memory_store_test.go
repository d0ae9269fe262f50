package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreStringsAndTTL(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	now = now.Add(2 * time.Minute)
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreSetNX(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := store.DelIfEquals(ctx, "lock", "wrong")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = store.DelIfEquals(ctx, "lock", "a")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestMemoryStoreLists(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.RPush(ctx, "buf", "a", "b", "c", "d"))
	require.NoError(t, store.LPush(ctx, "buf", "z"))

	all, err := store.LRange(ctx, "buf", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "b", "c", "d"}, all)

	moved, err := store.LMoveBatch(ctx, "buf", "proc", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "b"}, moved)

	rest, err := store.LRange(ctx, "buf", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, rest)

	proc, err := store.LRange(ctx, "proc", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "b"}, proc)

	require.NoError(t, store.LTrim(ctx, "proc", 0, 1))
	n, err := store.LLen(ctx, "proc")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestMemoryStoreZSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "spend", 100, "100|0.5"))
	require.NoError(t, store.ZAdd(ctx, "spend", 200, "200|1.5"))
	require.NoError(t, store.ZAdd(ctx, "spend", 300, "300|2.5"))

	window, err := store.ZRangeByScore(ctx, "spend", 150, 300)
	require.NoError(t, err)
	assert.Equal(t, []string{"200|1.5", "300|2.5"}, window)

	require.NoError(t, store.ZRemRangeBelow(ctx, "spend", 150))
	window, err = store.ZRangeByScore(ctx, "spend", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"200|1.5", "300|2.5"}, window)
}

func TestMemoryStoreScanKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "jit:agent-1:tok1", "x", 0))
	require.NoError(t, store.Set(ctx, "jit:agent-1:tok2", "x", 0))
	require.NoError(t, store.Set(ctx, "jit:agent-2:tok3", "x", 0))

	keys, err := store.ScanKeys(ctx, "jit:agent-1:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"jit:agent-1:tok1", "jit:agent-1:tok2"}, keys)
}

func TestMemoryStoreIncrWithTTL(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	n, err := store.IncrWithTTL(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = store.IncrWithTTL(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestDistLock(t *testing.T) {
	store := NewMemoryStore()
	lock := NewDistLock(store, LockOptions{TTL: time.Minute, Retries: 1, RetryDelay: time.Millisecond})
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "audit:flush")
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, "audit:flush")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not acquire lock: audit:flush")

	release()

	release2, err := lock.Acquire(ctx, "audit:flush")
	require.NoError(t, err)
	release2()
}

func TestDistLockReleaseIsOwnerOnly(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	lock := NewDistLock(store, LockOptions{TTL: time.Second, Retries: 0, RetryDelay: time.Millisecond})
	ctx := context.Background()

	staleRelease, err := lock.Acquire(ctx, "job")
	require.NoError(t, err)

	// TTL elapses, someone else takes the lock
	now = now.Add(2 * time.Second)
	_, err = lock.Acquire(ctx, "job")
	require.NoError(t, err)

	// stale holder must not free the new owner's lock
	staleRelease()
	_, ok, err := store.Get(ctx, "lock:job")
	require.NoError(t, err)
	assert.True(t, ok)
}
