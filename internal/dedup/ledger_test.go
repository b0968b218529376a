package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerDetectsDuplicates(t *testing.T) {
	l := NewMemoryLedger(10)
	ctx := context.Background()

	fresh, err := l.Add(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = l.Add(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, 1, l.Len())
}

func TestMemoryLedgerEvictsOldestFirst(t *testing.T) {
	l := NewMemoryLedger(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		fresh, err := l.Add(ctx, id)
		require.NoError(t, err)
		require.True(t, fresh)
	}

	assert.Equal(t, 3, l.Len())
	assert.False(t, l.Contains("a"))
	assert.True(t, l.Contains("b"))
	assert.True(t, l.Contains("d"))

	fresh, _ := l.Add(ctx, "a")
	assert.True(t, fresh, "evicted id is treated as new")
	assert.False(t, l.Contains("b"))
}

func TestMemoryLedgerDefaultCapacity(t *testing.T) {
	l := NewMemoryLedger(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		_, _ = l.Add(context.Background(), fmt.Sprintf("id-%d", i))
	}
	assert.Equal(t, DefaultCapacity, l.Len())
	assert.False(t, l.Contains("id-0"))
}

func TestMemoryLedgerConcurrentAddIsAtomic(t *testing.T) {
	l := NewMemoryLedger(100)
	var fresh int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Add(context.Background(), "same"); ok {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh)
}

func setupRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	l, err := NewRedisLedger(&RedisConfig{Address: mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisLedger(t *testing.T) {
	l, mr := setupRedisLedger(t)
	ctx := context.Background()

	fresh, err := l.Add(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = l.Add(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, fresh)

	assert.True(t, mr.Exists("mailhook:delivery:m1"))
	assert.Equal(t, time.Minute, mr.TTL("mailhook:delivery:m1"))

	mr.FastForward(2 * time.Minute)
	fresh, err = l.Add(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, fresh, "expired id is treated as new")
	assert.NoError(t, l.Health(ctx))
}

func TestRedisLedgerErrors(t *testing.T) {
	_, err := NewRedisLedger(nil)
	assert.Error(t, err)

	l, mr := setupRedisLedger(t)
	mr.Close()
	_, err = l.Add(context.Background(), "m1")
	assert.Error(t, err)
}

func TestMemoryLedgerForget(t *testing.T) {
	l := NewMemoryLedger(3)
	ctx := context.Background()
	_, _ = l.Add(ctx, "a")
	_, _ = l.Add(ctx, "b")

	require.NoError(t, l.Forget(ctx, "a"))
	require.NoError(t, l.Forget(ctx, "unknown"))
	assert.False(t, l.Contains("a"))
	assert.Equal(t, 1, l.Len())

	fresh, err := l.Add(ctx, "a")
	require.NoError(t, err)
	assert.True(t, fresh, "forgotten id is processed again")

	// evicts the slot "a" used to occupy; the re-added "a" lives elsewhere
	_, _ = l.Add(ctx, "c")
	assert.True(t, l.Contains("a"))
	assert.True(t, l.Contains("b"))
	assert.True(t, l.Contains("c"))
	assert.Equal(t, 3, l.Len())
}

func TestRedisLedgerForget(t *testing.T) {
	l, mr := setupRedisLedger(t)
	ctx := context.Background()

	_, err := l.Add(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, l.Forget(ctx, "m1"))
	assert.False(t, mr.Exists("mailhook:delivery:m1"))

	fresh, err := l.Add(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestRedisLockerSerialisesHolders(t *testing.T) {
	l, mr := setupRedisLedger(t)
	first := l.Locker(time.Minute)
	second := l.Locker(time.Minute)

	unlock, err := first.Lock(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("mailhook:lock:acct-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = second.Lock(ctx, "acct-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := second.Lock(context.Background(), "acct-2")
	require.NoError(t, err)
	other()

	acquired := make(chan struct{})
	go func() {
		release, err := second.Lock(context.Background(), "acct-1")
		if err == nil {
			release()
		}
		close(acquired)
	}()

	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiting holder never acquired the lock")
	}
}

func TestRedisLockerReleaseKeepsOtherHolder(t *testing.T) {
	l, mr := setupRedisLedger(t)
	locker := l.Locker(time.Second)

	stale, err := locker.Lock(context.Background(), "acct-1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	current, err := locker.Lock(context.Background(), "acct-1")
	require.NoError(t, err)
	defer current()

	stale()
	assert.True(t, mr.Exists("mailhook:lock:acct-1"), "expired holder must not release the new lease")
}
