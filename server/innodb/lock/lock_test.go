package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

type recordingObserver struct {
	mu     sync.Mutex
	begins map[mvcc.TrxId][]mvcc.TrxId
	ends   int
}

func (o *recordingObserver) WaitBegin(waiter mvcc.TrxId, holders []mvcc.TrxId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.begins == nil {
		o.begins = make(map[mvcc.TrxId][]mvcc.TrxId)
	}
	o.begins[waiter] = holders
}

func (o *recordingObserver) WaitEnd(waiter mvcc.TrxId) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends++
}

func TestCompatibilityMatrix(t *testing.T) {
	assert.True(t, LockModeShared.IsCompatible(LockModeShared))
	assert.False(t, LockModeShared.IsCompatible(LockModeExclusive))
	assert.False(t, LockModeExclusive.IsCompatible(LockModeShared))
	assert.False(t, LockModeExclusive.IsCompatible(LockModeExclusive))
	assert.True(t, LockModeNone.IsCompatible(LockModeExclusive))
	assert.False(t, LockMode(9).IsCompatible(LockModeShared))

	assert.True(t, GapModeGap.IsCompatible(GapModeGap))
	assert.False(t, GapModeGap.IsCompatible(GapModeInsertIntention))
	assert.True(t, GapModeInsertIntention.IsCompatible(GapModeGap))
	assert.True(t, GapModeInsertIntention.IsCompatible(GapModeInsertIntention))

	assert.True(t, StrategyNextKey.NeedsGap())
	assert.True(t, StrategyNextKey.NeedsRecord())
	assert.False(t, StrategyRecordOnly.NeedsGap())
	assert.False(t, StrategyGapOnly.NeedsRecord())
}

func TestRecordLock(t *testing.T) {
	ctx := context.Background()

	t.Run("锁改进：重复请求不阻塞不新增记录", func(t *testing.T) {
		l := NewRecordLock()
		created, err := l.Acquire(ctx, 1, LockModeShared)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = l.Acquire(ctx, 1, LockModeShared)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 1, l.HolderCount())
	})

	t.Run("唯一持有者原地升级", func(t *testing.T) {
		l := NewRecordLock()
		_, err := l.Acquire(ctx, 1, LockModeShared)
		require.NoError(t, err)
		created, err := l.Acquire(ctx, 1, LockModeExclusive)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, LockModeExclusive, l.Holds(1))
		assert.Equal(t, 1, l.HolderCount())

		// X 已覆盖 S
		created, err = l.Acquire(ctx, 1, LockModeShared)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, LockModeExclusive, l.Holds(1))
	})

	t.Run("共享锁兼容", func(t *testing.T) {
		l := NewRecordLock()
		_, err := l.Acquire(ctx, 1, LockModeShared)
		require.NoError(t, err)
		_, err = l.Acquire(ctx, 2, LockModeShared)
		require.NoError(t, err)
		assert.Equal(t, []mvcc.TrxId{1, 2}, l.Holders())
	})

	t.Run("排他锁等待释放", func(t *testing.T) {
		l := NewRecordLock()
		obs := &recordingObserver{}
		_, err := l.Acquire(ctx, 1, LockModeShared)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := l.Acquire(WithObserver(ctx, obs), 2, LockModeExclusive)
			done <- err
		}()

		select {
		case <-done:
			t.Fatal("exclusive lock granted while shared lock held")
		case <-time.After(50 * time.Millisecond):
		}

		l.Release(1)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken after release")
		}
		assert.Equal(t, LockModeExclusive, l.Holds(2))

		obs.mu.Lock()
		defer obs.mu.Unlock()
		assert.Equal(t, []mvcc.TrxId{1}, obs.begins[2])
		assert.Equal(t, 1, obs.ends)
	})

	t.Run("先到的排他请求不被后来的共享请求越过", func(t *testing.T) {
		l := NewRecordLock()
		_, err := l.Acquire(ctx, 1, LockModeShared)
		require.NoError(t, err)

		writer := make(chan error, 1)
		go func() {
			_, err := l.Acquire(ctx, 2, LockModeExclusive)
			writer <- err
		}()
		require.Eventually(t, func() bool { return l.WaiterCount() == 1 }, time.Second, 5*time.Millisecond)

		_, blockers := l.TryAcquire(3, LockModeShared)
		assert.Equal(t, []mvcc.TrxId{2}, blockers)

		reader := make(chan error, 1)
		go func() {
			_, err := l.Acquire(ctx, 3, LockModeShared)
			reader <- err
		}()
		require.Eventually(t, func() bool { return l.WaiterCount() == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []mvcc.TrxId{1}, l.Holders())

		l.Release(1)
		select {
		case err := <-writer:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("queued exclusive request not granted")
		}
		assert.Equal(t, LockModeExclusive, l.Holds(2))
		select {
		case <-reader:
			t.Fatal("shared request granted while exclusive lock held")
		case <-time.After(30 * time.Millisecond):
		}

		l.Release(2)
		select {
		case err := <-reader:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("shared request not granted after writer released")
		}
		assert.Equal(t, []mvcc.TrxId{3}, l.Holders())
		assert.Equal(t, 0, l.WaiterCount())
	})

	t.Run("持有者升级不排在等待者之后", func(t *testing.T) {
		l := NewRecordLock()
		_, err := l.Acquire(ctx, 1, LockModeShared)
		require.NoError(t, err)

		writer := make(chan error, 1)
		go func() {
			_, err := l.Acquire(ctx, 2, LockModeExclusive)
			writer <- err
		}()
		require.Eventually(t, func() bool { return l.WaiterCount() == 1 }, time.Second, 5*time.Millisecond)

		created, blockers := l.TryAcquire(1, LockModeExclusive)
		assert.False(t, created)
		assert.Empty(t, blockers)
		assert.Equal(t, LockModeExclusive, l.Holds(1))

		l.Release(1)
		select {
		case err := <-writer:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken after release")
		}
	})

	t.Run("等待可被外层取消", func(t *testing.T) {
		l := NewRecordLock()
		_, err := l.Acquire(ctx, 1, LockModeExclusive)
		require.NoError(t, err)

		cause := errors.New("victim")
		cctx, cancel := context.WithCancelCause(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel(cause)
		}()
		_, err = l.Acquire(cctx, 2, LockModeShared)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, LockModeNone, l.Holds(2))
	})

	t.Run("隐式锁转换", func(t *testing.T) {
		l := NewRecordLock()
		assert.True(t, l.GrantImplicit(7))
		assert.False(t, l.GrantImplicit(7))
		_, blockers := l.TryAcquire(8, LockModeShared)
		assert.Equal(t, []mvcc.TrxId{7}, blockers)
	})

	t.Run("快照读不加锁", func(t *testing.T) {
		l := NewRecordLock()
		created, err := l.Acquire(ctx, 1, LockModeNone)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 0, l.HolderCount())
	})
}

func TestGapLock(t *testing.T) {
	ctx := context.Background()

	t.Run("间隙锁互相兼容", func(t *testing.T) {
		g := NewGapLock(1, 2)
		assert.True(t, g.AcquireGap(1, LockModeShared))
		assert.True(t, g.AcquireGap(2, LockModeExclusive))
		assert.False(t, g.AcquireGap(1, LockModeShared))
		assert.False(t, g.AcquireGap(1, LockModeNone))
		assert.Equal(t, []mvcc.TrxId{1, 2}, g.Holders())
		assert.Equal(t, uint64(1), g.Prev())
		assert.Equal(t, uint64(2), g.Owner())
	})

	t.Run("自己的间隙锁不阻塞自己的插入", func(t *testing.T) {
		g := NewGapLock(0, 1)
		g.AcquireGap(3, LockModeShared)
		assert.Empty(t, g.ConflictsWithInsert(3))
		assert.Equal(t, []mvcc.TrxId{3}, g.ConflictsWithInsert(4))
	})

	t.Run("插入意向等待间隙释放", func(t *testing.T) {
		g := NewGapLock(0, 1)
		g.AcquireGap(1, LockModeShared)

		done := make(chan error, 1)
		go func() {
			done <- g.WaitInsertIntention(ctx, 2)
		}()

		require.Eventually(t, func() bool { return g.IntentionCount() == 1 }, time.Second, 5*time.Millisecond)
		select {
		case <-done:
			t.Fatal("insert intention granted while gap held")
		case <-time.After(30 * time.Millisecond):
		}

		g.Release(1)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("inserter not woken after gap release")
		}
		assert.Equal(t, 0, g.IntentionCount())
	})

	t.Run("插入意向之间互不阻塞", func(t *testing.T) {
		g := NewGapLock(0, 1)
		g.AcquireGap(1, LockModeShared)

		done := make(chan error, 1)
		go func() {
			done <- g.WaitInsertIntention(ctx, 3)
		}()
		require.Eventually(t, func() bool { return g.IntentionCount() == 1 }, time.Second, 5*time.Millisecond)

		// 等待中的意向不是阻塞者，只有间隙持有者是
		assert.Equal(t, []mvcc.TrxId{1}, g.ConflictsWithInsert(4))
		assert.Equal(t, []mvcc.TrxId{1}, g.ConflictsWithInsert(3))

		g.Release(1)
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("inserter not woken after gap release")
		}
		assert.Empty(t, g.ConflictsWithInsert(4))
	})

	t.Run("间隙继承", func(t *testing.T) {
		from := NewGapLock(0, 2)
		from.AcquireGap(5, LockModeExclusive)
		to := NewGapLock(0, 1)
		assert.Equal(t, []mvcc.TrxId{5}, to.Inherit(from))
		assert.Equal(t, LockModeExclusive, to.HoldsGap(5))
		assert.Nil(t, to.Inherit(to))
	})
}
