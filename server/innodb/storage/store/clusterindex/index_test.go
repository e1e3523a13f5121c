package clusterindex

import (
	"context"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// columnRevert 测试用更新器：把一列恢复为旧值
type columnRevert struct {
	offset int
	value  interface{}
	trxID  mvcc.TrxId
	older  VersionRecord
}

func (r *columnRevert) Update(clone *Entry) {
	clone.RestoreVersion(r.offset, r.value, r.trxID, r.older)
}

func (r *columnRevert) Older() VersionRecord {
	return r.older
}

func insert(t *testing.T, idx *ClusteredIndex, key int64, name string, num int64, trx mvcc.TrxId) *Entry {
	t.Helper()
	idx.Latch().XLock()
	defer idx.Latch().XUnlock()
	e, err := idx.InsertLocked([]interface{}{key, name, num}, trx)
	require.NoError(t, err)
	return e
}

func assertChainSorted(t *testing.T, idx *ClusteredIndex) {
	t.Helper()
	entries := idx.Entries()
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].Key(), entries[i].Key())
		assert.Equal(t, entries[i-1], entries[i].Prev())
		assert.Equal(t, entries[i], entries[i-1].Next())
	}
	if len(entries) > 0 {
		assert.Nil(t, entries[0].Prev())
		assert.Equal(t, idx.Supremum(), entries[len(entries)-1].Next())
		assert.Equal(t, entries[len(entries)-1], idx.Supremum().Prev())
	}
	assert.Equal(t, len(entries), idx.Len())
}

func TestClusteredIndexOrdering(t *testing.T) {
	idx := NewClusteredIndex("t", nil)
	keys := rand.New(rand.NewSource(42)).Perm(200)
	for _, k := range keys {
		insert(t, idx, int64(k), "n", 1, 1)
		assertChainSorted(t, idx)
	}

	assert.Equal(t, int64(0), idx.First().Key())
	assert.Equal(t, int64(50), idx.Seek(50).Key())
	assert.Nil(t, idx.Seek(1000))
	assert.True(t, idx.SeekGE(1000).IsSupremum())

	idx.Latch().XLock()
	_, err := idx.InsertLocked([]interface{}{int64(7), "dup", 1}, 2)
	idx.Latch().XUnlock()
	assert.True(t, errors.Is(err, basic.ErrDuplicateKey))
}

func TestGapLockBinding(t *testing.T) {
	idx := NewClusteredIndex("t", nil)
	e10 := insert(t, idx, 10, "a", 1, 1)
	e30 := insert(t, idx, 30, "c", 1, 1)
	e20 := insert(t, idx, 20, "b", 1, 1)

	for _, e := range idx.Entries() {
		require.NotNil(t, e.GapLock())
		assert.Equal(t, uint64(e.ID()), e.GapLock().Owner())
	}
	// 前驱以创建时为准
	assert.Equal(t, uint64(0), e10.GapLock().Prev())
	assert.Equal(t, uint64(e10.ID()), e30.GapLock().Prev())
	assert.Equal(t, uint64(e10.ID()), e20.GapLock().Prev())
	assert.Equal(t, e20, e30.Prev())

	t.Run("摘除记录", func(t *testing.T) {
		idx.Latch().XLock()
		succ, err := idx.RemoveLocked(e20)
		idx.Latch().XUnlock()
		require.NoError(t, err)
		assert.Equal(t, e30, succ)
		assert.Nil(t, idx.Entry(e20.ID()))
		assertChainSorted(t, idx)

		idx.Latch().XLock()
		_, err = idx.RemoveLocked(e20)
		idx.Latch().XUnlock()
		assert.True(t, errors.Is(err, basic.ErrKeyNotFound))
	})
}

func TestEntryColumns(t *testing.T) {
	idx := NewClusteredIndex("t", nil)
	e := insert(t, idx, 5, "five", 50, 3)

	assert.True(t, e.IsPrimaryIndexEntry())
	assert.True(t, e.ColumnExists(0))
	assert.True(t, e.ColumnExists(2))
	assert.False(t, e.ColumnExists(3))
	assert.False(t, e.ColumnExists(-1))

	v, err := e.GetColumn(1)
	require.NoError(t, err)
	assert.Equal(t, "five", v)

	_, err = e.GetColumn(3)
	assert.True(t, errors.Is(err, basic.ErrInvalidColumnOffset))

	t.Run("不可变列写入失败", func(t *testing.T) {
		for _, offset := range []int{0, 1} {
			err := e.SetColumn(offset, "x", 9)
			assert.True(t, errors.Is(err, basic.ErrSchemaImmutability), "offset %d", offset)
		}
		assert.Equal(t, mvcc.TrxId(3), e.TrxID())

		// 即便持有排他锁也一样
		_, err := e.RecordLock().Acquire(context.Background(), 9, lock.LockModeExclusive)
		require.NoError(t, err)
		assert.True(t, errors.Is(e.SetColumn(0, int64(6), 9), basic.ErrSchemaImmutability))
	})

	t.Run("可变列写入", func(t *testing.T) {
		require.NoError(t, e.SetColumn(2, "12.5", 9))
		v, err := e.GetColumn(2)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("12.5").Equal(v.(decimal.Decimal)))
		assert.Equal(t, mvcc.TrxId(9), e.TrxID())

		assert.True(t, errors.Is(e.SetColumn(2, struct{}{}, 9), basic.ErrInvalidValue))
	})
}

func TestBuildHistoricalVersion(t *testing.T) {
	idx := NewClusteredIndex("t", nil)
	e := insert(t, idx, 1, "one", 100, 4)
	before := e.Values()

	// 模拟一次更新及其逆操作
	undo := &columnRevert{offset: 2, value: before[2], trxID: e.TrxID(), older: e.History()}
	e.AttachHistory(undo)
	require.NoError(t, e.SetColumn(2, 250, 8))

	old := e.BuildHistoricalVersion(undo)
	assert.True(t, old.IsHistorical())
	assert.Nil(t, old.RecordLock())
	assert.Nil(t, old.GapLock())
	assert.Equal(t, e.Key(), old.Key())
	assert.Equal(t, mvcc.TrxId(4), old.TrxID())
	assert.Nil(t, old.History())

	after := old.Values()
	require.Len(t, after, len(before))
	for i := range before {
		if d, ok := before[i].(decimal.Decimal); ok {
			assert.True(t, d.Equal(after[i].(decimal.Decimal)), "column %d", i)
			continue
		}
		assert.Equal(t, before[i], after[i], "column %d", i)
	}

	// 活记录不受影响，只多了一个历史节点
	v, _ := e.GetColumn(2)
	assert.True(t, decimal.NewFromInt(250).Equal(v.(decimal.Decimal)))
	assert.Equal(t, VersionRecord(undo), e.History())

	// 克隆体与活记录共享链表邻居
	assert.Equal(t, idx.Supremum(), old.Next())
}
