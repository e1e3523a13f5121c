package manager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-concurrency/logger"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/clusterindex"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// Transaction 事务上下文
//
// 隔离级别实例（以及它缓存的读视图）属于事务本身，执行层的每次调用都
// 经由这里进入，不依赖线程身份。
type Transaction struct {
	ID        mvcc.TrxId // 事务ID
	Worker    uuid.UUID  // 所属工作者
	State     uint8      // 事务状态
	StartTime time.Time  // 开始时间

	ctx       context.Context
	cancel    context.CancelCauseFunc
	isolation IsolationLevel
	tm        *TransactionManager
}

// Isolation 事务的隔离级别实例
func (trx *Transaction) Isolation() IsolationLevel {
	return trx.isolation
}

// ReadView 事务的读视图
func (trx *Transaction) ReadView() (*mvcc.ReadView, error) {
	return trx.isolation.GetTxnReadView()
}

// Context 事务上下文，死锁牺牲者的上下文会以 ErrDeadlockDetected 取消
func (trx *Transaction) Context() context.Context {
	return trx.ctx
}

// Commit 提交
func (trx *Transaction) Commit() error {
	return trx.tm.Commit(trx)
}

// Rollback 回滚
func (trx *Transaction) Rollback() error {
	return trx.tm.Rollback(trx)
}

// statement 开始一条语句：检查事务状态，按配置为锁等待加上超时
func (trx *Transaction) statement() (context.Context, context.CancelFunc, error) {
	if !trx.tm.IsActive(trx.ID) {
		return nil, nil, errors.Wrapf(basic.ErrInvalidTransactionState, "trx %d is not active", trx.ID)
	}
	if err := context.Cause(trx.ctx); err != nil {
		return nil, nil, errors.Wrapf(basic.ErrTransactionAborted, "trx %d: %v", trx.ID, err)
	}
	if trx.tm.lockWaitTimeout <= 0 {
		return trx.ctx, func() {}, nil
	}
	ctx, cancel := context.WithTimeoutCause(trx.ctx, trx.tm.lockWaitTimeout, basic.ErrLockWaitTimeout)
	return ctx, cancel, nil
}

// Insert 插入一行
//
// 乐观路径：X 闩锁下找到后继，后继的间隙没有其他事务持有就直接链入，
// 新记录只带隐式锁（写事务ID）。有冲突时放开闩锁登记插入意向并等待，
// 获准后重新定位。
func (trx *Transaction) Insert(idx *clusterindex.ClusteredIndex, values []interface{}) (*clusterindex.Entry, error) {
	ctx, cancel, err := trx.statement()
	if err != nil {
		return nil, err
	}
	defer cancel()

	if len(values) == 0 {
		return nil, errors.Wrap(basic.ErrInvalidValue, "empty row")
	}
	k, err := idx.Schema().Coerce(0, values[0])
	if err != nil {
		return nil, err
	}
	key := k.(int64)

	for {
		idx.Latch().XLock()
		if idx.SeekLocked(key) != nil {
			idx.Latch().XUnlock()
			return nil, errors.Wrapf(basic.ErrDuplicateKey, "table %s key %d", idx.Schema().Table, key)
		}
		succ := idx.SuccessorLocked(key)
		gap := succ.GapLock()
		blockers := gap.ConflictsWithInsert(trx.ID)
		if len(blockers) == 0 {
			entry, err := idx.InsertLocked(values, trx.ID)
			if err != nil {
				idx.Latch().XUnlock()
				return nil, err
			}
			// 间隙分裂：(pred, succ) 上的锁同样覆盖新的 (pred, entry)
			trx.tm.lockManager.InheritGap(entry.GapLock(), gap)
			idx.Latch().XUnlock()

			trx.tm.undoManager.RecordInsert(trx.ID, entry)
			return entry, nil
		}
		idx.Latch().XUnlock()

		logger.WithFields(logger.Fields{"trx": trx.ID, "key": key, "holders": blockers}).
			Debugf("insert intention waits on gap")
		if err := gap.WaitInsertIntention(ctx, trx.ID); err != nil {
			return nil, err
		}
	}
}

// Get 点查。快照读返回可见版本；当前读在记录上加锁，键不存在时锁住它所在的间隙。
// 返回 nil, nil 表示该键对本事务不存在。
func (trx *Transaction) Get(idx *clusterindex.ClusteredIndex, key int64, mode lock.LockMode) (*clusterindex.Entry, error) {
	ctx, cancel, err := trx.statement()
	if err != nil {
		return nil, err
	}
	defer cancel()
	return trx.get(ctx, idx, key, mode)
}

func (trx *Transaction) get(ctx context.Context, idx *clusterindex.ClusteredIndex, key int64, mode lock.LockMode) (*clusterindex.Entry, error) {
	iso := trx.isolation
	if !mode.IsLocking() {
		view, err := iso.GetTxnReadView()
		if err != nil {
			return nil, err
		}
		return iso.LockIfVisible(ctx, idx.Seek(key), mode, view, lock.StrategyRecordOnly)
	}

	for {
		idx.Latch().SLock()
		cur := idx.SeekGELocked(key)
		pred := idx.PrevLocked(cur)
		idx.Latch().SUnlock()

		if !cur.IsSupremum() && cur.Key() == key {
			visible, err := iso.LockIfVisible(ctx, cur, mode, nil, lock.StrategyRecordOnly)
			if err != nil || visible != nil {
				return visible, err
			}
			// 等待期间记录被回滚摘除，重新定位
			continue
		}

		if _, err := iso.LockIfVisible(ctx, cur, mode, nil, lock.StrategyGapOnly); err != nil {
			return nil, err
		}
		if idx.Adjacent(pred, cur) {
			return nil, nil
		}
		// 间隙在加锁前被分裂，cur 上新加的间隙锁不再覆盖 key
		iso.UnlockIfPossible(pred, cur, mode, true)
	}
}

// Scan 范围读 [lo, hi]，按键升序返回可见的行。
//
// 当前读对范围内的记录加 next-key 锁，对第一条超出范围的边界记录只加间隙锁。
// 边界间隙完全落在 hi 之后时，扫描结束即释放它；否则它仍守着范围的尾部，
// 保留到事务结束。每次加锁后都确认前驱没有变化，加锁前已经插入间隙的记录
// 会被重新访问。
func (trx *Transaction) Scan(idx *clusterindex.ClusteredIndex, lo, hi int64, mode lock.LockMode) ([]*clusterindex.Entry, error) {
	ctx, cancel, err := trx.statement()
	if err != nil {
		return nil, err
	}
	defer cancel()

	iso := trx.isolation
	var view *mvcc.ReadView
	if !mode.IsLocking() {
		if view, err = iso.GetTxnReadView(); err != nil {
			return nil, err
		}
	}

	var (
		rows []*clusterindex.Entry
		last *clusterindex.Entry // 最后访问的范围内记录
	)
	for {
		pred, cur := scanPosition(idx, lo, last)
		boundary := cur.IsSupremum() || cur.Key() > hi

		strategy := lock.StrategyNextKey
		if boundary {
			strategy = lock.StrategyGapOnly
		}
		visible, err := iso.LockIfVisible(ctx, cur, mode, view, strategy)
		if err != nil {
			return nil, err
		}
		if mode.IsLocking() && !idx.Adjacent(pred, cur) {
			if boundary {
				// 重新定位后边界上的间隙锁会重新加，先放掉这次新加的
				iso.UnlockIfPossible(last, cur, mode, true)
			}
			continue
		}

		if boundary {
			// 边界间隙 (pred, cur) 与 [lo, hi] 不相交时才放掉
			iso.UnlockIfPossible(last, cur, mode, pred != nil && pred.Key() >= hi)
			return rows, nil
		}
		if visible != nil {
			rows = append(rows, visible)
		}
		last = cur
	}
}

// scanPosition 扫描的下一个位置及其前驱
func scanPosition(idx *clusterindex.ClusteredIndex, lo int64, last *clusterindex.Entry) (pred, cur *clusterindex.Entry) {
	idx.Latch().SLock()
	defer idx.Latch().SUnlock()

	switch {
	case last == nil:
		cur = idx.SeekGELocked(lo)
	case idx.ContainsLocked(last):
		return last, idx.NextLocked(last)
	default:
		cur = idx.SuccessorLocked(last.Key())
	}
	return idx.PrevLocked(cur), cur
}

// Update 以 X 锁读取记录，写入撤销日志后修改可变列
func (trx *Transaction) Update(idx *clusterindex.ClusteredIndex, key int64, offset int, value interface{}) (*clusterindex.Entry, error) {
	ctx, cancel, err := trx.statement()
	if err != nil {
		return nil, err
	}
	defer cancel()

	schema := idx.Schema()
	col, err := schema.Column(offset)
	if err != nil {
		return nil, err
	}
	if !col.Mutable {
		return nil, errors.Wrapf(basic.ErrSchemaImmutability, "column %s.%s", schema.Table, col.Name)
	}
	v, err := schema.Coerce(offset, value)
	if err != nil {
		return nil, err
	}

	entry, err := trx.get(ctx, idx, key, lock.LockModeExclusive)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.Wrapf(basic.ErrKeyNotFound, "table %s key %d", schema.Table, key)
	}

	if _, err := trx.tm.undoManager.RecordUpdate(trx.ID, entry, offset); err != nil {
		return nil, err
	}
	if err := entry.SetColumn(offset, v, trx.ID); err != nil {
		return nil, err
	}
	return entry, nil
}
