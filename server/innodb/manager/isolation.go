package manager

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-concurrency/logger"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/clusterindex"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// SystemCatalog 事务目录，由事务管理器实现
type SystemCatalog interface {
	// ResolveTransactionID 由工作者标识找到它当前的事务
	ResolveTransactionID(worker uuid.UUID) (mvcc.TrxId, error)
	// CreateReadView 为事务创建读视图
	CreateReadView(trx mvcc.TrxId) *mvcc.ReadView
	// IsActive 事务是否仍未结束
	IsActive(trx mvcc.TrxId) bool
	// ConvertImplicitLock 把活跃写事务在记录上的隐式锁转换为显式 X 锁
	ConvertImplicitLock(writer mvcc.TrxId, rl *lock.RecordLock) bool
}

// IsolationLevel 隔离级别策略，执行层对每一条访问到的记录调用它
type IsolationLevel interface {
	// LockIfVisible 快照读返回可见版本（可能为 nil），当前读在活记录上加锁后返回它
	LockIfVisible(ctx context.Context, entry *clusterindex.Entry, mode lock.LockMode,
		view *mvcc.ReadView, strategy lock.LockStrategy) (*clusterindex.Entry, error)
	// UnlockIfPossible 一次点查或范围查找结束后释放可以提前释放的锁
	UnlockIfPossible(primary, secondary *clusterindex.Entry, mode lock.LockMode, lastSearchMissed bool)
	// GetTxnReadView 事务的读视图，第一次调用时创建
	GetTxnReadView() (*mvcc.ReadView, error)
	// Level 隔离级别
	Level() basic.IsolationLevel
}

// NewIsolationLevel 按级别创建策略实例，目前只支持可重复读
func NewIsolationLevel(level basic.IsolationLevel, catalog SystemCatalog, locks *LockManager, worker uuid.UUID) (IsolationLevel, error) {
	switch level {
	case basic.RepeatableRead:
		return NewRepeatableRead(catalog, locks, worker), nil
	default:
		return nil, errors.Wrapf(basic.ErrNotImplemented, "isolation level %s", level)
	}
}

// acquisition 最近一次 LockIfVisible 在某条记录上新拿到的锁
type acquisition struct {
	record bool
	gap    bool
}

// RepeatableRead 可重复读
//
// 读视图在第一次需要时创建，此后整个事务复用同一个实例。当前读拿到的锁
// 一直持有到事务结束，唯一的例外是查找落空时边界记录上的间隙锁。
type RepeatableRead struct {
	catalog SystemCatalog
	locks   *LockManager
	worker  uuid.UUID

	mu       sync.Mutex
	trxID    mvcc.TrxId
	readView *mvcc.ReadView
	fresh    map[*clusterindex.Entry]acquisition
}

// NewRepeatableRead 创建可重复读策略
func NewRepeatableRead(catalog SystemCatalog, locks *LockManager, worker uuid.UUID) *RepeatableRead {
	return &RepeatableRead{
		catalog: catalog,
		locks:   locks,
		worker:  worker,
		fresh:   make(map[*clusterindex.Entry]acquisition),
	}
}

// Level 隔离级别
func (rr *RepeatableRead) Level() basic.IsolationLevel {
	return basic.RepeatableRead
}

func (rr *RepeatableRead) txnID() (mvcc.TrxId, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.txnIDLocked()
}

func (rr *RepeatableRead) txnIDLocked() (mvcc.TrxId, error) {
	if rr.trxID != 0 {
		return rr.trxID, nil
	}
	id, err := rr.catalog.ResolveTransactionID(rr.worker)
	if err != nil {
		return 0, err
	}
	rr.trxID = id
	return id, nil
}

// GetTxnReadView 事务的读视图，创建后不再刷新
func (rr *RepeatableRead) GetTxnReadView() (*mvcc.ReadView, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.readView != nil {
		return rr.readView, nil
	}
	id, err := rr.txnIDLocked()
	if err != nil {
		return nil, err
	}
	rr.readView = rr.catalog.CreateReadView(id)
	return rr.readView, nil
}

// LockIfVisible 快照读或当前读
func (rr *RepeatableRead) LockIfVisible(ctx context.Context, entry *clusterindex.Entry, mode lock.LockMode,
	view *mvcc.ReadView, strategy lock.LockStrategy) (*clusterindex.Entry, error) {
	if entry == nil {
		return nil, nil
	}
	if !mode.IsLocking() {
		if view == nil {
			v, err := rr.GetTxnReadView()
			if err != nil {
				return nil, err
			}
			view = v
		}
		return snapshotRead(entry, view), nil
	}
	return rr.currentRead(ctx, entry, mode, strategy)
}

// snapshotRead 从最新版本往回找第一个对 view 可见的版本，不加任何锁
func snapshotRead(entry *clusterindex.Entry, view *mvcc.ReadView) *clusterindex.Entry {
	if entry.IsSupremum() {
		return nil
	}
	cur := entry.Snapshot()
	for {
		trx, history := cur.VersionInfo()
		if view.IsVisible(trx) {
			return cur
		}
		if history == nil {
			return nil
		}
		cur = cur.BuildHistoricalVersion(history)
	}
}

func (rr *RepeatableRead) currentRead(ctx context.Context, entry *clusterindex.Entry, mode lock.LockMode,
	strategy lock.LockStrategy) (*clusterindex.Entry, error) {
	if entry.IsHistorical() {
		return nil, errors.Wrapf(basic.ErrInvalidParameter, "current read on historical version of key %d", entry.Key())
	}
	trx, err := rr.txnID()
	if err != nil {
		return nil, err
	}
	if entry.IsSupremum() {
		strategy = lock.StrategyGapOnly
	}

	// 隐式锁：记录的最后写者仍活跃时先替它登记 X 锁，当前读就会排在它后面
	if !entry.IsSupremum() {
		if writer := entry.TrxID(); writer != trx && rr.catalog.IsActive(writer) {
			rr.catalog.ConvertImplicitLock(writer, entry.RecordLock())
		}
	}

	var acq acquisition
	if strategy.NeedsGap() {
		gap := entry.GapLock()
		if gap.AcquireGap(trx, mode) {
			rr.locks.Register(trx, gap)
			acq.gap = true
		}
	}
	if strategy.NeedsRecord() {
		rl := entry.RecordLock()
		created, err := rl.Acquire(ctx, trx, mode)
		if err != nil {
			rr.remember(entry, acq)
			return nil, err
		}
		if created {
			rr.locks.Register(trx, rl)
			acq.record = true
		}
		// 等待期间写者回滚，插入的记录已被摘除
		if !entry.Index().Contains(entry) {
			if acq.record {
				rr.locks.Release(trx, rl)
				acq.record = false
			}
			rr.remember(entry, acq)
			return nil, nil
		}
	}
	rr.remember(entry, acq)

	if entry.IsSupremum() {
		return nil, nil
	}
	return entry, nil
}

func (rr *RepeatableRead) remember(entry *clusterindex.Entry, acq acquisition) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if !acq.record && !acq.gap {
		delete(rr.fresh, entry)
		return
	}
	rr.fresh[entry] = acq
}

// UnlockIfPossible 可重复读把锁保留到事务结束；查找落空时，
// 为防幻读而在边界记录 secondary 上新加的间隙锁立即释放。
func (rr *RepeatableRead) UnlockIfPossible(primary, secondary *clusterindex.Entry, mode lock.LockMode, lastSearchMissed bool) {
	if !mode.IsLocking() || !lastSearchMissed || secondary == nil {
		return
	}
	trx, err := rr.txnID()
	if err != nil {
		return
	}

	rr.mu.Lock()
	acq := rr.fresh[secondary]
	delete(rr.fresh, secondary)
	rr.mu.Unlock()

	if acq.gap {
		rr.locks.Release(trx, secondary.GapLock())
		logger.WithFields(logger.Fields{"trx": trx, "boundary": secondary}).
			Debugf("search missed, gap lock dropped")
	}
}
