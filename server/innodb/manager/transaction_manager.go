package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-concurrency/logger"
	"github.com/zhukovaskychina/xmysql-concurrency/server/conf"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// 事务状态
const (
	TRX_STATE_NOT_STARTED uint8 = iota
	TRX_STATE_ACTIVE
	TRX_STATE_COMMITTED
	TRX_STATE_ROLLED_BACK
)

// TransactionManager 事务管理器，同时是隔离级别使用的事务目录
type TransactionManager struct {
	mu                 sync.RWMutex
	nextTrxID          mvcc.TrxId                  // 下一个事务ID
	activeTransactions map[mvcc.TrxId]*Transaction // 活跃事务
	workers            map[uuid.UUID]mvcc.TrxId    // 工作者 -> 当前事务
	closed             bool

	lockManager *LockManager
	undoManager *UndoLogManager
	detector    *DeadlockDetector // 关闭死锁检测时为 nil

	// 默认配置
	defaultIsolationLevel basic.IsolationLevel
	lockWaitTimeout       time.Duration
}

// NewTransactionManager 创建事务管理器，cfg 为 nil 时使用默认配置
func NewTransactionManager(cfg *conf.Cfg) *TransactionManager {
	if cfg == nil {
		cfg = conf.NewCfg()
	}
	lockManager := NewLockManager()
	tm := &TransactionManager{
		nextTrxID:             1,
		activeTransactions:    make(map[mvcc.TrxId]*Transaction),
		workers:               make(map[uuid.UUID]mvcc.TrxId),
		lockManager:           lockManager,
		undoManager:           NewUndoLogManager(lockManager),
		defaultIsolationLevel: cfg.InnodbTransactionIsolation,
		lockWaitTimeout:       cfg.InnodbLockWaitTimeout,
	}
	if cfg.InnodbDeadlockDetect {
		tm.detector = NewDeadlockDetector()
	}
	return tm
}

// LockManager 锁管理器
func (tm *TransactionManager) LockManager() *LockManager {
	return tm.lockManager
}

// UndoManager 撤销日志管理器
func (tm *TransactionManager) UndoManager() *UndoLogManager {
	return tm.undoManager
}

// Begin 为 worker 开始新事务，一个工作者同时只能有一个活跃事务
func (tm *TransactionManager) Begin(ctx context.Context, worker uuid.UUID) (*Transaction, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return nil, errors.Wrap(basic.ErrInvalidTransactionState, "transaction manager closed")
	}
	if id, ok := tm.workers[worker]; ok {
		return nil, errors.Wrapf(basic.ErrTransactionAlreadyExists, "worker %s already runs trx %d", worker, id)
	}

	isolation, err := NewIsolationLevel(tm.defaultIsolationLevel, tm, tm.lockManager, worker)
	if err != nil {
		return nil, err
	}

	// 分配事务ID
	trxID := tm.nextTrxID
	tm.nextTrxID++

	trxCtx, cancel := context.WithCancelCause(ctx)
	trx := &Transaction{
		ID:        trxID,
		Worker:    worker,
		State:     TRX_STATE_ACTIVE,
		StartTime: time.Now(),
		ctx:       lock.WithObserver(trxCtx, tm),
		cancel:    cancel,
		isolation: isolation,
		tm:        tm,
	}
	tm.activeTransactions[trxID] = trx
	tm.workers[worker] = trxID

	logger.Debugf("trx %d started by worker %s, isolation %s", trxID, worker, isolation.Level())
	return trx, nil
}

// Commit 提交事务
func (tm *TransactionManager) Commit(trx *Transaction) error {
	tm.mu.Lock()
	if trx.State != TRX_STATE_ACTIVE {
		tm.mu.Unlock()
		return errors.Wrapf(basic.ErrInvalidTransactionState, "commit trx %d", trx.ID)
	}
	// 先在目录中标记结束，之后不会再有人为它转换隐式锁
	trx.State = TRX_STATE_COMMITTED
	tm.forgetLocked(trx)
	tm.mu.Unlock()

	released := tm.finish(trx)
	logger.Debugf("trx %d committed, %d locks released", trx.ID, released)
	return nil
}

// Rollback 回滚事务：撤销日志逆序应用完成后才从活跃集合中移除
func (tm *TransactionManager) Rollback(trx *Transaction) error {
	tm.mu.Lock()
	if trx.State != TRX_STATE_ACTIVE {
		tm.mu.Unlock()
		return errors.Wrapf(basic.ErrInvalidTransactionState, "rollback trx %d", trx.ID)
	}
	trx.State = TRX_STATE_ROLLED_BACK
	tm.mu.Unlock()

	err := tm.undoManager.Rollback(trx.ID)

	tm.mu.Lock()
	tm.forgetLocked(trx)
	tm.mu.Unlock()

	released := tm.finish(trx)
	if err != nil {
		logger.Errorf("trx %d rollback failed: %v", trx.ID, err)
		return err
	}
	logger.Debugf("trx %d rolled back, %d locks released", trx.ID, released)
	return nil
}

func (tm *TransactionManager) forgetLocked(trx *Transaction) {
	delete(tm.activeTransactions, trx.ID)
	if tm.workers[trx.Worker] == trx.ID {
		delete(tm.workers, trx.Worker)
	}
}

func (tm *TransactionManager) finish(trx *Transaction) int {
	released := tm.lockManager.ReleaseAll(trx.ID)
	tm.undoManager.Cleanup(trx.ID)
	if tm.detector != nil {
		tm.detector.RemoveTransaction(trx.ID)
	}
	trx.cancel(nil)
	return released
}

// ResolveTransactionID 工作者当前的事务
func (tm *TransactionManager) ResolveTransactionID(worker uuid.UUID) (mvcc.TrxId, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	id, ok := tm.workers[worker]
	if !ok {
		return 0, errors.Wrapf(basic.ErrTransactionNotFound, "worker %s", worker)
	}
	return id, nil
}

// CreateReadView 为事务创建读视图
func (tm *TransactionManager) CreateReadView(trx mvcc.TrxId) *mvcc.ReadView {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	activeIDs := make([]mvcc.TrxId, 0, len(tm.activeTransactions))
	for id := range tm.activeTransactions {
		activeIDs = append(activeIDs, id)
	}
	sort.Slice(activeIDs, func(i, j int) bool { return activeIDs[i] < activeIDs[j] })
	return mvcc.NewReadView(activeIDs, tm.nextTrxID, trx)
}

// IsActive 事务是否仍未结束（回滚过程中仍算活跃）
func (tm *TransactionManager) IsActive(trx mvcc.TrxId) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	_, ok := tm.activeTransactions[trx]
	return ok
}

// ConvertImplicitLock 在持有目录读锁的情况下为活跃写者登记显式 X 锁，
// 与提交互斥，避免给已经提交的事务留下永远不会释放的锁。
func (tm *TransactionManager) ConvertImplicitLock(writer mvcc.TrxId, rl *lock.RecordLock) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	if _, ok := tm.activeTransactions[writer]; !ok {
		return false
	}
	if rl.GrantImplicit(writer) {
		tm.lockManager.Register(writer, rl)
		tm.lockManager.implicitLocks.Add(1)
	}
	return true
}

// Transaction 按ID取活跃事务
func (tm *TransactionManager) Transaction(id mvcc.TrxId) *Transaction {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.activeTransactions[id]
}

// ActiveCount 活跃事务数
func (tm *TransactionManager) ActiveCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.activeTransactions)
}

// WaitBegin 锁等待开始，做等待统计和死锁检测
func (tm *TransactionManager) WaitBegin(waiter mvcc.TrxId, holders []mvcc.TrxId) {
	tm.lockManager.lockWaits.Add(1)
	logger.WithFields(logger.Fields{"trx": waiter, "holders": holders}).Debugf("lock wait")

	if tm.detector == nil || !tm.detector.AddWaitFor(waiter, holders) {
		return
	}
	tm.lockManager.deadlocks.Add(1)
	logger.WithFields(logger.Fields{"victim": waiter, "holders": holders}).Warnf("deadlock detected")
	if victim := tm.Transaction(waiter); victim != nil {
		victim.cancel(basic.ErrDeadlockDetected)
	}
}

// WaitEnd 锁等待结束
func (tm *TransactionManager) WaitEnd(waiter mvcc.TrxId) {
	if tm.detector != nil {
		tm.detector.RemoveWaiter(waiter)
	}
}

// Close 回滚所有仍活跃的事务并拒绝新的事务
func (tm *TransactionManager) Close() error {
	tm.mu.Lock()
	tm.closed = true
	pending := make([]*Transaction, 0, len(tm.activeTransactions))
	for _, trx := range tm.activeTransactions {
		if trx.State == TRX_STATE_ACTIVE {
			pending = append(pending, trx)
		}
	}
	tm.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].ID > pending[j].ID })
	var firstErr error
	for _, trx := range pending {
		if err := tm.Rollback(trx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
