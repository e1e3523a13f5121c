package manager

import (
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
	"github.com/zhukovaskychina/xmysql-concurrency/util"
)

const lockShardCount = 16

// lockShard 一个分片：事务 -> 持有的锁集合
type lockShard struct {
	mu       sync.Mutex
	txnLocks map[mvcc.TrxId]map[lock.Releaser]struct{}
}

// LockManager 事务锁登记表
//
// 记录锁和间隙锁本身挂在记录上，这里只记录“哪个事务持有哪些锁”，
// 以便提交/回滚时一次性释放。按事务ID的 xxhash 分片。
type LockManager struct {
	shards [lockShardCount]*lockShard

	totalLocks    atomic.Uint64
	activeLocks   atomic.Int64
	lockWaits     atomic.Uint64
	deadlocks     atomic.Uint64
	earlyReleases atomic.Uint64
	implicitLocks atomic.Uint64
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{}
	for i := range lm.shards {
		lm.shards[i] = &lockShard{txnLocks: make(map[mvcc.TrxId]map[lock.Releaser]struct{})}
	}
	return lm
}

func (lm *LockManager) shard(trx mvcc.TrxId) *lockShard {
	return lm.shards[util.HashUint64(uint64(trx))%lockShardCount]
}

// Register 登记 trx 持有 l，重复登记无副作用
func (lm *LockManager) Register(trx mvcc.TrxId, l lock.Releaser) {
	s := lm.shard(trx)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.txnLocks[trx]
	if !ok {
		set = make(map[lock.Releaser]struct{})
		s.txnLocks[trx] = set
	}
	if _, dup := set[l]; dup {
		return
	}
	set[l] = struct{}{}
	lm.totalLocks.Add(1)
	lm.activeLocks.Add(1)
}

// Release 提前释放 trx 持有的单个锁
func (lm *LockManager) Release(trx mvcc.TrxId, l lock.Releaser) {
	s := lm.shard(trx)
	s.mu.Lock()
	set := s.txnLocks[trx]
	_, ok := set[l]
	if ok {
		delete(set, l)
		if len(set) == 0 {
			delete(s.txnLocks, trx)
		}
	}
	s.mu.Unlock()

	if ok {
		l.Release(trx)
		lm.activeLocks.Add(-1)
		lm.earlyReleases.Add(1)
	}
}

// ReleaseAll 释放事务持有的所有锁，返回释放的数量
func (lm *LockManager) ReleaseAll(trx mvcc.TrxId) int {
	s := lm.shard(trx)
	s.mu.Lock()
	set := s.txnLocks[trx]
	delete(s.txnLocks, trx)
	s.mu.Unlock()

	for l := range set {
		l.Release(trx)
	}
	lm.activeLocks.Add(-int64(len(set)))
	return len(set)
}

// InheritGap 间隙分裂或合并时把 from 的持有者复制到 to 上，并为新增的持有者登记
func (lm *LockManager) InheritGap(to, from *lock.GapLock) []mvcc.TrxId {
	added := to.Inherit(from)
	for _, trx := range added {
		lm.Register(trx, to)
	}
	return added
}

// Count 事务当前持有的锁数
func (lm *LockManager) Count(trx mvcc.TrxId) int {
	s := lm.shard(trx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txnLocks[trx])
}

// Holds 事务是否登记了 l
func (lm *LockManager) Holds(trx mvcc.TrxId, l lock.Releaser) bool {
	s := lm.shard(trx)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.txnLocks[trx][l]
	return ok
}

// Stats 锁统计
func (lm *LockManager) Stats() LockStats {
	active := lm.activeLocks.Load()
	if active < 0 {
		active = 0
	}
	return LockStats{
		TotalLocks:    lm.totalLocks.Load(),
		ActiveLocks:   uint64(active),
		LockWaits:     lm.lockWaits.Load(),
		Deadlocks:     lm.deadlocks.Load(),
		EarlyReleases: lm.earlyReleases.Load(),
		ImplicitLocks: lm.implicitLocks.Load(),
	}
}
