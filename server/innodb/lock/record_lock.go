package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// RecordLock 记录上的读写锁
//
// 与 sync.RWMutex 不同，它知道每个持有者是哪个事务：同一事务重复请求
// 不会阻塞自己，S 升级为 X 也在原记录上完成。等待者按到达顺序排队，
// 后来的请求不能越过与之冲突的先到者。等待没有超时，只能由外层通过 ctx 取消。
type RecordLock struct {
	mu      sync.Mutex
	holders map[mvcc.TrxId]LockMode
	queue   []*lockRequest
	changed chan struct{} // 每次释放或出队时关闭并替换，唤醒所有等待者
}

// lockRequest 排队中的锁请求
type lockRequest struct {
	trx  mvcc.TrxId
	mode LockMode
}

// NewRecordLock 创建记录锁
func NewRecordLock() *RecordLock {
	return &RecordLock{
		holders: make(map[mvcc.TrxId]LockMode),
		changed: make(chan struct{}),
	}
}

// Acquire 以 mode 获取记录锁，必要时阻塞。
// created 为 false 表示复用了已有的锁记录（已覆盖或原地升级）。
func (l *RecordLock) Acquire(ctx context.Context, trx mvcc.TrxId, mode LockMode) (created bool, err error) {
	if !mode.IsLocking() {
		return false, nil
	}

	obs := observerFrom(ctx)
	var req *lockRequest
	defer func() {
		if req == nil {
			return
		}
		l.mu.Lock()
		l.dequeueLocked(req)
		l.mu.Unlock()
		if obs != nil {
			obs.WaitEnd(trx)
		}
	}()

	for {
		l.mu.Lock()
		held, ok := l.holders[trx]
		if ok && held.Covers(mode) {
			l.mu.Unlock()
			return false, nil
		}

		blockers := l.blockersLocked(trx, mode, req)
		if len(blockers) == 0 {
			l.holders[trx] = mode
			l.mu.Unlock()
			return !ok, nil
		}

		if req == nil {
			req = &lockRequest{trx: trx, mode: mode}
			l.queue = append(l.queue, req)
		}
		ch := l.changed
		l.mu.Unlock()

		if obs != nil {
			obs.WaitBegin(trx, blockers)
		}
		if err := waitFor(ctx, ch); err != nil {
			return false, err
		}
	}
}

// TryAcquire 不阻塞地尝试获取，失败时返回阻塞者
func (l *RecordLock) TryAcquire(trx mvcc.TrxId, mode LockMode) (created bool, blockers []mvcc.TrxId) {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.holders[trx]
	if ok && held.Covers(mode) {
		return false, nil
	}
	if blockers = l.blockersLocked(trx, mode, nil); len(blockers) > 0 {
		return false, blockers
	}
	l.holders[trx] = mode
	return !ok, nil
}

// blockersLocked 返回阻塞该请求的事务：不兼容的持有者，以及排在 req 之前
// 模式冲突的等待者（req 为 nil 表示新请求，排在所有等待者之后）。
// 已是持有者的事务升级时不排队，否则会与等它释放的先到者互等。
func (l *RecordLock) blockersLocked(trx mvcc.TrxId, mode LockMode, req *lockRequest) []mvcc.TrxId {
	var blockers []mvcc.TrxId
	seen := make(map[mvcc.TrxId]struct{})
	for _, id := range sortedIDs(l.holders) {
		if id != trx && !l.holders[id].IsCompatible(mode) {
			blockers = append(blockers, id)
			seen[id] = struct{}{}
		}
	}
	if _, holding := l.holders[trx]; holding {
		return blockers
	}
	for _, w := range l.queue {
		if w == req {
			break
		}
		if _, ok := seen[w.trx]; ok || w.trx == trx || w.mode.IsCompatible(mode) {
			continue
		}
		blockers = append(blockers, w.trx)
		seen[w.trx] = struct{}{}
	}
	return blockers
}

// dequeueLocked 请求离开队列（获准或放弃），排在后面的等待者需要重新检查
func (l *RecordLock) dequeueLocked(req *lockRequest) {
	for i, w := range l.queue {
		if w == req {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			l.broadcastLocked()
			return
		}
	}
}

func (l *RecordLock) broadcastLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// WaiterCount 排队等待的请求数
func (l *RecordLock) WaiterCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// GrantImplicit 把活跃写事务的隐式锁转换为显式 X 锁，不等待。
// 调用方保证 trx 仍是该记录的活跃写者。
func (l *RecordLock) GrantImplicit(trx mvcc.TrxId) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.holders[trx]
	if ok && held == LockModeExclusive {
		return false
	}
	l.holders[trx] = LockModeExclusive
	return !ok
}

// Release 释放 trx 持有的锁并唤醒等待者
func (l *RecordLock) Release(trx mvcc.TrxId) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.holders[trx]; !ok {
		return
	}
	delete(l.holders, trx)
	l.broadcastLocked()
}

// Holds 返回 trx 当前持有的模式，未持有为 LockModeNone
func (l *RecordLock) Holds(trx mvcc.TrxId) LockMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[trx]
}

// Holders 返回所有持有者（升序）
func (l *RecordLock) Holders() []mvcc.TrxId {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedIDs(l.holders)
}

// HolderCount 锁记录数
func (l *RecordLock) HolderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

func (l *RecordLock) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fmt.Sprintf("RecordLock%v", l.holders)
}
