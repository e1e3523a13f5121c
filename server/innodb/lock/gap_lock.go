package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// GapLock 间隙锁，守护 (prev.key, owner.key) 开区间
//
// 与所属记录同时创建、永不替换。间隙锁本身只起抑制作用：持有者之间
// 互相兼容，只有其他事务的插入意向会被阻塞。
type GapLock struct {
	prev  uint64 // 创建时的前驱记录
	owner uint64 // 所属记录

	mu         sync.Mutex
	holders    map[mvcc.TrxId]LockMode // S/X 风味，只用于展示和加强
	intentions map[mvcc.TrxId]struct{} // 正在等待的插入意向
	changed    chan struct{}
}

// NewGapLock 用 (前驱, 所属记录) 创建间隙锁
func NewGapLock(prev, owner uint64) *GapLock {
	return &GapLock{
		prev:       prev,
		owner:      owner,
		holders:    make(map[mvcc.TrxId]LockMode),
		intentions: make(map[mvcc.TrxId]struct{}),
		changed:    make(chan struct{}),
	}
}

// Prev 创建时的前驱记录
func (g *GapLock) Prev() uint64 {
	return g.prev
}

// Owner 所属记录
func (g *GapLock) Owner() uint64 {
	return g.owner
}

// AcquireGap 获取间隙锁，从不阻塞。
// 已持有时原地加强，created 为 false。
func (g *GapLock) AcquireGap(trx mvcc.TrxId, mode LockMode) (created bool) {
	if !mode.IsLocking() {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	held, ok := g.holders[trx]
	if ok && held.Covers(mode) {
		return false
	}
	g.holders[trx] = mode
	return !ok
}

// ConflictsWithInsert 乐观插入路径上的冲突检查，返回阻塞插入的其他事务
func (g *GapLock) ConflictsWithInsert(trx mvcc.TrxId) []mvcc.TrxId {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertBlockersLocked(trx)
}

// insertBlockersLocked 按兼容矩阵逐个检查间隙上的其他事务：
// 持有者是完整的间隙锁，等待者只是插入意向，同一事务两者都有时按持有者算
func (g *GapLock) insertBlockersLocked(trx mvcc.TrxId) []mvcc.TrxId {
	parties := make(map[mvcc.TrxId]GapMode, len(g.holders)+len(g.intentions))
	for id := range g.intentions {
		parties[id] = GapModeInsertIntention
	}
	for id := range g.holders {
		parties[id] = GapModeGap
	}

	var blockers []mvcc.TrxId
	for _, id := range sortedIDs(parties) {
		if id != trx && !parties[id].IsCompatible(GapModeInsertIntention) {
			blockers = append(blockers, id)
		}
	}
	return blockers
}

// WaitInsertIntention 登记插入意向并等待，直到没有其他事务持有该间隙。
// 获准后意向标记即被撤销，调用方需重新定位后再插入。
func (g *GapLock) WaitInsertIntention(ctx context.Context, trx mvcc.TrxId) error {
	obs := observerFrom(ctx)

	g.mu.Lock()
	g.intentions[trx] = struct{}{}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.intentions, trx)
		g.mu.Unlock()
		if obs != nil {
			obs.WaitEnd(trx)
		}
	}()

	for {
		g.mu.Lock()
		blockers := g.insertBlockersLocked(trx)
		if len(blockers) == 0 {
			g.mu.Unlock()
			return nil
		}
		ch := g.changed
		g.mu.Unlock()

		if obs != nil {
			obs.WaitBegin(trx, blockers)
		}
		if err := waitFor(ctx, ch); err != nil {
			return err
		}
	}
}

// Release 释放 trx 持有的间隙锁，唤醒等待插入的事务
func (g *GapLock) Release(trx mvcc.TrxId) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.holders[trx]; !ok {
		return
	}
	delete(g.holders, trx)
	close(g.changed)
	g.changed = make(chan struct{})
}

// Inherit 继承 from 上的全部间隙锁持有者（记录插入或摘除导致间隙分裂/合并）。
// 返回新增的持有者，调用方负责登记。
func (g *GapLock) Inherit(from *GapLock) []mvcc.TrxId {
	if from == nil || from == g {
		return nil
	}

	from.mu.Lock()
	snapshot := make(map[mvcc.TrxId]LockMode, len(from.holders))
	for id, mode := range from.holders {
		snapshot[id] = mode
	}
	from.mu.Unlock()

	var added []mvcc.TrxId
	for _, id := range sortedIDs(snapshot) {
		if g.AcquireGap(id, snapshot[id]) {
			added = append(added, id)
		}
	}
	return added
}

// HoldsGap 返回 trx 持有的间隙锁风味，未持有为 LockModeNone
func (g *GapLock) HoldsGap(trx mvcc.TrxId) LockMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holders[trx]
}

// Holders 返回间隙锁持有者（升序）
func (g *GapLock) Holders() []mvcc.TrxId {
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedIDs(g.holders)
}

// IntentionCount 正在等待的插入意向数
func (g *GapLock) IntentionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.intentions)
}

func (g *GapLock) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("GapLock(%d,%d)%v", g.prev, g.owner, g.holders)
}
