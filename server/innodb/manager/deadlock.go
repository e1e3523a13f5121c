package manager

import (
	"sort"
	"sync"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// DeadlockDetector 死锁检测器，维护事务等待图
type DeadlockDetector struct {
	mu           sync.RWMutex
	waitForGraph map[mvcc.TrxId]map[mvcc.TrxId]bool // waiter -> 它在等待的事务集合
}

// NewDeadlockDetector 创建死锁检测器
func NewDeadlockDetector() *DeadlockDetector {
	return &DeadlockDetector{
		waitForGraph: make(map[mvcc.TrxId]map[mvcc.TrxId]bool),
	}
}

// AddWaitFor 用 holders 替换 waiter 当前的等待关系，返回是否因此形成环
func (dd *DeadlockDetector) AddWaitFor(waiter mvcc.TrxId, holders []mvcc.TrxId) bool {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	waitSet := make(map[mvcc.TrxId]bool, len(holders))
	for _, h := range holders {
		if h != waiter {
			waitSet[h] = true
		}
	}
	if len(waitSet) == 0 {
		delete(dd.waitForGraph, waiter)
		return false
	}
	dd.waitForGraph[waiter] = waitSet

	visited := make(map[mvcc.TrxId]bool)
	for next := range waitSet {
		if dd.reaches(next, waiter, visited) {
			return true
		}
	}
	return false
}

// reaches 从 current 出发能否沿等待边到达 target
func (dd *DeadlockDetector) reaches(current, target mvcc.TrxId, visited map[mvcc.TrxId]bool) bool {
	if current == target {
		return true
	}
	if visited[current] {
		return false
	}
	visited[current] = true
	for next := range dd.waitForGraph[current] {
		if dd.reaches(next, target, visited) {
			return true
		}
	}
	return false
}

// RemoveWaiter 事务不再等待
func (dd *DeadlockDetector) RemoveWaiter(waiter mvcc.TrxId) {
	dd.mu.Lock()
	defer dd.mu.Unlock()
	delete(dd.waitForGraph, waiter)
}

// RemoveTransaction 移除事务的所有等待关系
func (dd *DeadlockDetector) RemoveTransaction(txnID mvcc.TrxId) {
	dd.mu.Lock()
	defer dd.mu.Unlock()

	// 作为等待者
	delete(dd.waitForGraph, txnID)

	// 作为被等待者
	for waiter, waitSet := range dd.waitForGraph {
		delete(waitSet, txnID)
		if len(waitSet) == 0 {
			delete(dd.waitForGraph, waiter)
		}
	}
}

// GetWaitForGraph 获取等待图的快照(用于调试)
func (dd *DeadlockDetector) GetWaitForGraph() map[mvcc.TrxId][]mvcc.TrxId {
	dd.mu.RLock()
	defer dd.mu.RUnlock()

	result := make(map[mvcc.TrxId][]mvcc.TrxId, len(dd.waitForGraph))
	for waiter, waitSet := range dd.waitForGraph {
		holders := make([]mvcc.TrxId, 0, len(waitSet))
		for holder := range waitSet {
			holders = append(holders, holder)
		}
		sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })
		result[waiter] = holders
	}
	return result
}
