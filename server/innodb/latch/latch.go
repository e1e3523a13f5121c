package latch

import (
	"sync"
	"sync/atomic"
)

// Latch 索引级闩锁（RW-LATCH）
//
// 只保护链表结构（next/prev 指针、btree 定位），持有时间很短，
// 不参与事务级的记录锁和间隙锁，也绝不能在持有期间等待事务锁。
type Latch struct {
	name  string
	mu    sync.RWMutex
	xHeld atomic.Bool
}

// NewLatch 创建一个新的闩锁
func NewLatch(name string) *Latch {
	return &Latch{name: name}
}

// Name 返回闩锁名称，用于日志
func (l *Latch) Name() string {
	return l.name
}

// XLock 获取排他闩锁（RW-X-LATCH），用于插入/摘除链表节点
func (l *Latch) XLock() {
	l.mu.Lock()
	l.xHeld.Store(true)
}

// XUnlock 释放排他闩锁
func (l *Latch) XUnlock() {
	l.xHeld.Store(false)
	l.mu.Unlock()
}

// SLock 获取共享闩锁（RW-S-LATCH），用于定位和遍历
func (l *Latch) SLock() {
	l.mu.RLock()
}

// SUnlock 释放共享闩锁
func (l *Latch) SUnlock() {
	l.mu.RUnlock()
}

// IsXLocked 是否有人持有排他闩锁
func (l *Latch) IsXLocked() bool {
	return l.xHeld.Load()
}

// MustXLocked 结构修改的前置断言
func (l *Latch) MustXLocked() {
	if !l.xHeld.Load() {
		panic("latch " + l.name + ": structural change without X latch")
	}
}
