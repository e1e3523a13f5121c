package lock

import (
	"context"
	"sort"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// Releaser 可按事务释放的锁（记录锁或间隙锁）
type Releaser interface {
	Release(trx mvcc.TrxId)
}

// WaitObserver 锁等待观察者，由外层事务管理器实现（死锁检测、统计）
type WaitObserver interface {
	// WaitBegin 事务 waiter 开始（或继续）等待 holders 释放
	WaitBegin(waiter mvcc.TrxId, holders []mvcc.TrxId)
	// WaitEnd 事务 waiter 不再等待
	WaitEnd(waiter mvcc.TrxId)
}

type observerKey struct{}

// WithObserver 把等待观察者挂到 ctx 上
func WithObserver(ctx context.Context, obs WaitObserver) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

func observerFrom(ctx context.Context) WaitObserver {
	obs, _ := ctx.Value(observerKey{}).(WaitObserver)
	return obs
}

// waitFor 阻塞直到 ch 被关闭或 ctx 结束
func waitFor(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func sortedIDs[V any](m map[mvcc.TrxId]V) []mvcc.TrxId {
	ids := make([]mvcc.TrxId, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
