package mvcc

import (
	"fmt"
	"sort"
)

// TrxId 事务ID类型，0 保留表示“无事务”
type TrxId uint64

// ReadView MVCC读视图
//
// 在事务第一次需要一致性读时创建，此后整个事务复用同一个实例，
// 这正是可重复读隔离级别的保证。
type ReadView struct {
	activeIDs    []TrxId // 创建ReadView时的活跃事务ID列表（升序，不含自己）
	upLimitID    TrxId   // 活跃事务中最小的事务ID
	lowLimitID   TrxId   // 系统将分配给下一个事务的ID
	creatorTrxID TrxId   // 创建该ReadView的事务ID
}

// NewReadView 创建新的ReadView
func NewReadView(activeIDs []TrxId, lowLimitID, creatorTrxID TrxId) *ReadView {
	ids := make([]TrxId, 0, len(activeIDs))
	for _, id := range activeIDs {
		if id != creatorTrxID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	upLimit := lowLimitID
	if len(ids) > 0 {
		upLimit = ids[0]
	}

	return &ReadView{
		activeIDs:    ids,
		upLimitID:    upLimit,
		lowLimitID:   lowLimitID,
		creatorTrxID: creatorTrxID,
	}
}

// IsVisible 判断由 trxID 写入的版本是否对当前事务可见
func (rv *ReadView) IsVisible(trxID TrxId) bool {
	// 自己写的版本总是可见
	if trxID == rv.creatorTrxID {
		return true
	}

	// 快照之后才开始的事务，不可见
	if trxID >= rv.lowLimitID {
		return false
	}

	// 快照创建前已经提交
	if trxID < rv.upLimitID {
		return true
	}

	// 创建快照时仍活跃，不可见
	i := sort.Search(len(rv.activeIDs), func(i int) bool { return rv.activeIDs[i] >= trxID })
	return i >= len(rv.activeIDs) || rv.activeIDs[i] != trxID
}

// GetActiveIDs 获取活跃事务ID列表
func (rv *ReadView) GetActiveIDs() []TrxId {
	return rv.activeIDs
}

// GetUpLimitID 获取最小活跃事务ID
func (rv *ReadView) GetUpLimitID() TrxId {
	return rv.upLimitID
}

// GetLowLimitID 获取快照水位线（下一个要分配的事务ID）
func (rv *ReadView) GetLowLimitID() TrxId {
	return rv.lowLimitID
}

// GetCreatorTrxID 获取创建该ReadView的事务ID
func (rv *ReadView) GetCreatorTrxID() TrxId {
	return rv.creatorTrxID
}

func (rv *ReadView) String() string {
	return fmt.Sprintf("ReadView{creator=%d, up=%d, low=%d, active=%v}",
		rv.creatorTrxID, rv.upLimitID, rv.lowLimitID, rv.activeIDs)
}
