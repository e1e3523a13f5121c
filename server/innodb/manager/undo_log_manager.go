package manager

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-concurrency/logger"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/clusterindex"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// Undo 日志类型
const (
	UNDO_INSERT uint8 = iota + 1
	UNDO_UPDATE
)

// UndoRecord 一条撤销日志，同时是记录历史版本链上的节点
type UndoRecord struct {
	TrxID     mvcc.TrxId
	Type      uint8
	Timestamp time.Time

	entry *clusterindex.Entry
	index *clusterindex.ClusteredIndex

	// 前镜像，只对 UNDO_UPDATE 有效
	offset   int
	oldValue interface{}
	oldTrxID mvcc.TrxId
	older    clusterindex.VersionRecord
}

// Update 把克隆体回退到本次更新之前
func (r *UndoRecord) Update(clone *clusterindex.Entry) {
	clone.RestoreVersion(r.offset, r.oldValue, r.oldTrxID, r.older)
}

// Older 更早的版本
func (r *UndoRecord) Older() clusterindex.VersionRecord {
	return r.older
}

// Entry 被修改的记录
func (r *UndoRecord) Entry() *clusterindex.Entry {
	return r.entry
}

// UndoLogManager 撤销日志管理器
//
// 只在内存中保存每个事务的撤销日志，供回滚使用；历史版本链通过记录上的
// history 指针引用同一批 UndoRecord，提交后清理日志不影响快照读。
type UndoLogManager struct {
	mu          sync.RWMutex
	logs        map[mvcc.TrxId][]*UndoRecord // 事务ID -> Undo日志列表
	lockManager *LockManager
}

// NewUndoLogManager 创建撤销日志管理器
func NewUndoLogManager(lockManager *LockManager) *UndoLogManager {
	return &UndoLogManager{
		logs:        make(map[mvcc.TrxId][]*UndoRecord),
		lockManager: lockManager,
	}
}

func (u *UndoLogManager) append(rec *UndoRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec.Timestamp = time.Now()
	u.logs[rec.TrxID] = append(u.logs[rec.TrxID], rec)
}

// RecordUpdate 记录 offset 列的前镜像并挂到记录的版本链头部。
// 调用方持有记录的 X 锁，随后再调用 SetColumn。
func (u *UndoLogManager) RecordUpdate(trx mvcc.TrxId, entry *clusterindex.Entry, offset int) (*UndoRecord, error) {
	if entry.IsHistorical() || entry.IsSupremum() {
		return nil, errors.Wrapf(basic.ErrInvalidParameter, "undo on non-live entry %v", entry.Key())
	}
	oldValue, err := entry.GetColumn(offset)
	if err != nil {
		return nil, err
	}
	oldTrxID, older := entry.VersionInfo()

	rec := &UndoRecord{
		TrxID:    trx,
		Type:     UNDO_UPDATE,
		entry:    entry,
		index:    entry.Index(),
		offset:   offset,
		oldValue: oldValue,
		oldTrxID: oldTrxID,
		older:    older,
	}
	entry.AttachHistory(rec)
	u.append(rec)
	return rec, nil
}

// RecordInsert 记录一次插入，插入没有更早的版本
func (u *UndoLogManager) RecordInsert(trx mvcc.TrxId, entry *clusterindex.Entry) *UndoRecord {
	rec := &UndoRecord{
		TrxID: trx,
		Type:  UNDO_INSERT,
		entry: entry,
		index: entry.Index(),
	}
	u.append(rec)
	return rec
}

// Records 事务的撤销日志（按写入顺序）
func (u *UndoLogManager) Records(trx mvcc.TrxId) []*UndoRecord {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*UndoRecord, len(u.logs[trx]))
	copy(out, u.logs[trx])
	return out
}

// Cleanup 清理事务的撤销日志
func (u *UndoLogManager) Cleanup(trx mvcc.TrxId) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.logs, trx)
}

// Rollback 逆序应用事务的撤销日志：恢复被更新的列，摘除插入的记录。
// 事务此时仍是活跃的，它持有的锁由调用方随后释放。
func (u *UndoLogManager) Rollback(trx mvcc.TrxId) error {
	records := u.Records(trx)
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		switch rec.Type {
		case UNDO_UPDATE:
			rec.entry.RestoreVersion(rec.offset, rec.oldValue, rec.oldTrxID, rec.older)
		case UNDO_INSERT:
			if err := u.removeInserted(rec); err != nil {
				return err
			}
		default:
			return errors.Wrapf(basic.ErrInvalidParameter, "unknown undo type %d", rec.Type)
		}
	}
	logger.Debugf("trx %d rolled back %d undo records", trx, len(records))
	u.Cleanup(trx)
	return nil
}

func (u *UndoLogManager) removeInserted(rec *UndoRecord) error {
	idx := rec.index
	idx.Latch().XLock()
	defer idx.Latch().XUnlock()

	succ, err := idx.RemoveLocked(rec.entry)
	if err != nil {
		return err
	}
	// 间隙合并：被摘除记录前面的间隙并入后继
	u.lockManager.InheritGap(succ.GapLock(), rec.entry.GapLock())
	return nil
}
