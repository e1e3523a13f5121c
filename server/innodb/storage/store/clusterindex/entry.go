package clusterindex

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

// EntryID 记录在索引 arena 中的稳定标识，0 表示无
type EntryID uint64

// VersionRecord 历史版本链上的一个节点，由外部的 delta 存储提供。
// 它既是迭代器（Older），也是更新器（Update）。
type VersionRecord interface {
	// Update 把克隆体原地回退到本节点描述的更早状态
	Update(clone *Entry)
	// Older 更早的节点，没有则为 nil
	Older() VersionRecord
}

// Entry 聚簇索引记录
type Entry struct {
	id    EntryID
	index *ClusteredIndex
	key   int64

	// 链表指针，只在持有索引 X 闩锁时修改
	next EntryID
	prev EntryID

	// payload 闩锁，只保证内存安全，逻辑并发由 rwLock/gapLock 控制
	mu      sync.RWMutex
	values  []interface{}
	trxID   mvcc.TrxId
	history VersionRecord

	rwLock     *lock.RecordLock
	gapLock    *lock.GapLock
	historical bool
	supremum   bool
}

// ID 记录标识
func (e *Entry) ID() EntryID {
	return e.id
}

// Key 聚簇键
func (e *Entry) Key() int64 {
	return e.key
}

// Index 所属聚簇索引
func (e *Entry) Index() *ClusteredIndex {
	return e.index
}

// IsSupremum 是否为上确界伪记录
func (e *Entry) IsSupremum() bool {
	return e.supremum
}

// IsHistorical 是否为历史版本克隆体
func (e *Entry) IsHistorical() bool {
	return e.historical
}

// IsPrimaryIndexEntry 聚簇索引记录总是返回 true
func (e *Entry) IsPrimaryIndexEntry() bool {
	return true
}

// ColumnExists 偏移是否有效
func (e *Entry) ColumnExists(offset int) bool {
	return !e.supremum && e.index.schema.ColumnExists(offset)
}

// GetColumn 读取当前内存版本的列值，不加锁
func (e *Entry) GetColumn(offset int) (interface{}, error) {
	if !e.ColumnExists(offset) {
		return nil, errors.Wrapf(basic.ErrInvalidColumnOffset, "offset %d", offset)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.values[offset], nil
}

// Values 当前版本全部列值的拷贝
func (e *Entry) Values() []interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]interface{}, len(e.values))
	copy(out, e.values)
	return out
}

// SetColumn 记录写事务并更新列值。
// 不可变列一律失败，与锁状态无关；本方法不加锁，调用方须已通过隔离级别拿到 X 锁。
func (e *Entry) SetColumn(offset int, value interface{}, trxID mvcc.TrxId) error {
	schema := e.index.schema
	col, err := schema.Column(offset)
	if err != nil {
		return err
	}
	if !col.Mutable {
		return errors.Wrapf(basic.ErrSchemaImmutability, "column %s.%s", schema.Table, col.Name)
	}
	v, err := schema.Coerce(offset, value)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.trxID = trxID
	e.values[offset] = v
	return nil
}

// TrxID 最后写入该记录的事务
func (e *Entry) TrxID() mvcc.TrxId {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trxID
}

// History 历史版本链头
func (e *Entry) History() VersionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history
}

// VersionInfo 一次性读取写事务和版本链头
func (e *Entry) VersionInfo() (mvcc.TrxId, VersionRecord) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.trxID, e.history
}

// AttachHistory 在版本链头部挂上一个新节点，rec.Older() 应为原链头
func (e *Entry) AttachHistory(rec VersionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = rec
}

// RestoreVersion 把列值、写事务和版本链头一起恢复到更早的状态。
// 供更新器作用在克隆体上，以及回滚作用在活记录上。
func (e *Entry) RestoreVersion(offset int, value interface{}, trxID mvcc.TrxId, history VersionRecord) {
	if !e.index.schema.ColumnExists(offset) {
		panic(fmt.Sprintf("restore version: invalid column offset %d", offset))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[offset] = value
	e.trxID = trxID
	e.history = history
}

// BuildHistoricalVersion 生成一个脱离链表的克隆体并用 updater 回退到更早状态。
// 克隆体没有自己的锁，只用于版本链重建。updater 为 nil 时得到当前版本的一致性拷贝。
func (e *Entry) BuildHistoricalVersion(updater VersionRecord) *Entry {
	e.mu.RLock()
	values := make([]interface{}, len(e.values))
	copy(values, e.values)
	clone := &Entry{
		id:         e.id,
		index:      e.index,
		key:        e.key,
		next:       e.next,
		prev:       e.prev,
		values:     values,
		trxID:      e.trxID,
		history:    e.history,
		historical: true,
		supremum:   e.supremum,
	}
	e.mu.RUnlock()

	if updater != nil {
		updater.Update(clone)
	}
	return clone
}

// Snapshot 当前版本的一致性拷贝，列值、写事务和版本链头同时读取
func (e *Entry) Snapshot() *Entry {
	return e.BuildHistoricalVersion(nil)
}

// RecordLock 记录锁，历史克隆体为 nil
func (e *Entry) RecordLock() *lock.RecordLock {
	return e.rwLock
}

// GapLock 记录前间隙的锁，历史克隆体为 nil
func (e *Entry) GapLock() *lock.GapLock {
	return e.gapLock
}

// Next 链表后继（可能是上确界）
func (e *Entry) Next() *Entry {
	return e.index.Next(e)
}

// Prev 链表前驱，第一条记录返回 nil
func (e *Entry) Prev() *Entry {
	return e.index.Prev(e)
}

// Compare 只按聚簇键比较，上确界大于一切
func (e *Entry) Compare(other *Entry) int {
	switch {
	case e.supremum && other.supremum:
		return 0
	case e.supremum:
		return 1
	case other.supremum:
		return -1
	case e.key < other.key:
		return -1
	case e.key > other.key:
		return 1
	default:
		return 0
	}
}

// setLinks 修改链表指针，调用方持有索引 X 闩锁
func (e *Entry) setLinks(prev, next EntryID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prev = prev
	e.next = next
}

// Less btree 排序函数
func (e *Entry) Less(other *Entry) bool {
	return e.Compare(other) < 0
}

func (e *Entry) String() string {
	if e.supremum {
		return "supremum"
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	parts := make([]string, 0, len(e.values))
	for i, v := range e.values {
		parts = append(parts, fmt.Sprintf("%s=%v", e.index.schema.Columns[i].Name, v))
	}
	return strings.Join(parts, ", ")
}
