package clusterindex

import (
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/lock"
	"github.com/zhukovaskychina/xmysql-concurrency/server/innodb/storage/store/mvcc"
)

const btreeDegree = 32

// ClusteredIndex 聚簇索引
//
// 记录存放在 arena 里，用 EntryID 互相引用；btree 只负责按键定位。
// 链表的结构修改（插入、摘除）必须持有 latch 的 X 模式，这是唯一的仲裁点；
// 记录锁和间隙锁是独立的细粒度对象，不受 latch 保护。
type ClusteredIndex struct {
	name   string
	schema *Schema
	latch  *latch.Latch
	tree   *btree.BTreeG[*Entry]

	arena    []*Entry // 下标即 EntryID，0 不使用，槽位不复用
	supremum *Entry
	first    EntryID
}

// NewClusteredIndex 创建空的聚簇索引
func NewClusteredIndex(name string, schema *Schema) *ClusteredIndex {
	if schema == nil {
		schema = DefaultSchema()
	}
	idx := &ClusteredIndex{
		name:   name,
		schema: schema,
		latch:  latch.NewLatch(name),
		tree:   btree.NewG[*Entry](btreeDegree, func(a, b *Entry) bool { return a.Less(b) }),
		arena:  make([]*Entry, 1, 64),
	}

	sup := &Entry{
		id:       idx.allocID(),
		index:    idx,
		supremum: true,
		rwLock:   lock.NewRecordLock(),
	}
	sup.gapLock = lock.NewGapLock(0, uint64(sup.id))
	idx.arena[sup.id] = sup
	idx.supremum = sup
	idx.first = sup.id
	return idx
}

func (idx *ClusteredIndex) allocID() EntryID {
	idx.arena = append(idx.arena, nil)
	return EntryID(len(idx.arena) - 1)
}

// Name 索引名称
func (idx *ClusteredIndex) Name() string {
	return idx.name
}

// Schema 表结构
func (idx *ClusteredIndex) Schema() *Schema {
	return idx.schema
}

// Latch 索引闩锁
func (idx *ClusteredIndex) Latch() *latch.Latch {
	return idx.latch
}

// Supremum 上确界伪记录，它的间隙锁守护 (最后一条记录, +∞)
func (idx *ClusteredIndex) Supremum() *Entry {
	return idx.supremum
}

// Entry 按标识取记录
func (idx *ClusteredIndex) Entry(id EntryID) *Entry {
	idx.latch.SLock()
	defer idx.latch.SUnlock()
	return idx.entryLocked(id)
}

func (idx *ClusteredIndex) entryLocked(id EntryID) *Entry {
	if id == 0 || int(id) >= len(idx.arena) {
		return nil
	}
	return idx.arena[id]
}

// Contains 记录是否仍在链表中（回滚插入会把记录摘除）
func (idx *ClusteredIndex) Contains(e *Entry) bool {
	idx.latch.SLock()
	defer idx.latch.SUnlock()
	return idx.ContainsLocked(e)
}

// ContainsLocked 同 Contains，调用方持有闩锁
func (idx *ClusteredIndex) ContainsLocked(e *Entry) bool {
	return e != nil && !e.historical && idx.entryLocked(e.id) == e
}

// Adjacent pred 是否仍是 e 的直接前驱，pred 为 nil 表示 e 是第一条记录
func (idx *ClusteredIndex) Adjacent(pred, e *Entry) bool {
	idx.latch.SLock()
	defer idx.latch.SUnlock()
	if !idx.ContainsLocked(e) {
		return false
	}
	if pred != nil && !idx.ContainsLocked(pred) {
		return false
	}
	return idx.PrevLocked(e) == pred
}

// Len 用户记录数
func (idx *ClusteredIndex) Len() int {
	idx.latch.SLock()
	defer idx.latch.SUnlock()
	return idx.tree.Len()
}

// First 第一条记录，空索引返回上确界
func (idx *ClusteredIndex) First() *Entry {
	idx.latch.SLock()
	defer idx.latch.SUnlock()
	return idx.entryLocked(idx.first)
}

// Seek 精确查找
func (idx *ClusteredIndex) Seek(key int64) *Entry {
	idx.latch.SLock()
	defer idx.latch.SUnlock()
	return idx.SeekLocked(key)
}

// SeekLocked 精确查找，调用方持有闩锁
func (idx *ClusteredIndex) SeekLocked(key int64) *Entry {
	e, ok := idx.tree.Get(&Entry{key: key})
	if !ok {
		return nil
	}
	return e
}

// SeekGE 第一条键 >= key 的记录，没有则为上确界
func (idx *ClusteredIndex) SeekGE(key int64) *Entry {
	idx.latch.SLock()
	defer idx.latch.SUnlock()
	return idx.SeekGELocked(key)
}

// SeekGELocked 同 SeekGE，调用方持有闩锁
func (idx *ClusteredIndex) SeekGELocked(key int64) *Entry {
	found := idx.supremum
	idx.tree.AscendGreaterOrEqual(&Entry{key: key}, func(e *Entry) bool {
		found = e
		return false
	})
	return found
}

// SuccessorLocked 第一条键 > key 的记录，没有则为上确界
func (idx *ClusteredIndex) SuccessorLocked(key int64) *Entry {
	found := idx.supremum
	idx.tree.AscendGreaterOrEqual(&Entry{key: key}, func(e *Entry) bool {
		if e.key == key {
			return true
		}
		found = e
		return false
	})
	return found
}

// Next 后继，上确界的后继为 nil
func (idx *ClusteredIndex) Next(e *Entry) *Entry {
	idx.latch.SLock()
	defer idx.latch.SUnlock()
	return idx.NextLocked(e)
}

// NextLocked 同 Next，调用方持有闩锁
func (idx *ClusteredIndex) NextLocked(e *Entry) *Entry {
	if e.supremum {
		return nil
	}
	e.mu.RLock()
	next := e.next
	e.mu.RUnlock()
	return idx.entryLocked(next)
}

// Prev 前驱，第一条记录的前驱为 nil
func (idx *ClusteredIndex) Prev(e *Entry) *Entry {
	idx.latch.SLock()
	defer idx.latch.SUnlock()
	return idx.PrevLocked(e)
}

// PrevLocked 同 Prev，调用方持有闩锁
func (idx *ClusteredIndex) PrevLocked(e *Entry) *Entry {
	e.mu.RLock()
	prev := e.prev
	e.mu.RUnlock()
	return idx.entryLocked(prev)
}

// Entries 当前所有用户记录（按键升序）
func (idx *ClusteredIndex) Entries() []*Entry {
	idx.latch.SLock()
	defer idx.latch.SUnlock()

	out := make([]*Entry, 0, idx.tree.Len())
	for e := idx.entryLocked(idx.first); e != nil && !e.supremum; e = idx.NextLocked(e) {
		out = append(out, e)
	}
	return out
}

// InsertLocked 创建记录并插入链表，调用方持有 X 闩锁。
// 间隙锁在记录对外可见之前随记录一起创建，绑定 (插入时的前驱, 自己)。
func (idx *ClusteredIndex) InsertLocked(values []interface{}, trxID mvcc.TrxId) (*Entry, error) {
	idx.latch.MustXLocked()

	if len(values) != idx.schema.ColumnCount() {
		return nil, errors.Wrapf(basic.ErrInvalidValue, "table %s expects %d columns, got %d",
			idx.schema.Table, idx.schema.ColumnCount(), len(values))
	}
	row := make([]interface{}, len(values))
	for i, v := range values {
		cv, err := idx.schema.Coerce(i, v)
		if err != nil {
			return nil, err
		}
		row[i] = cv
	}
	key := row[0].(int64)

	if idx.SeekLocked(key) != nil {
		return nil, errors.Wrapf(basic.ErrDuplicateKey, "key %d", key)
	}

	succ := idx.SuccessorLocked(key)
	pred := idx.PrevLocked(succ)
	var predID EntryID
	if pred != nil {
		predID = pred.id
	}

	e := &Entry{
		id:     idx.allocID(),
		index:  idx,
		key:    key,
		values: row,
		trxID:  trxID,
		rwLock: lock.NewRecordLock(),
	}
	e.gapLock = lock.NewGapLock(uint64(predID), uint64(e.id))
	e.setLinks(predID, succ.id)

	idx.arena[e.id] = e
	idx.tree.ReplaceOrInsert(e)

	succ.mu.Lock()
	succ.prev = e.id
	succ.mu.Unlock()
	if pred != nil {
		pred.mu.Lock()
		pred.next = e.id
		pred.mu.Unlock()
	} else {
		idx.first = e.id
	}
	return e, nil
}

// RemoveLocked 把记录从链表摘除（回滚插入），调用方持有 X 闩锁。
// 返回摘除后的后继，调用方负责把被摘除记录的间隙锁继承给它。
func (idx *ClusteredIndex) RemoveLocked(e *Entry) (*Entry, error) {
	idx.latch.MustXLocked()

	if e.supremum || e.historical || idx.entryLocked(e.id) != e {
		return nil, errors.Wrapf(basic.ErrKeyNotFound, "key %d", e.key)
	}

	pred := idx.PrevLocked(e)
	succ := idx.NextLocked(e)

	var predID EntryID
	if pred != nil {
		predID = pred.id
		pred.mu.Lock()
		pred.next = succ.id
		pred.mu.Unlock()
	} else {
		idx.first = succ.id
	}
	succ.mu.Lock()
	succ.prev = predID
	succ.mu.Unlock()

	idx.tree.Delete(e)
	idx.arena[e.id] = nil
	return succ, nil
}
