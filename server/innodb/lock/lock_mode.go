package lock

import (
	"fmt"
)

// LockMode 锁模式，由执行层原样传入
type LockMode int

const (
	// LockModeNone 不加锁，快照读
	LockModeNone LockMode = iota

	// LockModeShared 共享锁(S锁)，当前读，对应 lock in share mode
	LockModeShared

	// LockModeExclusive 排他锁(X锁)，为修改而做的当前读
	LockModeExclusive
)

// String 返回锁模式的字符串表示
func (lm LockMode) String() string {
	switch lm {
	case LockModeNone:
		return "NONE"
	case LockModeShared:
		return "SHARED"
	case LockModeExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(lm))
	}
}

// IsLocking 是否为当前读
func (lm LockMode) IsLocking() bool {
	return lm == LockModeShared || lm == LockModeExclusive
}

// recordCompatibility 记录锁兼容矩阵，[持有][请求]，仅用于不同事务之间
var recordCompatibility = [3][3]bool{
	// NONE, S,    X
	{true, true, true},   // NONE
	{true, true, false},  // SHARED
	{true, false, false}, // EXCLUSIVE
}

// IsCompatible 检查两个不同事务的记录锁是否兼容
func (lm LockMode) IsCompatible(other LockMode) bool {
	if lm < 0 || int(lm) >= len(recordCompatibility) || other < 0 || int(other) >= len(recordCompatibility) {
		return false
	}
	return recordCompatibility[lm][other]
}

// Covers 已持有 lm 时再请求 other 是否无需任何动作
func (lm LockMode) Covers(other LockMode) bool {
	return lm >= other
}

// LockStrategy 上层范围/点查询如何映射为记录锁与间隙锁
type LockStrategy int

const (
	// StrategyRecordOnly 只锁记录，唯一键等值命中
	StrategyRecordOnly LockStrategy = iota

	// StrategyNextKey 记录锁 + 记录前的间隙锁，范围扫描
	StrategyNextKey

	// StrategyGapOnly 只锁间隙，不匹配的边界记录或不存在的键
	StrategyGapOnly
)

// String 返回加锁策略的字符串表示
func (s LockStrategy) String() string {
	switch s {
	case StrategyRecordOnly:
		return "REC_NOT_GAP"
	case StrategyNextKey:
		return "NEXT_KEY"
	case StrategyGapOnly:
		return "GAP"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// NeedsRecord 是否需要加记录锁
func (s LockStrategy) NeedsRecord() bool {
	return s == StrategyRecordOnly || s == StrategyNextKey
}

// NeedsGap 是否需要加间隙锁（防幻读）
func (s LockStrategy) NeedsGap() bool {
	return s == StrategyNextKey || s == StrategyGapOnly
}

// GapMode 间隙锁模式
type GapMode int

const (
	// GapModeGap 完整的间隙排斥，用于 next-key 防幻读
	GapModeGap GapMode = iota

	// GapModeInsertIntention 插入意向，只有遇到冲突才真正等待
	GapModeInsertIntention
)

// String 返回间隙锁模式的字符串表示
func (gm GapMode) String() string {
	switch gm {
	case GapModeGap:
		return "GAP"
	case GapModeInsertIntention:
		return "INSERT_INTENTION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(gm))
	}
}

// gapCompatibility 间隙锁兼容矩阵，[持有][请求]
// 间隙锁之间互不冲突，只有插入意向会被其他事务持有的间隙锁阻塞。
var gapCompatibility = [2][2]bool{
	// GAP, INSERT_INTENTION
	{true, false}, // GAP
	{true, true},  // INSERT_INTENTION
}

// IsCompatible 检查两个不同事务的间隙锁模式是否兼容
func (gm GapMode) IsCompatible(requested GapMode) bool {
	if gm < 0 || int(gm) >= len(gapCompatibility) || requested < 0 || int(requested) >= len(gapCompatibility) {
		return false
	}
	return gapCompatibility[gm][requested]
}
