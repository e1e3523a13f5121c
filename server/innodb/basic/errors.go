package basic

import "errors"

// 事务相关错误
var (
	ErrInvalidTransactionState  = errors.New("invalid transaction state")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionAlreadyExists = errors.New("transaction already exists")
	ErrTransactionAborted       = errors.New("transaction aborted")
)

// 锁相关错误
var (
	ErrDeadlockDetected = errors.New("deadlock detected")
	ErrLockWaitTimeout  = errors.New("lock wait timeout exceeded")
)

// 索引相关错误
var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrKeyNotFound  = errors.New("key not found")
)

// 模式相关错误
var (
	// ErrSchemaImmutability 写入了不可变列，属于调用方错误，不应重试
	ErrSchemaImmutability  = errors.New("schema immutability violation")
	ErrInvalidColumnOffset = errors.New("invalid column offset")
	ErrInvalidSchema       = errors.New("invalid schema")
	ErrInvalidValue        = errors.New("invalid value")
)

// 系统错误
var (
	ErrNotImplemented   = errors.New("not implemented")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// IsolationLevel 事务隔离级别
type IsolationLevel uint8

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

// String 返回隔离级别的字符串表示
func (il IsolationLevel) String() string {
	switch il {
	case ReadUncommitted:
		return "READ-UNCOMMITTED"
	case ReadCommitted:
		return "READ-COMMITTED"
	case RepeatableRead:
		return "REPEATABLE-READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// ParseIsolationLevel 解析 transaction_isolation 配置值
func ParseIsolationLevel(s string) (IsolationLevel, bool) {
	switch s {
	case "READ-UNCOMMITTED", "READ_UNCOMMITTED":
		return ReadUncommitted, true
	case "READ-COMMITTED", "READ_COMMITTED":
		return ReadCommitted, true
	case "REPEATABLE-READ", "REPEATABLE_READ":
		return RepeatableRead, true
	case "SERIALIZABLE":
		return Serializable, true
	default:
		return RepeatableRead, false
	}
}
