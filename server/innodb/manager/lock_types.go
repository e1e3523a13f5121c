package manager

// LockStats 锁统计信息
type LockStats struct {
	TotalLocks    uint64 // 登记过的锁数
	ActiveLocks   uint64 // 当前持有的锁数
	LockWaits     uint64 // 锁等待次数
	Deadlocks     uint64 // 死锁次数
	EarlyReleases uint64 // 事务结束前提前释放的锁数
	ImplicitLocks uint64 // 隐式锁转换次数
}
