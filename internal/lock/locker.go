package lock

import "context"

// Locker 分布式互斥原语
// 扫描器用它保证同一时刻跨副本最多只有一个实例在执行扫描。
type Locker interface {
	// TryAcquire 尝试获取锁；已被其他持有者占用时返回 false（不阻塞）
	TryAcquire(ctx context.Context, key string) (bool, error)

	// Release 释放锁；仅当前持有者可释放
	Release(ctx context.Context, key string) error
}
