package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisLocker 基于 Redis SET NX 的咨询锁
// 每次获取写入唯一 token，释放前校验 token：
// 锁过期后被其他副本抢走时，旧持有者不会误删新持有者的锁。
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string // key -> token held by this instance
}

// NewRedisLocker 创建 Redis 锁
// ttl 是锁租期：持有者崩溃后锁最多存活 ttl，之后其他副本可接管
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		tokens: map[string]string{},
	}
}

var _ Locker = (*RedisLocker)(nil)

// TryAcquire 尝试获取锁（SET NX，带 TTL）
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (bool, error) {
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[key] = token
	l.mu.Unlock()
	return true, nil
}

// Release 释放锁；token 不匹配时不删除（锁已被其他副本接管）
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, held := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()

	if !held {
		return nil
	}

	current, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// 锁已过期
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	if current != token {
		// 锁已被其他持有者接管，不删除
		return nil
	}

	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
