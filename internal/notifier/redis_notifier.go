package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisNotifier 将通知写入用户的 Redis Streams 收件箱
// 流键格式：wisefido:inbox:<userID>；由应用端 XREAD 消费
type RedisNotifier struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
}

// NewRedisNotifier 创建 Redis 收件箱通知器
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client:    client,
		keyPrefix: "wisefido:inbox:",
		maxLen:    1000, // 每个收件箱最多保留 1000 条
	}
}

var _ Notifier = (*RedisNotifier)(nil)

// Send 发布通知到用户收件箱流
func (n *RedisNotifier) Send(ctx context.Context, userID, title, body string, data map[string]string) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	payload := map[string]interface{}{
		"title":     title,
		"body":      body,
		"timestamp": time.Now().Unix(),
	}
	if len(data) > 0 {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal notification data: %w", err)
		}
		payload["data"] = string(jsonData)
	}

	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.keyPrefix + userID,
		MaxLen: n.maxLen,
		Approx: true,
		Values: payload,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
