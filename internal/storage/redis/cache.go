package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache 基于 Redis 的摄入去重缓存。
//
// 摄入来源（SMTP、Webhook）在写入存储前先检查消息 ID 是否
// 近期已见过，避免重复 upsert 打到数据库。缓存不可用时摄入
// 照常进行——去重只是优化，正确性由 upsert 的幂等性保证。
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache 创建 Redis 去重缓存实例
func NewCache(addr, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{
		client: client,
		ttl:    ttl,
	}, nil
}

// MarkSeen 标记消息 ID 已见。返回 true 表示首次出现。
func (c *Cache) MarkSeen(ctx context.Context, msgID string) (bool, error) {
	key := fmt.Sprintf("seen:%s", msgID)
	first, err := c.client.SetNX(ctx, key, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark message seen: %w", err)
	}
	return first, nil
}

// Health 检查 Redis 连接。
func (c *Cache) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接。
func (c *Cache) Close() error {
	return c.client.Close()
}
