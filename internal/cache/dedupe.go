// Package cache 提供进程内的摄入去重缓存。
// 未配置 Redis 的单实例部署使用它；多实例部署必须用 Redis，
// 进程内缓存无法跨实例去重。
package cache

import (
	"context"
	"sync"
	"time"
)

// Dedupe 带 TTL 的进程内去重缓存。
type Dedupe struct {
	data sync.Map
	ttl  time.Duration
	done chan struct{}
	once sync.Once
}

// NewDedupe 创建去重缓存
//
// 参数:
//   - ttl: 去重键的过期时间
func NewDedupe(ttl time.Duration) *Dedupe {
	d := &Dedupe{
		ttl:  ttl,
		done: make(chan struct{}),
	}

	// 启动定期清理
	go d.cleanupLoop()

	return d
}

// MarkSeen 标记消息已见。
// 返回 true 表示首次出现，false 表示 TTL 窗口内的重复。
func (d *Dedupe) MarkSeen(_ context.Context, msgID string) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(d.ttl)

	prev, loaded := d.data.LoadOrStore(msgID, expiresAt)
	if !loaded {
		return true, nil
	}

	// 已有条目但已过期：视为首次出现并续期
	if now.After(prev.(time.Time)) {
		d.data.Store(msgID, expiresAt)
		return true, nil
	}
	return false, nil
}

// Health 进程内缓存总是可用。
func (d *Dedupe) Health() error {
	return nil
}

// Close 停止后台清理。
func (d *Dedupe) Close() error {
	d.once.Do(func() { close(d.done) })
	return nil
}

// cleanupLoop 定期清理过期条目
func (d *Dedupe) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			now := time.Now()
			d.data.Range(func(key, value interface{}) bool {
				if now.After(value.(time.Time)) {
					d.data.Delete(key)
				}
				return true
			})
		}
	}
}
