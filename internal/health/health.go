package health

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"oso/backend/internal/storage"
)

// Checker 健康检查器
type Checker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger
}

// DedupeCache 可选的去重缓存健康探针。
type DedupeCache interface {
	Health() error
}

// NewChecker 创建健康检查器
func NewChecker(store storage.Store, cache DedupeCache, logger *zap.Logger) *Checker {
	c := &Checker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}

	c.health.AddLivenessCheck("store", c.store.Health)
	c.health.AddReadinessCheck("store", c.store.Health)

	// 去重缓存只做存活观测，不阻塞就绪（缓存不可用时摄入降级为直写）
	if cache != nil {
		c.health.AddLivenessCheck("dedupe_cache", cache.Health)
	}

	return c
}

// LiveHandler 返回存活探针处理器
func (c *Checker) LiveHandler() http.HandlerFunc {
	return c.health.LiveEndpoint
}

// ReadyHandler 返回就绪探针处理器
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.health.ReadyEndpoint
}
