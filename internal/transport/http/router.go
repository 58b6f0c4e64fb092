package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "oso/backend/internal/auth/jwt"
	"oso/backend/internal/config"
	"oso/backend/internal/health"
	"oso/backend/internal/middleware"
	"oso/backend/internal/monitoring"
	"oso/backend/internal/storage"
	"oso/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config     *config.Config
	Store      storage.Store
	Dedupe     DedupeCache     // 可选，nil 时禁用摄入去重
	JWTManager *jwtpkg.Manager
	Hub        *websocket.Hub
	Metrics    *monitoring.Metrics
	Health     *health.Checker
	Logger     *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	// 使用自定义中间件替代默认中间件
	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())

	// 全局请求体大小限制 1MB（消息摄入是纯文本负载）
	router.Use(middleware.RequestSizeLimit(1 << 20))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 健康检查与指标
	router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	messageHandler := NewMessageHandler(deps.Store, deps.Dedupe, deps.Hub, deps.Metrics, deps.Logger)
	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, deps.Logger)

	// V1 API（全部需要认证）
	v1 := router.Group("/v1")
	v1.Use(jwtAuth.RequireAuth())
	{
		v1.POST("/messages", jwtAuth.RequireScope(jwtpkg.ScopeIngest), messageHandler.Ingest)
		v1.GET("/messages/:id", messageHandler.Get)
		v1.GET("/messages/:id/thread", messageHandler.Thread)

		// 流水线事件订阅
		v1.GET("/events", deps.Hub.Handler())
	}

	return router
}
