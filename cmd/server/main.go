package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oso/backend/internal/agent"
	jwtpkg "oso/backend/internal/auth/jwt"
	"oso/backend/internal/cache"
	"oso/backend/internal/classifier"
	"oso/backend/internal/config"
	"oso/backend/internal/delivery"
	"oso/backend/internal/health"
	"oso/backend/internal/imaging"
	"oso/backend/internal/llm"
	"oso/backend/internal/logger"
	"oso/backend/internal/monitoring"
	"oso/backend/internal/pipeline"
	"oso/backend/internal/smtp"
	"oso/backend/internal/storage"
	"oso/backend/internal/storage/memory"
	"oso/backend/internal/storage/postgres"
	storageredis "oso/backend/internal/storage/redis"
	httptransport "oso/backend/internal/transport/http"
	"oso/backend/internal/websocket"
)

// dedupeCache 摄入去重缓存能力（Redis 或进程内实现）。
type dedupeCache interface {
	MarkSeen(ctx context.Context, msgID string) (bool, error)
	Health() error
	Close() error
}

// main 启动消息流水线服务：HTTP 摄入 API、可选的 SMTP 摄入，
// 以及驱动五个处理阶段的调度器。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting oso server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 初始化存储层
	var store storage.Store
	if cfg.Database.DSN != "" {
		client, err := postgres.NewClient(&cfg.Database, log)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		store = postgres.NewStore(client, log)
		log.Info("using postgres storage")
	} else {
		store = memory.NewStore(log)
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	// 初始化去重缓存：优先 Redis，未配置时退回进程内缓存
	var dedupe dedupeCache
	if cfg.Redis.Address != "" {
		redisCache, err := storageredis.NewCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TTL)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		dedupe = redisCache
		log.Info("dedupe cache enabled", zap.String("address", cfg.Redis.Address))
	} else {
		dedupe = cache.NewDedupe(cfg.Redis.TTL)
		log.Info("using in-process dedupe cache (single instance only)")
	}
	defer dedupe.Close()

	// 初始化监控与健康检查
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := health.NewChecker(store, dedupe, log)

	// 事件 Hub
	hub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)
	hub.SetClientGauge(func(count int) {
		metrics.EventClients.Set(float64(count))
	})

	// LLM 客户端与各项能力
	llmClient := llm.NewClient(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Retries: cfg.LLM.Retries,
		Timeout: cfg.LLM.Timeout,
	}, log)
	llmClient.SetFailureCounter(metrics.LLMFailures)

	sub := agent.NewSubClassifier(llmClient, cfg.LLM.ClassifierModel, log)
	multiPass := classifier.New(sub, log)
	replier := agent.NewReplier(llmClient, agent.ReplierConfig{
		Model:         cfg.LLM.ReplyModel,
		SystemPrompt:  cfg.Prompts.ReplySystem,
		BouncedPrompt: cfg.Prompts.ReplyBounced,
	}, log)
	summarizer := agent.NewSummarizer(llmClient, agent.SummarizerConfig{
		Model:           cfg.LLM.SummaryModel,
		SummaryPrompt:   cfg.Prompts.Summary,
		SanitizerPrompt: cfg.Prompts.Sanitizer,
		MaxChars:        cfg.Pipeline.StoryMaxChars,
	}, log)
	renderer := imaging.NewRenderer(imaging.Config{
		BackgroundPath: cfg.Image.BackgroundPath,
		Width:          cfg.Image.Width,
		Height:         cfg.Image.Height,
		Quality:        cfg.Image.Quality,
	}, log)

	// 投递端点（未配置的端点对应的阶段不启动）
	var sender pipeline.ReplySender
	if cfg.Delivery.ReplyEndpoint != "" {
		sender = delivery.NewReplySender(delivery.Config{
			Endpoint:      cfg.Delivery.ReplyEndpoint,
			AuthToken:     cfg.Delivery.AuthToken,
			RatePerSecond: cfg.Delivery.RatePerSecond,
			Burst:         cfg.Delivery.Burst,
			Timeout:       cfg.Delivery.Timeout,
		}, log)
	}
	var publisher pipeline.Publisher
	if cfg.Delivery.PublishEndpoint != "" {
		publisher = delivery.NewPublisher(delivery.Config{
			Endpoint:      cfg.Delivery.PublishEndpoint,
			AuthToken:     cfg.Delivery.AuthToken,
			RatePerSecond: cfg.Delivery.RatePerSecond,
			Burst:         cfg.Delivery.Burst,
			Timeout:       cfg.Delivery.Timeout,
		}, log)
	}

	// 流水线调度器
	orchestrator := pipeline.New(
		store, multiPass, replier, summarizer, renderer, sender, publisher,
		hub, metrics,
		pipeline.Config{
			PollInterval:    cfg.Pipeline.PollInterval,
			LockTimeout:     cfg.Pipeline.LockTimeout,
			Lookback:        cfg.Pipeline.Lookback,
			Limit:           cfg.Pipeline.Limit,
			ThreadLimit:     cfg.Pipeline.ThreadLimit,
			MaxConcurrent:   cfg.Pipeline.MaxConcurrent,
			ClassifyExclude: cfg.Pipeline.ClassifyExclude,
			ReplyAllow:      cfg.Pipeline.ReplyAllow,
			ReplyExclude:    cfg.Pipeline.ReplyExclude,
			SummaryAllow:    cfg.Pipeline.SummaryAllow,
			SummaryExclude:  cfg.Pipeline.SummaryExclude,
		},
		log,
	)

	// JWT 管理器
	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)

	// HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:     cfg,
		Store:      store,
		Dedupe:     dedupe,
		JWTManager: jwtManager,
		Hub:        hub,
		Metrics:    metrics,
		Health:     healthChecker,
		Logger:     log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SMTP 服务器（可选摄入源）
	var smtpServer *gosmtp.Server
	if cfg.SMTP.Enabled {
		backend := smtp.NewBackend(store, dedupe, hub, metrics,
			cfg.SMTP.Me, cfg.SMTP.MaxMessageBytes, cfg.SMTP.MaxConns, cfg.SMTP.MaxConnRate, log)
		smtpServer = gosmtp.NewServer(backend)
		smtpServer.Addr = cfg.SMTP.BindAddr
		smtpServer.Domain = cfg.SMTP.Domain
		smtpServer.ReadTimeout = 10 * time.Second
		smtpServer.WriteTimeout = 10 * time.Second
		smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
		smtpServer.MaxRecipients = 1
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	if smtpServer != nil {
		group.Go(func() error {
			log.Info("starting SMTP server",
				zap.String("address", cfg.SMTP.BindAddr),
				zap.String("domain", cfg.SMTP.Domain),
			)
			if err := smtpServer.ListenAndServe(); err != nil {
				log.Error("SMTP server error", zap.Error(err))
				return err
			}
			return nil
		})
	}

	// 流水线 goroutine
	group.Go(func() error {
		if err := orchestrator.Run(groupCtx); err != nil && err != context.Canceled {
			log.Error("pipeline error", zap.Error(err))
			return err
		}
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if smtpServer != nil {
			if err := smtpServer.Close(); err != nil {
				log.Warn("SMTP server close warning", zap.Error(err))
			}
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
