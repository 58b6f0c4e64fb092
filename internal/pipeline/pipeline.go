// Package pipeline 驱动消息处理流水线。
//
// 五个阶段（分类、回复生成、摘要生成、回复发送、摘要发布）各自
// 以独立节拍轮询存储：认领一批候选、并发处理、写回结果、释放锁。
// 阶段之间只通过存储中的消息状态衔接，没有内存队列。
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oso/backend/internal/domain"
	"oso/backend/internal/monitoring"
	"oso/backend/internal/storage"
	"oso/backend/internal/websocket"
)

// Classifier 多路分类能力。
type Classifier interface {
	MultiPass(ctx context.Context, text string) (domain.Classification, error)
}

// ReplyGenerator 基于会话生成回复的能力。
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, thread []*domain.Message) (string, error)
}

// Summarizer 摘要生成能力。
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// ImageRenderer 摘要配图渲染能力。
type ImageRenderer interface {
	Render(text string) ([]byte, error)
}

// ReplySender 回复投递能力，返回对端分配的回复标识。
type ReplySender interface {
	SendReply(ctx context.Context, msg *domain.Message) (string, error)
}

// Publisher 摘要发布能力，返回对端分配的帖子标识。
type Publisher interface {
	Publish(ctx context.Context, msg *domain.Message) (string, error)
}

// Config 流水线调度配置。
type Config struct {
	PollInterval  time.Duration
	LockTimeout   time.Duration
	Lookback      time.Duration
	Limit         int
	ThreadLimit   int
	MaxConcurrent int

	ClassifyExclude []domain.Classification
	ReplyAllow      []domain.Classification
	ReplyExclude    []domain.Classification
	SummaryAllow    []domain.Classification
	SummaryExclude  []domain.Classification
}

// 阶段名，用于日志与指标标签。
const (
	stageClassify = "classify"
	stageReply    = "reply"
	stageSummary  = "summary"
	stageSend     = "send"
	stageShare    = "share"
)

// Orchestrator 流水线调度器。
//
// sender/publisher 为 nil 时对应阶段不启动（例如没有配置投递
// 端点的只读部署）。
type Orchestrator struct {
	store      storage.Store
	classifier Classifier
	replier    ReplyGenerator
	summarizer Summarizer
	renderer   ImageRenderer
	sender     ReplySender
	publisher  Publisher
	hub        *websocket.Hub
	metrics    *monitoring.Metrics
	cfg        Config
	log        *zap.Logger
}

// New 创建流水线调度器
func New(
	store storage.Store,
	classifier Classifier,
	replier ReplyGenerator,
	summarizer Summarizer,
	renderer ImageRenderer,
	sender ReplySender,
	publisher Publisher,
	hub *websocket.Hub,
	metrics *monitoring.Metrics,
	cfg Config,
	log *zap.Logger,
) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 300 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 60 * time.Second
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 168 * time.Hour
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.ThreadLimit <= 0 {
		cfg.ThreadLimit = 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	return &Orchestrator{
		store:      store,
		classifier: classifier,
		replier:    replier,
		summarizer: summarizer,
		renderer:   renderer,
		sender:     sender,
		publisher:  publisher,
		hub:        hub,
		metrics:    metrics,
		cfg:        cfg,
		log:        log,
	}
}

// Run 启动全部阶段循环，阻塞到 ctx 取消。
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.runStage(ctx, stageClassify, o.classifyCycle) })
	g.Go(func() error { return o.runStage(ctx, stageReply, o.replyCycle) })
	g.Go(func() error { return o.runStage(ctx, stageSummary, o.summaryCycle) })
	if o.sender != nil {
		g.Go(func() error { return o.runStage(ctx, stageSend, o.sendCycle) })
	} else {
		o.log.Info("reply sending disabled, no delivery endpoint configured")
	}
	if o.publisher != nil {
		g.Go(func() error { return o.runStage(ctx, stageShare, o.shareCycle) })
	} else {
		o.log.Info("summary sharing disabled, no publish endpoint configured")
	}

	return g.Wait()
}

// runStage 以固定节拍驱动单个阶段。
// 周期内的失败只记录，不中断循环；只有 ctx 取消能结束阶段。
func (o *Orchestrator) runStage(ctx context.Context, stage string, cycle func(context.Context) error) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.log.Info("stage started", zap.String("stage", stage), zap.Duration("interval", o.cfg.PollInterval))

	for {
		start := time.Now()
		err := cycle(ctx)
		if o.metrics != nil {
			o.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
			status := "ok"
			if err != nil {
				status = "error"
			}
			o.metrics.StageCycles.WithLabelValues(stage, status).Inc()
		}
		if err != nil && ctx.Err() == nil {
			o.log.Error("stage cycle failed", zap.String("stage", stage), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			o.log.Info("stage stopped", zap.String("stage", stage))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) claimParams() storage.ClaimParams {
	return storage.ClaimParams{
		Lookback:    o.cfg.Lookback,
		Limit:       o.cfg.Limit,
		LockTimeout: o.cfg.LockTimeout,
	}
}

// release 无条件释放一批消息的锁。
// 使用独立的超时上下文：即便周期的上下文已取消，锁也要尽力归还。
func (o *Orchestrator) release(msgs []*domain.Message) {
	if len(msgs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.store.ReleaseLocks(ctx, msgs); err != nil {
		if o.metrics != nil {
			o.metrics.ReleaseFailures.Inc()
		}
		// 释放失败不升级，受影响的行等待锁超时后自然恢复
		o.log.Warn("failed to release locks", zap.Int("count", len(msgs)), zap.Error(err))
	}
}

// processEach 并发处理认领到的消息，返回成功产生的更新。
// 单条失败只计数与记录，不影响同批其他消息。
func (o *Orchestrator) processEach(
	ctx context.Context,
	stage string,
	msgs []*domain.Message,
	fn func(context.Context, *domain.Message) (*domain.Message, error),
) []*domain.Message {
	slots := make([]*domain.Message, len(msgs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrent)
	for i, msg := range msgs {
		g.Go(func() error {
			update, err := fn(ctx, msg)
			if err != nil {
				if o.metrics != nil {
					o.metrics.ItemFailures.WithLabelValues(stage).Inc()
				}
				o.log.Warn("message processing failed",
					zap.String("stage", stage),
					zap.String("msg_id", msg.ID),
					zap.Error(err),
				)
				return nil
			}
			slots[i] = update
			return nil
		})
	}
	_ = g.Wait()

	updates := make([]*domain.Message, 0, len(msgs))
	for _, u := range slots {
		if u != nil {
			updates = append(updates, u)
		}
	}
	return updates
}

// classifyCycle 认领未分类消息并写回分类结果。
func (o *Orchestrator) classifyCycle(ctx context.Context) error {
	msgs, err := o.store.ClaimToClassify(ctx, storage.CohortParams{
		ClaimParams: o.claimParams(),
		Exclude:     o.cfg.ClassifyExclude,
	})
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	defer o.release(msgs)

	if o.metrics != nil {
		o.metrics.MessagesClaimed.WithLabelValues(stageClassify).Add(float64(len(msgs)))
	}
	o.log.Info("classifying messages", zap.Int("count", len(msgs)))

	updates := o.processEach(ctx, stageClassify, msgs, func(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
		text := messageText(msg)
		if text == "" {
			return nil, fmt.Errorf("message has no text")
		}
		result, err := o.classifier.MultiPass(ctx, text)
		if err != nil {
			return nil, err
		}
		o.log.Info("message classified",
			zap.String("msg_id", msg.ID),
			zap.String("classification", string(result)),
		)
		return &domain.Message{ID: msg.ID, Classification: domain.Ptr(result)}, nil
	})

	if err := o.writeBack(ctx, updates, websocket.EventMessageClassified); err != nil {
		return err
	}
	return nil
}

// replyCycle 认领每个发送者最新的待回复消息并生成回复。
func (o *Orchestrator) replyCycle(ctx context.Context) error {
	msgs, err := o.store.ClaimToReply(ctx, storage.CohortParams{
		ClaimParams: o.claimParams(),
		Allow:       o.cfg.ReplyAllow,
		Exclude:     o.cfg.ReplyExclude,
	})
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	defer o.release(msgs)

	if o.metrics != nil {
		o.metrics.MessagesClaimed.WithLabelValues(stageReply).Add(float64(len(msgs)))
	}
	o.log.Info("generating replies", zap.Int("count", len(msgs)))

	updates := o.processEach(ctx, stageReply, msgs, func(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
		thread, err := o.store.Thread(ctx, msg, o.cfg.Lookback, o.cfg.ThreadLimit)
		if err != nil {
			return nil, fmt.Errorf("thread: %w", err)
		}
		if len(thread) == 0 {
			thread = []*domain.Message{msg}
		}
		reply, err := o.replier.GenerateReply(ctx, thread)
		if err != nil {
			return nil, err
		}
		return &domain.Message{ID: msg.ID, ReplyBody: domain.Ptr(reply)}, nil
	})

	return o.writeBack(ctx, updates, websocket.EventReplyGenerated)
}

// summaryCycle 认领待摘要消息，生成摘要与配图。
func (o *Orchestrator) summaryCycle(ctx context.Context) error {
	msgs, err := o.store.ClaimToSummarize(ctx, storage.CohortParams{
		ClaimParams: o.claimParams(),
		Allow:       o.cfg.SummaryAllow,
		Exclude:     o.cfg.SummaryExclude,
	})
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	defer o.release(msgs)

	if o.metrics != nil {
		o.metrics.MessagesClaimed.WithLabelValues(stageSummary).Add(float64(len(msgs)))
	}
	o.log.Info("summarizing messages", zap.Int("count", len(msgs)))

	updates := o.processEach(ctx, stageSummary, msgs, func(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
		if msg.Body == nil {
			return nil, fmt.Errorf("message has no body")
		}
		summary, err := o.summarizer.Summarize(ctx, *msg.Body)
		if err != nil {
			return nil, err
		}

		update := &domain.Message{ID: msg.ID, Summary: domain.Ptr(summary)}
		if o.renderer != nil {
			img, err := o.renderer.Render(attributed(msg, summary))
			if err != nil {
				return nil, fmt.Errorf("render: %w", err)
			}
			update.Images = [][]byte{img}
		}
		return update, nil
	})

	return o.writeBack(ctx, updates, websocket.EventSummaryGenerated)
}

// sendCycle 认领已生成回复的消息并投递。
func (o *Orchestrator) sendCycle(ctx context.Context) error {
	msgs, err := o.store.ClaimRepliesToSend(ctx, o.claimParams())
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	defer o.release(msgs)

	if o.metrics != nil {
		o.metrics.MessagesClaimed.WithLabelValues(stageSend).Add(float64(len(msgs)))
	}
	o.log.Info("sending replies", zap.Int("count", len(msgs)))

	updates := o.processEach(ctx, stageSend, msgs, func(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
		replyID, err := o.sender.SendReply(ctx, msg)
		if err != nil {
			return nil, err
		}
		o.log.Info("reply sent",
			zap.String("msg_id", msg.ID),
			zap.String("reply_id", replyID),
		)
		return &domain.Message{ID: msg.ID, ReplyID: domain.Ptr(replyID)}, nil
	})

	return o.writeBack(ctx, updates, websocket.EventReplySent)
}

// shareCycle 认领已生成摘要的消息并发布。
func (o *Orchestrator) shareCycle(ctx context.Context) error {
	msgs, err := o.store.ClaimSummariesToShare(ctx, o.claimParams())
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	defer o.release(msgs)

	if o.metrics != nil {
		o.metrics.MessagesClaimed.WithLabelValues(stageShare).Add(float64(len(msgs)))
	}
	o.log.Info("sharing summaries", zap.Int("count", len(msgs)))

	updates := o.processEach(ctx, stageShare, msgs, func(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
		postID, err := o.publisher.Publish(ctx, msg)
		if err != nil {
			return nil, err
		}
		o.log.Info("summary shared",
			zap.String("msg_id", msg.ID),
			zap.String("post_id", postID),
		)
		return &domain.Message{ID: msg.ID, PostID: domain.Ptr(postID)}, nil
	})

	return o.writeBack(ctx, updates, websocket.EventSummaryShared)
}

// writeBack 批量落盘成功的更新并广播阶段事件。
func (o *Orchestrator) writeBack(ctx context.Context, updates []*domain.Message, event websocket.EventType) error {
	if len(updates) == 0 {
		return nil
	}
	if err := o.store.UpdateMessages(ctx, updates); err != nil {
		return fmt.Errorf("write back: %w", err)
	}
	for _, u := range updates {
		o.hub.Broadcast(websocket.Event{Type: event, MsgID: u.ID})
	}
	return nil
}

// messageText 拼出参与分类的文本。
func messageText(msg *domain.Message) string {
	var parts []string
	if msg.Subject != nil && *msg.Subject != "" {
		parts = append(parts, *msg.Subject)
	}
	if msg.Body != nil && *msg.Body != "" {
		parts = append(parts, *msg.Body)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// attributed 为摘要加上来源署名（如 "u/name" 或 "@name"）。
func attributed(msg *domain.Message, summary string) string {
	if msg.Sender == nil || msg.Source == nil {
		return summary
	}
	prefix := msg.Source.AttributionPrefix()
	if prefix == "" {
		return summary
	}
	return fmt.Sprintf("%s%s\n\n%s", prefix, *msg.Sender, summary)
}
