package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"oso/backend/internal/domain"
	"oso/backend/internal/llm"
)

// ReplierConfig 回复生成配置。
type ReplierConfig struct {
	Model        string
	SystemPrompt string
	// BouncedPrompt 在最新消息不是 inquiry 时前置到用户提示词，
	// 其中的 {classification} 占位符会被实际分类值替换。
	BouncedPrompt string
}

// Replier 基于会话上下文生成回复文本。
type Replier struct {
	completer Completer
	cfg       ReplierConfig
	log       *zap.Logger
}

// NewReplier 创建回复生成器
func NewReplier(completer Completer, cfg ReplierConfig, log *zap.Logger) *Replier {
	return &Replier{
		completer: completer,
		cfg:       cfg,
		log:       log,
	}
}

// GenerateReply 根据会话（时间升序，最新在最后）生成回复。
func (r *Replier) GenerateReply(ctx context.Context, thread []*domain.Message) (string, error) {
	if len(thread) == 0 {
		return "", fmt.Errorf("empty thread")
	}

	newest := thread[len(thread)-1]
	if newest.Body == nil {
		return "", fmt.Errorf("newest message %s has no body", newest.ID)
	}

	userPrompt := *newest.Body
	if bounced(newest) && r.cfg.BouncedPrompt != "" {
		label := "unclassified"
		if newest.Classification != nil {
			label = string(*newest.Classification)
		}
		prefix := strings.ReplaceAll(r.cfg.BouncedPrompt, "{classification}", fmt.Sprintf("`%s`", label))
		userPrompt = prefix + userPrompt
	}

	messages := []llm.Message{{Role: "system", Content: r.cfg.SystemPrompt}}
	// 最新一条之前的消息构成对话历史
	for _, m := range thread[:len(thread)-1] {
		if m.Body != nil {
			messages = append(messages, llm.Message{Role: "user", Content: *m.Body})
		}
		if m.ReplyBody != nil {
			messages = append(messages, llm.Message{Role: "assistant", Content: *m.ReplyBody})
		}
	}
	messages = append(messages, llm.Message{Role: "user", Content: userPrompt})

	reply, err := r.completer.Complete(ctx, &llm.Request{
		Model:       r.cfg.Model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil {
		return "", fmt.Errorf("reply completion: %w", err)
	}

	r.log.Info("reply generated",
		zap.String("msg_id", newest.ID),
		zap.Int("thread_len", len(thread)),
	)
	return reply, nil
}

// bounced 判断最新消息是否偏离了正常应答路径。
func bounced(m *domain.Message) bool {
	return m.Classification == nil || *m.Classification != domain.ClassInquiry
}
