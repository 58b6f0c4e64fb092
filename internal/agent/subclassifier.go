// Package agent 实现依赖 LLM 补全能力的各个生成角色：
// 子分类器、回复生成器与摘要生成器。
package agent

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"oso/backend/internal/domain"
	"oso/backend/internal/llm"
)

// Completer 文本补全能力，由 llm.Client 实现。
type Completer interface {
	Complete(ctx context.Context, req *llm.Request) (string, error)
}

const classifierSystemPrompt = "You are a classifier. Classify user prompt as either:\n"

// SubClassifier 单次二选一的概率性文本分类器。
//
// 每个候选以 "value -- description" 形式进入系统提示词，
// 模型输出按值空间归一化；描述文本绝不参与结果比较。
type SubClassifier struct {
	completer Completer
	model     string
	log       *zap.Logger
}

// NewSubClassifier 创建子分类器
func NewSubClassifier(completer Completer, model string, log *zap.Logger) *SubClassifier {
	return &SubClassifier{
		completer: completer,
		model:     model,
		log:       log,
	}
}

// Classify 在给定候选集合中做一次判定。
// 模型输出不在候选集合内时视为失败。
func (s *SubClassifier) Classify(ctx context.Context, text string, candidates []domain.Classification) (domain.Classification, error) {
	var sb strings.Builder
	sb.WriteString(classifierSystemPrompt)
	for _, c := range candidates {
		sb.WriteString(c.Prompt())
		sb.WriteString("\n")
	}

	raw, err := s.completer.Complete(ctx, &llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "system", Content: sb.String()},
			{Role: "user", Content: text},
		},
		Temperature: 0.1,
		MaxTokens:   32,
	})
	if err != nil {
		return "", fmt.Errorf("classify completion: %w", err)
	}

	result, err := domain.ParseClassification(raw)
	if err != nil {
		return "", err
	}
	if !result.In(candidates) {
		return "", fmt.Errorf("classification %q is not among candidates", result)
	}
	return result, nil
}
