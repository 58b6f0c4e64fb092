package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"oso/backend/internal/llm"
)

// SummarizerConfig 摘要生成配置。
type SummarizerConfig struct {
	Model           string
	SummaryPrompt   string
	SanitizerPrompt string
	// MaxChars 摘要长度上限，超过则继续压缩
	MaxChars int
	// MaxPasses 压缩轮数硬上限，防止模型始终超长时死循环
	MaxPasses int
}

// Summarizer 迭代式摘要生成器。
//
// 原文超过 MaxChars 时反复压缩，最后做一次清洗。
type Summarizer struct {
	completer Completer
	cfg       SummarizerConfig
	log       *zap.Logger
}

// NewSummarizer 创建摘要生成器
func NewSummarizer(completer Completer, cfg SummarizerConfig, log *zap.Logger) *Summarizer {
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 10
	}
	return &Summarizer{
		completer: completer,
		cfg:       cfg,
		log:       log,
	}
}

// Summarize 生成不超过 MaxChars 的摘要文本。
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	result := text
	passes := 0
	for len([]rune(result)) > s.cfg.MaxChars {
		if passes >= s.cfg.MaxPasses {
			return "", fmt.Errorf("summary still exceeds %d chars after %d passes", s.cfg.MaxChars, passes)
		}
		condensed, err := s.run(ctx, s.cfg.SummaryPrompt, result, 0.7)
		if err != nil {
			return "", fmt.Errorf("summarize pass %d: %w", passes+1, err)
		}
		result = condensed
		passes++
	}

	if passes > 0 {
		fields := []zap.Field{
			zap.Int("passes", passes),
			zap.Int("original_chars", len([]rune(text))),
			zap.Int("summary_chars", len([]rune(result))),
		}
		if passes < 5 {
			s.log.Info("story summarized", fields...)
		} else {
			s.log.Warn("story summarized", fields...)
		}
	}

	sanitized, err := s.run(ctx, s.cfg.SanitizerPrompt, result, 0.1)
	if err != nil {
		return "", fmt.Errorf("sanitize: %w", err)
	}
	return sanitized, nil
}

func (s *Summarizer) run(ctx context.Context, systemPrompt, text string, temperature float64) (string, error) {
	return s.completer.Complete(ctx, &llm.Request{
		Model: s.cfg.Model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: temperature,
		MaxTokens:   256,
	})
}
