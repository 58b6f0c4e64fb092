package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSummarizer(completer Completer, maxChars, maxPasses int) *Summarizer {
	return NewSummarizer(completer, SummarizerConfig{
		Model:           "m",
		SummaryPrompt:   "condense this",
		SanitizerPrompt: "strip identifying details",
		MaxChars:        maxChars,
		MaxPasses:       maxPasses,
	}, zap.NewNop())
}

func TestSummarizeShortTextSkipsCondensing(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"sanitized output"}}
	s := newTestSummarizer(completer, 100, 0)

	out, err := s.Summarize(context.Background(), "already short")
	require.NoError(t, err)
	assert.Equal(t, "sanitized output", out)

	// 只有清洗一次调用，没有压缩轮
	require.Len(t, completer.requests, 1)
	assert.Equal(t, "strip identifying details", completer.requests[0].Messages[0].Content)
}

func TestSummarizeCondensesUntilUnderLimit(t *testing.T) {
	completer := &fakeCompleter{replies: []string{
		strings.Repeat("x", 50), // 第一轮仍超长
		"short enough",          // 第二轮达标
		"sanitized",
	}}
	s := newTestSummarizer(completer, 20, 0)

	out, err := s.Summarize(context.Background(), strings.Repeat("y", 200))
	require.NoError(t, err)
	assert.Equal(t, "sanitized", out)
	require.Len(t, completer.requests, 3)
	assert.Equal(t, "condense this", completer.requests[0].Messages[0].Content)
	assert.Equal(t, "condense this", completer.requests[1].Messages[0].Content)
	assert.Equal(t, "strip identifying details", completer.requests[2].Messages[0].Content)
}

func TestSummarizeCountsRunesNotBytes(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"sanitized"}}
	s := newTestSummarizer(completer, 10, 0)

	// 10 个中文字符，30 字节：按字符数判断不需要压缩
	out, err := s.Summarize(context.Background(), strings.Repeat("字", 10))
	require.NoError(t, err)
	assert.Equal(t, "sanitized", out)
	require.Len(t, completer.requests, 1)
}

func TestSummarizeFailsWhenNeverConverges(t *testing.T) {
	long := strings.Repeat("x", 500)
	completer := &fakeCompleter{replies: []string{long, long, long, long}}
	s := newTestSummarizer(completer, 20, 3)

	_, err := s.Summarize(context.Background(), long)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 passes")
	assert.Len(t, completer.requests, 3)
}
