package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"oso/backend/internal/domain"
	"oso/backend/internal/llm"
)

// fakeCompleter 记录请求并按队列返回预设回答。
type fakeCompleter struct {
	requests []*llm.Request
	replies  []string
	err      error
}

func (f *fakeCompleter) Complete(ctx context.Context, req *llm.Request) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", fmt.Errorf("no scripted reply")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

func TestSubClassifierBuildsPromptFromCandidates(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"spam"}}
	s := NewSubClassifier(completer, "test-model", zap.NewNop())

	result, err := s.Classify(context.Background(), "buy cheap pills",
		[]domain.Classification{domain.ClassSpam, domain.ClassOther})
	require.NoError(t, err)
	assert.Equal(t, domain.ClassSpam, result)

	require.Len(t, completer.requests, 1)
	req := completer.requests[0]
	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, domain.ClassSpam.Prompt())
	assert.Contains(t, req.Messages[0].Content, domain.ClassOther.Prompt())
	assert.Equal(t, "buy cheap pills", req.Messages[1].Content)
}

func TestSubClassifierNormalizesModelOutput(t *testing.T) {
	completer := &fakeCompleter{replies: []string{" \"Story\". "}}
	s := NewSubClassifier(completer, "m", zap.NewNop())

	result, err := s.Classify(context.Background(), "so this happened",
		[]domain.Classification{domain.ClassStory, domain.ClassOther})
	require.NoError(t, err)
	assert.Equal(t, domain.ClassStory, result)
}

func TestSubClassifierRejectsAnswerOutsideCandidates(t *testing.T) {
	// "banned" 是合法分类值，但不在本次候选集合内
	completer := &fakeCompleter{replies: []string{"banned"}}
	s := NewSubClassifier(completer, "m", zap.NewNop())

	_, err := s.Classify(context.Background(), "text",
		[]domain.Classification{domain.ClassSpam, domain.ClassOther})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not among candidates")
}

func TestSubClassifierRejectsUnparsableOutput(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"I think this is probably spam"}}
	s := NewSubClassifier(completer, "m", zap.NewNop())

	_, err := s.Classify(context.Background(), "text",
		[]domain.Classification{domain.ClassSpam, domain.ClassOther})
	require.Error(t, err)
}

func TestSubClassifierPropagatesCompleterError(t *testing.T) {
	completer := &fakeCompleter{err: fmt.Errorf("upstream down")}
	s := NewSubClassifier(completer, "m", zap.NewNop())

	_, err := s.Classify(context.Background(), "text",
		[]domain.Classification{domain.ClassSpam, domain.ClassOther})
	require.Error(t, err)
}
