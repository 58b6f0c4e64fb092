package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"oso/backend/internal/domain"
	"oso/backend/internal/llm"
)

func newTestReplier(completer Completer) *Replier {
	return NewReplier(completer, ReplierConfig{
		Model:         "m",
		SystemPrompt:  "you answer politely",
		BouncedPrompt: "The following was classified as {classification}, answer briefly:\n",
	}, zap.NewNop())
}

func threadMsg(id, body string, class *domain.Classification) *domain.Message {
	m := &domain.Message{ID: id, Body: domain.Ptr(body)}
	m.Classification = class
	return m
}

func TestGenerateReplySingleInquiry(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"we open at nine"}}
	r := newTestReplier(completer)

	reply, err := r.GenerateReply(context.Background(), []*domain.Message{
		threadMsg("m1", "when do you open?", domain.Ptr(domain.ClassInquiry)),
	})
	require.NoError(t, err)
	assert.Equal(t, "we open at nine", reply)

	require.Len(t, completer.requests, 1)
	msgs := completer.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "you answer politely", msgs[0].Content)
	// inquiry 不加退避前缀
	assert.Equal(t, "when do you open?", msgs[1].Content)
}

func TestGenerateReplyBouncedPrefixesPrompt(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"ok"}}
	r := newTestReplier(completer)

	_, err := r.GenerateReply(context.Background(), []*domain.Message{
		threadMsg("m1", "buy now", domain.Ptr(domain.ClassSpam)),
	})
	require.NoError(t, err)

	userPrompt := completer.requests[0].Messages[1].Content
	assert.Contains(t, userPrompt, "classified as `spam`")
	assert.Contains(t, userPrompt, "buy now")
}

func TestGenerateReplyUnclassifiedIsBounced(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"ok"}}
	r := newTestReplier(completer)

	_, err := r.GenerateReply(context.Background(), []*domain.Message{
		threadMsg("m1", "hello there", nil),
	})
	require.NoError(t, err)

	assert.Contains(t, completer.requests[0].Messages[1].Content, "classified as `unclassified`")
}

func TestGenerateReplyThreadBecomesHistory(t *testing.T) {
	completer := &fakeCompleter{replies: []string{"follow-up answer"}}
	r := newTestReplier(completer)

	older := threadMsg("m1", "first question", domain.Ptr(domain.ClassInquiry))
	older.ReplyBody = domain.Ptr("first answer")
	newest := threadMsg("m2", "second question", domain.Ptr(domain.ClassInquiry))

	_, err := r.GenerateReply(context.Background(), []*domain.Message{older, newest})
	require.NoError(t, err)

	msgs := completer.requests[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.Message{Role: "system", Content: "you answer politely"}, msgs[0])
	assert.Equal(t, llm.Message{Role: "user", Content: "first question"}, msgs[1])
	assert.Equal(t, llm.Message{Role: "assistant", Content: "first answer"}, msgs[2])
	assert.Equal(t, llm.Message{Role: "user", Content: "second question"}, msgs[3])
}

func TestGenerateReplyEmptyThread(t *testing.T) {
	r := newTestReplier(&fakeCompleter{})
	_, err := r.GenerateReply(context.Background(), nil)
	require.Error(t, err)
}

func TestGenerateReplyNewestWithoutBody(t *testing.T) {
	r := newTestReplier(&fakeCompleter{})
	_, err := r.GenerateReply(context.Background(), []*domain.Message{{ID: "m1"}})
	require.Error(t, err)
}
