package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"oso/backend/internal/domain"
	"oso/backend/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(zap.NewNop())
}

func testParams() storage.ClaimParams {
	return storage.ClaimParams{
		Lookback:    7 * 24 * time.Hour,
		Limit:       100,
		LockTimeout: time.Minute,
	}
}

// inboundMsg 构造一条入站消息。
func inboundMsg(id, sender string, age time.Duration) *domain.Message {
	return &domain.Message{
		ID:           id,
		CreatedAt:    domain.Ptr(time.Now().Add(-age).Unix()),
		Source:       domain.Ptr(domain.SourceRedditMessage),
		Sender:       domain.Ptr(sender),
		Receiver:     domain.Ptr("me"),
		IsReceiverMe: domain.Ptr(true),
		Body:         domain.Ptr("hello there"),
	}
}

func classified(m *domain.Message, c domain.Classification) *domain.Message {
	m.Classification = domain.Ptr(c)
	return m
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := inboundMsg("m1", "alice", time.Hour)
	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{msg}))
	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{msg}))

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "alice", *got.Sender)
}

func TestUpsertMergesPartialFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{inboundMsg("m1", "alice", time.Hour)}))

	// 只携带分类字段的合并不得清空既有字段
	patch := &domain.Message{ID: "m1", Classification: domain.Ptr(domain.ClassInquiry)}
	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{patch}))

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassInquiry, *got.Classification)
	assert.Equal(t, "alice", *got.Sender)
	assert.Equal(t, "hello there", *got.Body)
}

func TestUpdateUnknownMessageDoesNotFailBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{inboundMsg("m1", "alice", time.Hour)}))

	updates := []*domain.Message{
		{ID: "ghost", Classification: domain.Ptr(domain.ClassSpam)},
		{ID: "m1", Classification: domain.Ptr(domain.ClassStory)},
	}
	require.NoError(t, store.UpdateMessages(ctx, updates))

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.ClassStory, *got.Classification)
}

func TestClaimToClassifySkipsClassified(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{
		inboundMsg("m1", "alice", time.Hour),
		classified(inboundMsg("m2", "bob", time.Hour), domain.ClassInquiry),
	}))

	claimed, err := store.ClaimToClassify(ctx, storage.CohortParams{ClaimParams: testParams()})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "m1", claimed[0].ID)
}

func TestClaimIsMutuallyExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var msgs []*domain.Message
	for i := 0; i < 50; i++ {
		msgs = append(msgs, inboundMsg(fmt.Sprintf("m%d", i), fmt.Sprintf("sender%d", i), time.Hour))
	}
	require.NoError(t, store.UpsertMessages(ctx, msgs))

	// 两个并发工作者认领同一候选集，任一消息至多被一方拿到
	const workers = 2
	results := make([][]*domain.Message, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			claimed, err := store.ClaimToClassify(ctx, storage.CohortParams{ClaimParams: testParams()})
			assert.NoError(t, err)
			results[w] = claimed
		}(w)
	}
	wg.Wait()

	seen := make(map[string]int)
	total := 0
	for _, r := range results {
		for _, m := range r {
			seen[m.ID]++
			total++
		}
	}
	assert.Equal(t, 50, total)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "message %s claimed by multiple workers", id)
	}
}

func TestClaimReclaimsAfterLockTimeout(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	store.SetNowFunc(func() time.Time { return base })

	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{inboundMsg("m1", "alice", time.Hour)}))

	p := storage.CohortParams{ClaimParams: testParams()}
	first, err := store.ClaimToClassify(ctx, p)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// 锁存活期内不可重复认领
	second, err := store.ClaimToClassify(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, second)

	// 锁超时后消息重新可见
	store.SetNowFunc(func() time.Time { return base.Add(2 * time.Minute) })
	third, err := store.ClaimToClassify(ctx, p)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "m1", third[0].ID)
}

func TestReleaseLocksMakesMessagesClaimableAgain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{inboundMsg("m1", "alice", time.Hour)}))

	p := storage.CohortParams{ClaimParams: testParams()}
	claimed, err := store.ClaimToClassify(ctx, p)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, store.ReleaseLocks(ctx, claimed))

	again, err := store.ClaimToClassify(ctx, p)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestReleaseLocksEmptyInput(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.ReleaseLocks(context.Background(), nil))
}

func TestExclusionCohortCoversAllSenderMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// alice 有一条 banned 消息，她未分类的那条也不得成为候选
	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{
		classified(inboundMsg("m1", "alice", 2*time.Hour), domain.ClassBanned),
		inboundMsg("m2", "alice", time.Hour),
		inboundMsg("m3", "bob", time.Hour),
	}))

	claimed, err := store.ClaimToClassify(ctx, storage.CohortParams{
		ClaimParams: testParams(),
		Exclude:     []domain.Classification{domain.ClassBanned},
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "m3", claimed[0].ID)
}

func TestClaimToReplyPicksLatestPerSender(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{
		classified(inboundMsg("old", "alice", 3*time.Hour), domain.ClassInquiry),
		classified(inboundMsg("new", "alice", time.Hour), domain.ClassInquiry),
	}))

	claimed, err := store.ClaimToReply(ctx, storage.CohortParams{
		ClaimParams: testParams(),
		Allow:       []domain.Classification{domain.ClassInquiry},
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "new", claimed[0].ID)
}

func TestClaimToReplySkipsAlreadyReplied(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msg := classified(inboundMsg("m1", "alice", time.Hour), domain.ClassInquiry)
	msg.ReplyBody = domain.Ptr("already answered")
	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{msg}))

	claimed, err := store.ClaimToReply(ctx, storage.CohortParams{
		ClaimParams: testParams(),
		Allow:       []domain.Classification{domain.ClassInquiry},
	})
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimToSummarizeFiltersByClassification(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{
		classified(inboundMsg("story", "alice", time.Hour), domain.ClassStory),
		classified(inboundMsg("spam", "bob", time.Hour), domain.ClassSpam),
	}))

	claimed, err := store.ClaimToSummarize(ctx, storage.CohortParams{
		ClaimParams: testParams(),
		Allow:       []domain.Classification{domain.ClassStory},
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "story", claimed[0].ID)
}

func TestClaimRepliesToSend(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := inboundMsg("pending", "alice", time.Hour)
	pending.ReplyBody = domain.Ptr("reply text")
	sent := inboundMsg("sent", "bob", time.Hour)
	sent.ReplyBody = domain.Ptr("reply text")
	sent.ReplyID = domain.Ptr("r-1")
	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{pending, sent}))

	claimed, err := store.ClaimRepliesToSend(ctx, testParams())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "pending", claimed[0].ID)
}

func TestClaimSummariesToShare(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pending := inboundMsg("pending", "alice", time.Hour)
	pending.Summary = domain.Ptr("a summary")
	shared := inboundMsg("shared", "bob", time.Hour)
	shared.Summary = domain.Ptr("a summary")
	shared.PostID = domain.Ptr("p-1")
	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{pending, shared}))

	claimed, err := store.ClaimSummariesToShare(ctx, testParams())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "pending", claimed[0].ID)
}

func TestClaimRespectsLookback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{
		inboundMsg("fresh", "alice", time.Hour),
		inboundMsg("stale", "bob", 30*24*time.Hour),
	}))

	claimed, err := store.ClaimToClassify(ctx, storage.CohortParams{ClaimParams: testParams()})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "fresh", claimed[0].ID)
}

func TestClaimRespectsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var msgs []*domain.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, inboundMsg(fmt.Sprintf("m%d", i), fmt.Sprintf("s%d", i), time.Hour))
	}
	require.NoError(t, store.UpsertMessages(ctx, msgs))

	p := storage.CohortParams{ClaimParams: testParams()}
	p.Limit = 3
	claimed, err := store.ClaimToClassify(ctx, p)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
}

func TestThreadReturnsBothDirectionsAscending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := inboundMsg("t1", "alice", 3*time.Hour)
	second := inboundMsg("t2", "alice", 2*time.Hour)
	latest := inboundMsg("t3", "alice", time.Hour)
	other := inboundMsg("x1", "carol", time.Hour)
	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{first, second, latest, other}))

	thread, err := store.Thread(ctx, latest, 7*24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, "t1", thread[0].ID)
	assert.Equal(t, "t3", thread[2].ID)
}

func TestThreadLimitKeepsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var msgs []*domain.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, inboundMsg(fmt.Sprintf("t%d", i), "alice", time.Duration(5-i)*time.Hour))
	}
	require.NoError(t, store.UpsertMessages(ctx, msgs))

	thread, err := store.Thread(ctx, msgs[4], 7*24*time.Hour, 2)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	// 保留最新两条，且按时间升序
	assert.Equal(t, "t3", thread[0].ID)
	assert.Equal(t, "t4", thread[1].ID)
}

func TestGetMessageNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetMessage(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrMessageNotFound)
}

func TestClaimedMessagesAreCopies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*domain.Message{inboundMsg("m1", "alice", time.Hour)}))

	claimed, err := store.ClaimToClassify(ctx, storage.CohortParams{ClaimParams: testParams()})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// 修改返回值不得影响存储内状态
	*claimed[0].Sender = "mallory"
	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "alice", *got.Sender)
}
