package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"oso/backend/internal/domain"
	"oso/backend/internal/storage"
)

// Store 内存存储实现（开发与测试用）。
//
// 全部读写都在同一把互斥锁下进行，认领的"选出候选并加锁"
// 因此与 PostgreSQL 实现一样是单个原子步骤。
type Store struct {
	mu   sync.Mutex
	msgs map[string]*domain.Message
	log  *zap.Logger
	// now 可注入，便于测试锁超时语义
	now func() time.Time
}

// NewStore 创建内存存储实例
func NewStore(log *zap.Logger) *Store {
	return &Store{
		msgs: make(map[string]*domain.Message),
		log:  log,
		now:  time.Now,
	}
}

var _ storage.Store = (*Store)(nil)

// SetNowFunc 注入时钟（仅测试使用）。
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// UpsertMessages 按 ID 插入或合并消息，批内全有或全无。
func (s *Store) UpsertMessages(ctx context.Context, msgs []*domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if m.ID == "" {
			return fmt.Errorf("message without id in upsert batch")
		}
	}

	for _, m := range msgs {
		if existing, ok := s.msgs[m.ID]; ok {
			existing.ApplyPartial(m)
		} else {
			s.msgs[m.ID] = m.Clone()
		}
	}
	return nil
}

// UpdateMessages 按 ID 更新已存在消息的携带字段。
func (s *Store) UpdateMessages(ctx context.Context, msgs []*domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if !m.HasUpdates() {
			s.log.Warn("no fields to update for message", zap.String("msg_id", m.ID))
			continue
		}
		existing, ok := s.msgs[m.ID]
		if !ok {
			// 与 SQL UPDATE 的 0 行受影响语义一致
			s.log.Warn("update for unknown message", zap.String("msg_id", m.ID))
			continue
		}
		existing.ApplyPartial(m)
	}
	return nil
}

// GetMessage 按 ID 读取单条消息。
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return nil, storage.ErrMessageNotFound
	}
	return m.Clone(), nil
}

// excludedSenders 计算排除组：回看窗口内任何一条入站消息
// 命中排除分类的发送者。调用方必须持有 s.mu。
func (s *Store) excludedSenders(exclude []domain.Classification, since int64) map[string]bool {
	out := make(map[string]bool)
	for _, m := range s.msgs {
		if !inbound(m) || epoch(m) <= since {
			continue
		}
		if m.Classification != nil && m.Classification.In(exclude) && m.Sender != nil {
			out[*m.Sender] = true
		}
	}
	return out
}

// claimLocked 通用认领例程：对候选加锁并返回被锁行的完整拷贝。
// 候选谓词与加锁在同一临界区内完成。
func (s *Store) claimLocked(candidates []*domain.Message, limit int, lockTimeout time.Duration) []*domain.Message {
	sort.Slice(candidates, func(i, j int) bool {
		return epoch(candidates[i]) < epoch(candidates[j])
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	now := s.now().Unix()
	threshold := now - int64(lockTimeout.Seconds())

	var claimed []*domain.Message
	for _, m := range candidates {
		if m.LockedAt != nil && *m.LockedAt >= threshold {
			continue // 锁仍然存活
		}
		m.LockedAt = domain.Ptr(now)
		claimed = append(claimed, m.Clone())
	}
	return claimed
}

// ClaimToClassify 认领入站、未分类、发送者不在排除组中的消息。
func (s *Store) ClaimToClassify(ctx context.Context, p storage.CohortParams) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := s.now().Add(-p.Lookback).Unix()
	ex := s.excludedSenders(p.Exclude, since)

	var candidates []*domain.Message
	for _, m := range s.msgs {
		if !inbound(m) || epoch(m) <= since || m.Classification != nil {
			continue
		}
		if m.Sender != nil && ex[*m.Sender] {
			continue
		}
		candidates = append(candidates, m)
	}
	return s.claimLocked(candidates, p.Limit, p.LockTimeout), nil
}

// ClaimToReply 认领每个发送者最新且尚无回复的入站消息。
func (s *Store) ClaimToReply(ctx context.Context, p storage.CohortParams) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := s.now().Add(-p.Lookback).Unix()
	ex := s.excludedSenders(p.Exclude, since)

	// 每个发送者在允许分类内的最新一条
	latest := make(map[string]*domain.Message)
	for _, m := range s.msgs {
		if !inbound(m) || epoch(m) <= since || m.Sender == nil || ex[*m.Sender] {
			continue
		}
		if m.Classification == nil || !m.Classification.In(p.Allow) {
			continue
		}
		if prev, ok := latest[*m.Sender]; !ok || epoch(m) > epoch(prev) {
			latest[*m.Sender] = m
		}
	}

	var candidates []*domain.Message
	for _, m := range latest {
		if m.ReplyBody == nil {
			candidates = append(candidates, m)
		}
	}
	return s.claimLocked(candidates, p.Limit, p.LockTimeout), nil
}

// ClaimToSummarize 认领命中允许分类且尚无摘要的入站消息。
func (s *Store) ClaimToSummarize(ctx context.Context, p storage.CohortParams) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := s.now().Add(-p.Lookback).Unix()
	ex := s.excludedSenders(p.Exclude, since)

	var candidates []*domain.Message
	for _, m := range s.msgs {
		if !inbound(m) || epoch(m) <= since || m.Summary != nil {
			continue
		}
		if m.Classification == nil || !m.Classification.In(p.Allow) {
			continue
		}
		if m.Sender != nil && ex[*m.Sender] {
			continue
		}
		candidates = append(candidates, m)
	}
	return s.claimLocked(candidates, p.Limit, p.LockTimeout), nil
}

// ClaimRepliesToSend 认领已有回复正文但尚未发送的消息。
func (s *Store) ClaimRepliesToSend(ctx context.Context, p storage.ClaimParams) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.Message
	for _, m := range s.msgs {
		if m.ReplyBody != nil && m.ReplyID == nil {
			candidates = append(candidates, m)
		}
	}
	return s.claimLocked(candidates, p.Limit, p.LockTimeout), nil
}

// ClaimSummariesToShare 认领已有摘要但尚未发布的消息。
func (s *Store) ClaimSummariesToShare(ctx context.Context, p storage.ClaimParams) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.Message
	for _, m := range s.msgs {
		if m.Summary != nil && m.PostID == nil {
			candidates = append(candidates, m)
		}
	}
	return s.claimLocked(candidates, p.Limit, p.LockTimeout), nil
}

// ReleaseLocks 无条件清除给定消息的锁。
func (s *Store) ReleaseLocks(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if existing, ok := s.msgs[m.ID]; ok {
			existing.LockedAt = nil
		}
	}
	return nil
}

// Thread 返回消息所在会话的入站消息，按时间升序，最新在最后。
func (s *Store) Thread(ctx context.Context, msg *domain.Message, lookback time.Duration, limit int) ([]*domain.Message, error) {
	if msg.Source == nil || msg.Sender == nil || msg.Receiver == nil {
		return nil, fmt.Errorf("message %s is missing thread fields", msg.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	since := s.now().Add(-lookback).Unix()
	var thread []*domain.Message
	for _, m := range s.msgs {
		if !inbound(m) || epoch(m) <= since {
			continue
		}
		if m.Source == nil || *m.Source != *msg.Source || m.Sender == nil || m.Receiver == nil {
			continue
		}
		sameDirection := *m.Sender == *msg.Sender && *m.Receiver == *msg.Receiver
		reverse := *m.Sender == *msg.Receiver && *m.Receiver == *msg.Sender
		if sameDirection || reverse {
			thread = append(thread, m.Clone())
		}
	}

	// 取最新 limit 条，再按时间升序返回
	sort.Slice(thread, func(i, j int) bool {
		return epoch(thread[i]) > epoch(thread[j])
	})
	if limit > 0 && len(thread) > limit {
		thread = thread[:limit]
	}
	sort.Slice(thread, func(i, j int) bool {
		return epoch(thread[i]) < epoch(thread[j])
	})
	return thread, nil
}

// Health 内存存储始终可用。
func (s *Store) Health() error {
	return nil
}

// Close 无需释放资源。
func (s *Store) Close() {}

func inbound(m *domain.Message) bool {
	return m.IsReceiverMe != nil && *m.IsReceiverMe
}

func epoch(m *domain.Message) int64 {
	if m.CreatedAt == nil {
		return 0
	}
	return *m.CreatedAt
}
