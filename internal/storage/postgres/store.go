package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"oso/backend/internal/domain"
	"oso/backend/internal/storage"
)

// messageColumns 与 scanMessage 的扫描顺序严格一致。
const messageColumns = "m.msg_id, m.created_at, m.source, m.sender, m.receiver, " +
	"m.is_receiver_me, m.subject, m.body, m.classification, m.reply_body, " +
	"m.reply_id, m.summary, m.images, m.post_id, m.locked_at"

// Store PostgreSQL 存储实现。
//
// 认领协议使用单条 CTE 语句：候选谓词（msgs）与条件加锁
// 更新（updated）在同一语句内完成，依赖行级写串行化保证
// 并发工作者对同一行的认领互斥。
type Store struct {
	client *Client
	log    *zap.Logger
	// now 可注入，便于测试锁超时语义
	now func() time.Time
}

// NewStore 基于已建立的连接池创建存储实例
func NewStore(client *Client, log *zap.Logger) *Store {
	return &Store{
		client: client,
		log:    log,
		now:    time.Now,
	}
}

var _ storage.Store = (*Store)(nil)

// presentFields 收集消息上携带的非缺省字段（不含 msg_id）。
func presentFields(m *domain.Message) ([]string, []any) {
	var cols []string
	var vals []any
	add := func(col string, v any) {
		cols = append(cols, col)
		vals = append(vals, v)
	}

	if m.CreatedAt != nil {
		add("created_at", *m.CreatedAt)
	}
	if m.Source != nil {
		add("source", string(*m.Source))
	}
	if m.Sender != nil {
		add("sender", *m.Sender)
	}
	if m.Receiver != nil {
		add("receiver", *m.Receiver)
	}
	if m.IsReceiverMe != nil {
		add("is_receiver_me", *m.IsReceiverMe)
	}
	if m.Subject != nil {
		add("subject", *m.Subject)
	}
	if m.Body != nil {
		add("body", *m.Body)
	}
	if m.Classification != nil {
		add("classification", string(*m.Classification))
	}
	if m.ReplyBody != nil {
		add("reply_body", *m.ReplyBody)
	}
	if m.ReplyID != nil {
		add("reply_id", *m.ReplyID)
	}
	if m.Summary != nil {
		add("summary", *m.Summary)
	}
	if m.Images != nil {
		add("images", m.Images)
	}
	if m.PostID != nil {
		add("post_id", *m.PostID)
	}
	if m.LockedAt != nil {
		add("locked_at", *m.LockedAt)
	}
	return cols, vals
}

// buildUpsert 按携带字段动态构造 INSERT ... ON CONFLICT 语句。
func buildUpsert(m *domain.Message) (string, []any) {
	cols, vals := presentFields(m)

	placeholders := make([]string, 0, len(cols)+1)
	updates := make([]string, 0, len(cols))
	for i, col := range cols {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	cols = append(cols, "msg_id")
	vals = append(vals, m.ID)
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(cols)))

	query := fmt.Sprintf("INSERT INTO msg (%s) VALUES (%s) ",
		strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if len(updates) > 0 {
		query += "ON CONFLICT (msg_id) DO UPDATE SET " + strings.Join(updates, ", ")
	} else {
		query += "ON CONFLICT (msg_id) DO NOTHING"
	}
	return query, vals
}

// buildUpdate 按携带字段动态构造 UPDATE 语句；没有待写字段时返回空串。
func buildUpdate(m *domain.Message) (string, []any) {
	cols, vals := presentFields(m)
	if len(cols) == 0 {
		return "", nil
	}

	sets := make([]string, 0, len(cols))
	for i, col := range cols {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+1))
	}
	vals = append(vals, m.ID)

	query := fmt.Sprintf("UPDATE msg SET %s WHERE msg_id = $%d",
		strings.Join(sets, ", "), len(vals))
	return query, vals
}

// UpsertMessages 在单个事务内按 ID 插入或合并消息。
func (s *Store) UpsertMessages(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.client.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range msgs {
		query, args := buildUpsert(m)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	s.log.Info("messages upserted", zap.Int("count", len(msgs)))
	return nil
}

// UpdateMessages 在单个事务内按 ID 更新消息的携带字段。
func (s *Store) UpdateMessages(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.client.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range msgs {
		query, args := buildUpdate(m)
		if query == "" {
			s.log.Warn("no fields to update for message", zap.String("msg_id", m.ID))
			continue
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to update message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit update: %w", err)
	}
	s.log.Info("messages updated", zap.Int("count", len(msgs)))
	return nil
}

// GetMessage 按 ID 读取单条消息。
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := fmt.Sprintf("SELECT %s FROM msg m WHERE m.msg_id = $1", messageColumns)
	row := s.client.Pool().QueryRow(ctx, query, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// claimLocked 通用认领例程：给候选 CTE 追加条件加锁更新，
// 整条语句原子执行，返回实际加到锁的行的完整内容。
//
// candidates 必须是以 "WITH" 开头、以名为 msgs 的 CTE 结尾的
// 片段，且 msgs 至少选出 msg_id 列。
func (s *Store) claimLocked(ctx context.Context, candidates string, args []any, lockTimeout time.Duration) ([]*domain.Message, error) {
	now := s.now().Unix()
	threshold := now - int64(lockTimeout.Seconds())

	nowIdx := len(args) + 1
	query := fmt.Sprintf(`%s,
		updated AS (
			UPDATE msg AS target
			SET locked_at = $%d
			FROM msgs
			WHERE target.msg_id = msgs.msg_id
			  AND (target.locked_at IS NULL OR target.locked_at < $%d)
			RETURNING target.msg_id
		)
		SELECT %s
		FROM msg m
		INNER JOIN updated USING (msg_id)`, candidates, nowIdx, nowIdx+1, messageColumns)
	args = append(args, now, threshold)

	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire claim locks: %w", err)
	}
	defer rows.Close()

	var claimed []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed message: %w", err)
		}
		claimed = append(claimed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed messages: %w", err)
	}
	return claimed, nil
}

// lookbackEpoch 将回看窗口换算为 created_at 的下界时间戳。
func (s *Store) lookbackEpoch(lookback time.Duration) int64 {
	return s.now().Add(-lookback).Unix()
}

// ClaimToClassify 认领待分类的入站消息。
func (s *Store) ClaimToClassify(ctx context.Context, p storage.CohortParams) ([]*domain.Message, error) {
	candidates := `WITH ex AS (
			SELECT sender
			FROM msg
			WHERE created_at > $1
			  AND is_receiver_me
			  AND classification = ANY($2)
			GROUP BY 1
		),
		msgs AS (
			SELECT msg_id
			FROM msg
			WHERE created_at > $1
			  AND is_receiver_me
			  AND classification IS NULL
			  AND sender NOT IN (SELECT sender FROM ex)
			ORDER BY created_at
			LIMIT $3
		)`
	args := []any{s.lookbackEpoch(p.Lookback), domain.ClassificationValues(p.Exclude), p.Limit}
	return s.claimLocked(ctx, candidates, args, p.LockTimeout)
}

// ClaimToReply 认领每个发送者最新且尚无回复的入站消息。
func (s *Store) ClaimToReply(ctx context.Context, p storage.CohortParams) ([]*domain.Message, error) {
	candidates := `WITH ex AS (
			SELECT sender
			FROM msg
			WHERE created_at > $1
			  AND is_receiver_me
			  AND classification = ANY($2)
			GROUP BY 1
		),
		msgs AS (
			SELECT msg_id
			FROM (
				SELECT DISTINCT ON (sender)
					msg_id,
					reply_body IS NULL AS not_has_reply
				FROM msg
				WHERE created_at > $1
				  AND is_receiver_me
				  AND sender NOT IN (SELECT sender FROM ex)
				  AND classification = ANY($3)
				ORDER BY sender, created_at DESC
			) t
			WHERE not_has_reply
			LIMIT $4
		)`
	args := []any{
		s.lookbackEpoch(p.Lookback),
		domain.ClassificationValues(p.Exclude),
		domain.ClassificationValues(p.Allow),
		p.Limit,
	}
	return s.claimLocked(ctx, candidates, args, p.LockTimeout)
}

// ClaimToSummarize 认领命中允许分类且尚无摘要的入站消息。
func (s *Store) ClaimToSummarize(ctx context.Context, p storage.CohortParams) ([]*domain.Message, error) {
	candidates := `WITH ex AS (
			SELECT sender
			FROM msg
			WHERE created_at > $1
			  AND is_receiver_me
			  AND classification = ANY($2)
			GROUP BY 1
		),
		msgs AS (
			SELECT msg_id
			FROM msg
			WHERE created_at > $1
			  AND is_receiver_me
			  AND summary IS NULL
			  AND classification = ANY($3)
			  AND sender NOT IN (SELECT sender FROM ex)
			ORDER BY created_at
			LIMIT $4
		)`
	args := []any{
		s.lookbackEpoch(p.Lookback),
		domain.ClassificationValues(p.Exclude),
		domain.ClassificationValues(p.Allow),
		p.Limit,
	}
	return s.claimLocked(ctx, candidates, args, p.LockTimeout)
}

// ClaimRepliesToSend 认领已有回复正文但尚未发送的消息。
func (s *Store) ClaimRepliesToSend(ctx context.Context, p storage.ClaimParams) ([]*domain.Message, error) {
	candidates := `WITH msgs AS (
			SELECT msg_id
			FROM msg
			WHERE reply_body IS NOT NULL
			  AND reply_id IS NULL
			ORDER BY created_at
			LIMIT $1
		)`
	return s.claimLocked(ctx, candidates, []any{p.Limit}, p.LockTimeout)
}

// ClaimSummariesToShare 认领已有摘要但尚未发布的消息。
func (s *Store) ClaimSummariesToShare(ctx context.Context, p storage.ClaimParams) ([]*domain.Message, error) {
	candidates := `WITH msgs AS (
			SELECT msg_id
			FROM msg
			WHERE summary IS NOT NULL
			  AND post_id IS NULL
			ORDER BY created_at
			LIMIT $1
		)`
	return s.claimLocked(ctx, candidates, []any{p.Limit}, p.LockTimeout)
}

// ReleaseLocks 无条件清除给定消息的锁。
func (s *Store) ReleaseLocks(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}

	_, err := s.client.Pool().Exec(ctx,
		"UPDATE msg SET locked_at = NULL WHERE msg_id = ANY($1)", ids)
	if err != nil {
		return fmt.Errorf("failed to release locks: %w", err)
	}
	return nil
}

// Thread 返回消息所在会话的入站消息，按时间升序，最新在最后。
func (s *Store) Thread(ctx context.Context, msg *domain.Message, lookback time.Duration, limit int) ([]*domain.Message, error) {
	if msg.Source == nil || msg.Sender == nil || msg.Receiver == nil {
		return nil, fmt.Errorf("message %s is missing thread fields", msg.ID)
	}

	query := fmt.Sprintf(`SELECT %s
		FROM msg m
		WHERE m.msg_id IN (
			SELECT msg_id
			FROM msg
			WHERE created_at > $1
			  AND source = $2
			  AND (
				(sender = $3 AND receiver = $4) OR
				(sender = $4 AND receiver = $3)
			  )
			  AND is_receiver_me
			ORDER BY created_at DESC
			LIMIT $5
		)
		ORDER BY m.created_at`, messageColumns)

	rows, err := s.client.Pool().Query(ctx, query,
		s.lookbackEpoch(lookback), string(*msg.Source), *msg.Sender, *msg.Receiver, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch thread: %w", err)
	}
	defer rows.Close()

	var thread []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread message: %w", err)
		}
		thread = append(thread, m)
	}
	return thread, rows.Err()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Ping(ctx)
}

// Close 关闭底层连接池
func (s *Store) Close() {
	s.client.Close()
}

// scanMessage 按 messageColumns 的顺序扫描一行消息。
func scanMessage(row pgx.Row) (*domain.Message, error) {
	var m domain.Message
	var source, classification *string

	err := row.Scan(
		&m.ID, &m.CreatedAt, &source, &m.Sender, &m.Receiver,
		&m.IsReceiverMe, &m.Subject, &m.Body, &classification, &m.ReplyBody,
		&m.ReplyID, &m.Summary, &m.Images, &m.PostID, &m.LockedAt,
	)
	if err != nil {
		return nil, err
	}

	if source != nil {
		src := domain.MsgSource(*source)
		m.Source = &src
	}
	if classification != nil {
		c := domain.Classification(*classification)
		m.Classification = &c
	}
	return &m, nil
}
