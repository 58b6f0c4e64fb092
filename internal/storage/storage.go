package storage

import (
	"context"
	"errors"
	"time"

	"oso/backend/internal/domain"
)

var (
	// ErrMessageNotFound 消息未找到错误
	ErrMessageNotFound = errors.New("message not found")
)

// ClaimParams 通用认领参数。
//
// LockTimeout 是安全调节项：过短会导致重复处理（上一个工作者
// 未完成时锁已可被抢占），过长会延迟故障工作者留下的锁的回收。
type ClaimParams struct {
	Lookback    time.Duration // 候选消息的回看窗口
	Limit       int           // 单批最大数量
	LockTimeout time.Duration // 锁超时，超过后允许其他工作者重新认领
}

// CohortParams 携带分类过滤与发送者排除组的认领参数。
//
// Exclude 定义排除组：回看窗口内任何一条消息命中 Exclude 分类的
// 发送者，其全部消息在本阶段不再作为候选。
type CohortParams struct {
	ClaimParams
	Allow   []domain.Classification // 候选消息本身必须命中的分类集合（空表示不过滤）
	Exclude []domain.Classification // 触发发送者排除组的分类集合
}

// MessageStore 定义消息的持久化写入操作。
//
// 批内事务性：一次调用中的全部写入要么全部成功要么全部回滚。
type MessageStore interface {
	// UpsertMessages 按 ID 插入或合并，只写入每条消息携带的字段。
	UpsertMessages(ctx context.Context, msgs []*domain.Message) error
	// UpdateMessages 按 ID 更新已存在的行，只写入携带的字段；
	// 没有任何待写字段的消息是记录日志的空操作，不使批次失败。
	UpdateMessages(ctx context.Context, msgs []*domain.Message) error
	// GetMessage 按 ID 读取单条消息。
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
}

// ClaimQueue 定义基于锁超时的认领队列协议。
//
// 每个 Claim 方法将候选谓词与加锁变更合并为存储上的单个原子
// 操作：两个工作者竞争同一候选集时，任一行在锁存活期内至多
// 被一方认领成功。认领过程中的任何失败都返回空结果——绝不
// 返回没有对应锁的消息。
type ClaimQueue interface {
	// ClaimToClassify 认领入站、未分类、发送者不在排除组中的消息。
	ClaimToClassify(ctx context.Context, p CohortParams) ([]*domain.Message, error)
	// ClaimToReply 认领每个发送者最新且尚无回复的入站消息。
	ClaimToReply(ctx context.Context, p CohortParams) ([]*domain.Message, error)
	// ClaimToSummarize 认领命中允许分类且尚无摘要的入站消息。
	ClaimToSummarize(ctx context.Context, p CohortParams) ([]*domain.Message, error)
	// ClaimRepliesToSend 认领已有回复正文但尚未发送的消息。
	ClaimRepliesToSend(ctx context.Context, p ClaimParams) ([]*domain.Message, error)
	// ClaimSummariesToShare 认领已有摘要但尚未发布的消息。
	ClaimSummariesToShare(ctx context.Context, p ClaimParams) ([]*domain.Message, error)
	// ReleaseLocks 无条件清除给定消息的锁；空输入直接成功。
	// 失败只报告不升级，受影响的行等待锁超时后自然恢复。
	ReleaseLocks(ctx context.Context, msgs []*domain.Message) error
}

// ThreadReader 读取一条消息所在会话的上下文。
type ThreadReader interface {
	// Thread 返回同一来源、同一对参与者之间的入站消息，
	// 按时间升序（最新在最后），最多 limit 条。
	Thread(ctx context.Context, msg *domain.Message, lookback time.Duration, limit int) ([]*domain.Message, error)
}

// Store 聚合流水线依赖的全部存储能力。
type Store interface {
	MessageStore
	ClaimQueue
	ThreadReader

	// Health 检查存储可用性。
	Health() error
	// Close 关闭底层连接。
	Close()
}
