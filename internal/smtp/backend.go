// Package smtp 实现邮件摄入源：收到的邮件被转写为待处理消息入库。
package smtp

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"oso/backend/internal/domain"
	"oso/backend/internal/monitoring"
	"oso/backend/internal/storage"
	"oso/backend/internal/websocket"
)

// DedupeCache 摄入去重缓存。
type DedupeCache interface {
	MarkSeen(ctx context.Context, msgID string) (bool, error)
}

// Backend 实现 go-smtp 的 Backend 接口。
//
// 这是一个只接收邮件的 SMTP 服务器：只接受发往本系统身份地址的
// 邮件，不做任何中继。收到的邮件以 source=gmail/smtp 的消息写入
// 存储，由流水线统一处理。
type Backend struct {
	store   storage.MessageStore
	dedupe  DedupeCache
	hub     *websocket.Hub
	metrics *monitoring.Metrics
	log     *zap.Logger

	// me 是本系统接收邮件的身份地址（小写）
	me string
	// maxMessageBytes 单封邮件大小上限
	maxMessageBytes int64
	limiter         *ConnectionLimiter
}

// NewBackend 创建 SMTP Backend。
func NewBackend(
	store storage.MessageStore,
	dedupe DedupeCache,
	hub *websocket.Hub,
	metrics *monitoring.Metrics,
	me string,
	maxMessageBytes int64,
	maxConns, maxConnRate int,
	log *zap.Logger,
) *Backend {
	if maxMessageBytes <= 0 {
		maxMessageBytes = 10 << 20
	}
	if maxConns <= 0 {
		maxConns = 64
	}
	if maxConnRate <= 0 {
		maxConnRate = 16
	}
	return &Backend{
		store:           store,
		dedupe:          dedupe,
		hub:             hub,
		metrics:         metrics,
		me:              strings.ToLower(me),
		maxMessageBytes: maxMessageBytes,
		limiter:         NewConnectionLimiter(maxConns, maxConnRate),
		log:             log,
	}
}

// NewSession 创建新的 SMTP 会话。
// 超出并发连接数或建连速率时临时拒绝（421）。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	if !b.limiter.Acquire() {
		b.log.Warn("smtp connection rejected by limiter",
			zap.Int("current", b.limiter.Current()),
		)
		return nil, &gosmtp.SMTPError{
			Code:         421,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
			Message:      "too many connections, try again later",
		}
	}
	return &session{backend: b}, nil
}

type session struct {
	backend     *Backend
	fromAddress string
	accepted    bool
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.fromAddress = normalizeAddress(from)
	return nil
}

// Rcpt 处理 RCPT 命令。
// 只接受发往本系统身份地址的邮件，其余一律 550 拒绝，防止中继。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := normalizeAddress(to)
	if addr != s.backend.me {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "relay access denied",
		}
	}
	s.accepted = true
	return nil
}

// Data 处理邮件内容：解析后作为新消息入库。
func (s *session) Data(r io.Reader) error {
	if !s.accepted {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipient",
		}
	}

	rawBytes, err := io.ReadAll(io.LimitReader(r, s.backend.maxMessageBytes))
	if err != nil {
		return err
	}

	parsed, err := ParseEmail(rawBytes)
	if err != nil {
		return fmt.Errorf("parse email: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgID := parsed.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	// 去重：同一 Message-ID 的重复投递直接接受但不重复入库
	if s.backend.dedupe != nil {
		fresh, err := s.backend.dedupe.MarkSeen(ctx, msgID)
		if err != nil {
			// 缓存不可用时降级为直写，存储层的 upsert 保证幂等
			s.backend.log.Warn("dedupe cache unavailable", zap.Error(err))
		} else if !fresh {
			if s.backend.metrics != nil {
				s.backend.metrics.MessagesDuplicate.WithLabelValues(string(domain.SourceGmail)).Inc()
			}
			return nil
		}
	}

	sender := s.fromAddress
	if parsed.From != "" {
		sender = parsed.From
	}

	msg := &domain.Message{
		ID:           msgID,
		CreatedAt:    domain.Ptr(time.Now().Unix()),
		Source:       domain.Ptr(domain.SourceGmail),
		Sender:       domain.Ptr(sender),
		Receiver:     domain.Ptr(s.backend.me),
		IsReceiverMe: domain.Ptr(true),
		Subject:      domain.Ptr(parsed.Subject),
		Body:         domain.Ptr(parsed.Body),
	}

	if err := s.backend.store.UpsertMessages(ctx, []*domain.Message{msg}); err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	if s.backend.metrics != nil {
		s.backend.metrics.MessagesIngested.WithLabelValues(string(domain.SourceGmail)).Inc()
	}
	s.backend.hub.Broadcast(websocket.Event{
		Type:  websocket.EventMessageIngested,
		MsgID: msgID,
	})
	s.backend.log.Info("mail ingested",
		zap.String("msg_id", msgID),
		zap.String("sender", sender),
	)

	return nil
}

// Reset 重置状态。
func (s *session) Reset() {
	s.fromAddress = ""
	s.accepted = false
}

// Logout 会话结束，归还连接许可。
func (s *session) Logout() error {
	s.backend.limiter.Release()
	return nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
