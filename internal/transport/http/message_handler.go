package httptransport

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
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

// MessageHandler 消息摄入与查询处理器。
type MessageHandler struct {
	store   storage.Store
	dedupe  DedupeCache
	hub     *websocket.Hub
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewMessageHandler 创建消息处理器
func NewMessageHandler(
	store storage.Store,
	dedupe DedupeCache,
	hub *websocket.Hub,
	metrics *monitoring.Metrics,
	log *zap.Logger,
) *MessageHandler {
	return &MessageHandler{
		store:   store,
		dedupe:  dedupe,
		hub:     hub,
		metrics: metrics,
		log:     log,
	}
}

// ingestRequest webhook 推送的消息负载。
// CreatedAt 为 Unix 秒级时间戳，缺省时取服务器当前时间。
type ingestRequest struct {
	MsgID        string `json:"msgId"`
	CreatedAt    *int64 `json:"createdAt"`
	Source       string `json:"source" binding:"required"`
	Sender       string `json:"sender" binding:"required"`
	Receiver     string `json:"receiver"`
	IsReceiverMe *bool  `json:"isReceiverMe"`
	Subject      string `json:"subject"`
	Body         string `json:"body" binding:"required"`
}

// ingestResponse 摄入结果。
type ingestResponse struct {
	MsgID     string `json:"msgId"`
	Duplicate bool   `json:"duplicate"`
}

// Ingest 接收 webhook 推送的消息
// POST /v1/messages
func (h *MessageHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	source := domain.MsgSource(req.Source)
	if !source.Valid() {
		BadRequest(c, MsgInvalidSource)
		return
	}

	msgID := req.MsgID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	// 去重：重复推送直接确认，不重复入库
	if h.dedupe != nil {
		fresh, err := h.dedupe.MarkSeen(c.Request.Context(), msgID)
		if err != nil {
			h.log.Warn("dedupe cache unavailable", zap.Error(err))
		} else if !fresh {
			if h.metrics != nil {
				h.metrics.MessagesDuplicate.WithLabelValues(req.Source).Inc()
			}
			Success(c, ingestResponse{MsgID: msgID, Duplicate: true})
			return
		}
	}

	createdAt := time.Now().Unix()
	if req.CreatedAt != nil {
		createdAt = *req.CreatedAt
	}
	isReceiverMe := true
	if req.IsReceiverMe != nil {
		isReceiverMe = *req.IsReceiverMe
	}

	msg := &domain.Message{
		ID:           msgID,
		CreatedAt:    domain.Ptr(createdAt),
		Source:       domain.Ptr(source),
		Sender:       domain.Ptr(req.Sender),
		IsReceiverMe: domain.Ptr(isReceiverMe),
		Body:         domain.Ptr(req.Body),
	}
	if req.Receiver != "" {
		msg.Receiver = domain.Ptr(req.Receiver)
	}
	if req.Subject != "" {
		msg.Subject = domain.Ptr(req.Subject)
	}

	if err := h.store.UpsertMessages(c.Request.Context(), []*domain.Message{msg}); err != nil {
		h.log.Error("failed to store message", zap.String("msg_id", msgID), zap.Error(err))
		InternalError(c, MsgStoreFailed)
		return
	}

	if h.metrics != nil {
		h.metrics.MessagesIngested.WithLabelValues(req.Source).Inc()
	}
	h.hub.Broadcast(websocket.Event{
		Type:  websocket.EventMessageIngested,
		MsgID: msgID,
	})
	h.log.Info("message ingested",
		zap.String("msg_id", msgID),
		zap.String("source", req.Source),
		zap.String("sender", req.Sender),
	)

	Created(c, ingestResponse{MsgID: msgID})
}

// messageView 对外暴露的消息视图。
type messageView struct {
	MsgID          string  `json:"msgId"`
	CreatedAt      *int64  `json:"createdAt,omitempty"`
	Source         *string `json:"source,omitempty"`
	Sender         *string `json:"sender,omitempty"`
	Receiver       *string `json:"receiver,omitempty"`
	IsReceiverMe   *bool   `json:"isReceiverMe,omitempty"`
	Subject        *string `json:"subject,omitempty"`
	Body           *string `json:"body,omitempty"`
	Classification *string `json:"classification,omitempty"`
	ReplyBody      *string `json:"replyBody,omitempty"`
	ReplyID        *string `json:"replyId,omitempty"`
	Summary        *string `json:"summary,omitempty"`
	PostID         *string `json:"postId,omitempty"`
}

func toView(msg *domain.Message) messageView {
	view := messageView{
		MsgID:        msg.ID,
		CreatedAt:    msg.CreatedAt,
		Sender:       msg.Sender,
		Receiver:     msg.Receiver,
		IsReceiverMe: msg.IsReceiverMe,
		Subject:      msg.Subject,
		Body:         msg.Body,
		ReplyBody:    msg.ReplyBody,
		ReplyID:      msg.ReplyID,
		Summary:      msg.Summary,
		PostID:       msg.PostID,
	}
	if msg.Source != nil {
		view.Source = domain.Ptr(string(*msg.Source))
	}
	if msg.Classification != nil {
		view.Classification = domain.Ptr(string(*msg.Classification))
	}
	return view
}

// Get 获取单条消息
// GET /v1/messages/:id
func (h *MessageHandler) Get(c *gin.Context) {
	msg, err := h.store.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, MsgMessageNotFound)
			return
		}
		h.log.Error("failed to get message", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, toView(msg))
}

// Thread 获取消息所属会话（与同一发送者的往来消息，时间升序）
// GET /v1/messages/:id/thread
func (h *MessageHandler) Thread(c *gin.Context) {
	msg, err := h.store.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotFound) {
			NotFound(c, MsgMessageNotFound)
			return
		}
		h.log.Error("failed to get message", zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}

	msgs, err := h.store.Thread(c.Request.Context(), msg, 720*time.Hour, 50)
	if err != nil {
		h.log.Error("failed to get thread", zap.Error(err))
		InternalError(c, MsgThreadFailed)
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, msg := range msgs {
		views = append(views, toView(msg))
	}
	Success(c, views)
}
