// Package websocket 向运维客户端广播流水线事件。
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType 流水线事件类型。
type EventType string

const (
	EventMessageIngested  EventType = "message_ingested"
	EventMessageClassified EventType = "message_classified"
	EventReplyGenerated   EventType = "reply_generated"
	EventSummaryGenerated EventType = "summary_generated"
	EventReplySent        EventType = "reply_sent"
	EventSummaryShared    EventType = "summary_shared"
)

// Event 广播给客户端的事件。
type Event struct {
	Type      EventType `json:"type"`
	MsgID     string    `json:"msgId"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// Hub 管理事件订阅客户端并扇出广播。
type Hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]chan []byte
	mu         sync.Mutex
	log        *zap.Logger
	onClients  func(count int) // 客户端数变化回调（指标用）
}

// NewHub 创建事件 Hub
func NewHub(allowedOrigins []string, log *zap.Logger) *Hub {
	return &Hub{
		upgrader: upgraderFactory(allowedOrigins),
		clients:  make(map[*websocket.Conn]chan []byte),
		log:      log,
	}
}

// SetClientGauge 设置客户端数量观测回调。
func (h *Hub) SetClientGauge(fn func(count int)) {
	h.onClients = fn
}

// Broadcast 把事件投递给所有已连接客户端。
// 发送缓冲已满的慢客户端直接跳过，不阻塞流水线。
func (h *Hub) Broadcast(event Event) {
	if h == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, send := range h.clients {
		select {
		case send <- data:
		default:
		}
	}
}

// Handler 返回处理订阅连接的 gin 处理器。
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		h.serve(c.Request.Context(), conn)
	}
}

// serve 为单个客户端运行读写循环，连接断开时清理。
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, 64)

	h.mu.Lock()
	h.clients[conn] = send
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("event client connected", zap.Int("clients", count))
	if h.onClients != nil {
		h.onClients(count)
	}

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		count := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		h.log.Info("event client disconnected", zap.Int("clients", count))
		if h.onClients != nil {
			h.onClients(count)
		}
	}()

	// 读循环只用于发现断连；客户端消息被忽略
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(send)
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
