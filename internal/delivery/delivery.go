// Package delivery 实现外发能力：回复投递与摘要发布。
//
// 两者都建模为对外部投递服务的 HTTP 调用，调用方只依赖
// "投递后取回对端分配的标识" 这一契约。
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"oso/backend/internal/domain"
)

// Config 投递端点配置。
type Config struct {
	Endpoint  string
	AuthToken string
	// RatePerSecond 对外调用限速；Burst 为允许的突发量
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// Endpoint 单个外部投递端点。
type Endpoint struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewEndpoint 创建投递端点
func NewEndpoint(cfg Config, log *zap.Logger) *Endpoint {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Endpoint{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     log,
	}
}

// deliveryResponse 投递服务返回的标识。
type deliveryResponse struct {
	ID string `json:"id"`
}

// deliver 限速后 POST 负载，返回对端分配的标识。
func (e *Endpoint) deliver(ctx context.Context, payload any) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.AuthToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("delivery error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed deliveryResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("delivery response contains no id")
	}
	return parsed.ID, nil
}

// ReplySender 把生成的回复投递给原发送者。
type ReplySender struct {
	endpoint *Endpoint
}

// NewReplySender 创建回复投递器
func NewReplySender(cfg Config, log *zap.Logger) *ReplySender {
	return &ReplySender{endpoint: NewEndpoint(cfg, log)}
}

// replyPayload 回复投递负载。
type replyPayload struct {
	MsgID     string  `json:"msgId"`
	Source    *string `json:"source,omitempty"`
	Sender    *string `json:"sender,omitempty"`
	Subject   *string `json:"subject,omitempty"`
	ReplyBody string  `json:"replyBody"`
}

// SendReply 投递回复，返回对端分配的回复标识。
func (s *ReplySender) SendReply(ctx context.Context, msg *domain.Message) (string, error) {
	if msg.ReplyBody == nil {
		return "", fmt.Errorf("message %s has no reply body", msg.ID)
	}
	payload := replyPayload{
		MsgID:     msg.ID,
		Sender:    msg.Sender,
		Subject:   msg.Subject,
		ReplyBody: *msg.ReplyBody,
	}
	if msg.Source != nil {
		payload.Source = domain.Ptr(string(*msg.Source))
	}
	return s.endpoint.deliver(ctx, payload)
}

// Publisher 把摘要与配图发布到外部渠道。
type Publisher struct {
	endpoint *Endpoint
}

// NewPublisher 创建发布器
func NewPublisher(cfg Config, log *zap.Logger) *Publisher {
	return &Publisher{endpoint: NewEndpoint(cfg, log)}
}

// publishPayload 发布负载；图片以 base64 随 JSON 编码。
type publishPayload struct {
	MsgID   string   `json:"msgId"`
	Summary string   `json:"summary"`
	Images  [][]byte `json:"images,omitempty"`
}

// Publish 发布摘要，返回对端分配的帖子标识。
func (p *Publisher) Publish(ctx context.Context, msg *domain.Message) (string, error) {
	if msg.Summary == nil {
		return "", fmt.Errorf("message %s has no summary", msg.ID)
	}
	return p.endpoint.deliver(ctx, publishPayload{
		MsgID:   msg.ID,
		Summary: *msg.Summary,
		Images:  msg.Images,
	})
}
