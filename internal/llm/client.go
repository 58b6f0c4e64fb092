// Package llm 提供 OpenAI 兼容的 chat completions HTTP 客户端。
// 兼容 OpenAI、DeepSeek、Ollama、vLLM 等服务。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Message 一条对话消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request chat completions 请求体。
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Response chat completions 响应体。
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice 响应中的一个候选。
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage token 用量统计。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config LLM 客户端配置。
type Config struct {
	BaseURL string
	APIKey  string
	Retries int           // 每次调用的最大重试次数
	Timeout time.Duration // 单次 HTTP 请求超时
}

// Client OpenAI 兼容 HTTP 客户端。
//
// 重试策略属于本层：上游（分类器、生成器）把每次调用视为
// 一次独立的可失败操作，自身不做重试。
type Client struct {
	baseURL  string
	apiKey   string
	retries  int
	client   *http.Client
	failures prometheus.Counter
	log      *zap.Logger
}

// SetFailureCounter 注入失败计数器（可选）。
func (c *Client) SetFailureCounter(counter prometheus.Counter) {
	c.failures = counter
}

// NewClient 创建 LLM 客户端
func NewClient(cfg Config, log *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		retries: retries,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		log: log,
	}
}

// Complete 执行一次非流式补全，返回首个候选的文本。
// 网络错误与 5xx 会按配置重试，4xx 直接失败。
func (c *Client) Complete(ctx context.Context, req *Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			c.log.Debug("retrying completion",
				zap.Int("attempt", attempt),
				zap.String("model", req.Model),
			)
		}

		text, retryable, err := c.complete(ctx, req)
		if err == nil {
			return text, nil
		}
		if c.failures != nil {
			c.failures.Inc()
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", fmt.Errorf("completion failed after %d attempts: %w", c.retries+1, lastErr)
}

// complete 执行单次请求；第二个返回值指示错误是否可重试。
func (c *Client) complete(ctx context.Context, req *Request) (string, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", false, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", true, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return "", retryable, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed Response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", false, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("response contains no choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}
