package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// 流水线指标
	MessagesClaimed *prometheus.CounterVec   // 按阶段统计认领的消息数
	StageCycles     *prometheus.CounterVec   // 按阶段与结果统计周期数
	StageDuration   *prometheus.HistogramVec // 阶段周期耗时
	ItemFailures    *prometheus.CounterVec   // 按阶段统计单条处理失败数
	ReleaseFailures prometheus.Counter       // 锁释放失败数

	// 摄入指标
	MessagesIngested  *prometheus.CounterVec // 按来源统计摄入的消息数
	MessagesDuplicate *prometheus.CounterVec // 按来源统计去重命中数

	// LLM 指标
	LLMFailures prometheus.Counter

	// WebSocket 指标
	EventClients prometheus.Gauge
}

// NewMetrics 创建监控指标。
// reg 通常传 prometheus.DefaultRegisterer；测试中传独立 Registry
// 以避免重复注册。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesClaimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oso_messages_claimed_total",
				Help: "Total number of messages claimed, by pipeline stage",
			},
			[]string{"stage"},
		),
		StageCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oso_stage_cycles_total",
				Help: "Total number of stage cycles, by stage and outcome",
			},
			[]string{"stage", "status"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oso_stage_duration_seconds",
				Help:    "Stage cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		ItemFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oso_item_failures_total",
				Help: "Total number of per-message processing failures, by stage",
			},
			[]string{"stage"},
		),
		ReleaseFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "oso_lock_release_failures_total",
				Help: "Total number of failed lock releases",
			},
		),
		MessagesIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oso_messages_ingested_total",
				Help: "Total number of messages ingested, by source",
			},
			[]string{"source"},
		),
		MessagesDuplicate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oso_messages_duplicate_total",
				Help: "Total number of duplicate messages skipped at ingestion, by source",
			},
			[]string{"source"},
		),
		LLMFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "oso_llm_failures_total",
				Help: "Total number of failed LLM calls",
			},
		),
		EventClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "oso_event_clients",
				Help: "Number of connected websocket event clients",
			},
		),
	}
}

// HTTPHandler 返回 Prometheus 指标处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
