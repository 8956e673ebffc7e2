package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "servo_"

// 消息处理结果
const (
	ResultProcessed = "processed"
	ResultRejected  = "rejected"
	ResultDropped   = "dropped"
	ResultPanicked  = "panicked"
)

// 持久化失败类型
const (
	KindReading = "reading"
	KindAlert   = "alert"
)

// Metrics 管道指标
type Metrics struct {
	messagesTotal   *prometheus.CounterVec
	persistErrors   *prometheus.CounterVec
	alertsTotal     *prometheus.CounterVec
	broadcastErrors *prometheus.CounterVec
	ingestLatency   prometheus.Histogram
	queueDepth      prometheus.Gauge
	wsClients       prometheus.Gauge
}

// New 创建并注册指标；reg 为 nil 时只创建不注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_total",
				Help: "Total inbound telemetry messages by result",
			},
			[]string{"result"},
		),
		persistErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "persist_errors_total",
				Help: "Total storage write failures by record kind",
			},
			[]string{"kind"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Total alerts raised by type and severity",
			},
			[]string{"type", "severity"},
		),
		broadcastErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "broadcast_errors_total",
				Help: "Total broadcast failures by sink",
			},
			[]string{"sink"},
		),
		ingestLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Per-message pipeline latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "ingest_queue_depth",
				Help: "Messages waiting in the inbound queue",
			},
		),
		wsClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "websocket_clients",
				Help: "Connected live subscribers",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.messagesTotal,
			m.persistErrors,
			m.alertsTotal,
			m.broadcastErrors,
			m.ingestLatency,
			m.queueDepth,
			m.wsClients,
		)
	}

	return m
}

// ObserveMessage 记录一条消息的处理结果与耗时
func (m *Metrics) ObserveMessage(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(result).Inc()
	if result == ResultProcessed {
		m.ingestLatency.Observe(elapsed.Seconds())
	}
}

// IncPersistError 记录一次持久化失败
func (m *Metrics) IncPersistError(kind string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(kind).Inc()
}

// IncAlert 记录一条告警
func (m *Metrics) IncAlert(alertType, severity string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(alertType, severity).Inc()
}

// IncBroadcastError 记录一次推送失败
func (m *Metrics) IncBroadcastError(sink string) {
	if m == nil {
		return
	}
	m.broadcastErrors.WithLabelValues(sink).Inc()
}

// SetQueueDepth 更新入站队列长度
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetWebsocketClients 更新在线订阅者数量
func (m *Metrics) SetWebsocketClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
