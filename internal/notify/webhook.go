package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"servo-monitor/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// WebhookPayload 推送到 webhook 的请求体
type WebhookPayload struct {
	Event   string            `json:"event"`
	AlertID string            `json:"alertId"`
	Data    models.AlertEvent `json:"data"`
}

// WebhookNotifier 把达到最低级别的告警 POST 到外部 webhook
// Notify 只入队，由后台协程发送，失败按 resty 重试策略重试
type WebhookNotifier struct {
	httpClient  *resty.Client
	url         string
	minSeverity models.Severity
	queue       chan *models.Alert
	logger      *zap.Logger

	wg sync.WaitGroup
}

// NewWebhookNotifier 创建通知器；url 为空时返回 nil（调用方按未配置处理）
func NewWebhookNotifier(url string, minSeverity models.Severity, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookNotifier{
		httpClient:  client,
		url:         url,
		minSeverity: minSeverity,
		queue:       make(chan *models.Alert, 128),
		logger:      logger,
	}
}

// Start 启动后台发送协程，ctx 取消后退出
func (n *WebhookNotifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case alert := <-n.queue:
				if err := n.Send(ctx, alert); err != nil {
					n.logger.Warn("Failed to deliver alert webhook",
						zap.String("alert_id", alert.AlertID),
						zap.String("device_id", alert.DeviceID),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

// Wait 等待后台协程退出
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

// Notify 级别达标的告警入队；队列满时丢弃
func (n *WebhookNotifier) Notify(_ context.Context, alert *models.Alert) error {
	if !n.accepts(alert) {
		return nil
	}

	select {
	case n.queue <- alert:
	default:
		n.logger.Warn("Webhook queue full, dropping alert",
			zap.String("alert_id", alert.AlertID),
			zap.String("device_id", alert.DeviceID),
		)
	}
	return nil
}

func (n *WebhookNotifier) accepts(alert *models.Alert) bool {
	return alert != nil && alert.Severity.Rank() >= n.minSeverity.Rank()
}

// Send 同步发送一条告警
func (n *WebhookNotifier) Send(ctx context.Context, alert *models.Alert) error {
	payload := WebhookPayload{
		Event:   "alert",
		AlertID: alert.AlertID,
		Data:    alert.Event(),
	}

	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	n.logger.Debug("Alert webhook delivered",
		zap.String("alert_id", alert.AlertID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
