package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"servo-monitor/internal/evaluator"
	"servo-monitor/internal/metrics"
	"servo-monitor/internal/models"
	"servo-monitor/internal/validator"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReadingStore 读数存储
type ReadingStore interface {
	InsertReading(ctx context.Context, reading *models.Reading) error
}

// AlertStore 告警存储
type AlertStore interface {
	InsertAlert(ctx context.Context, alert *models.Alert) error
}

// Broadcaster 实时推送
type Broadcaster interface {
	PublishReading(ctx context.Context, reading *models.Reading, alerts []models.AlertSummary) error
	PublishAlert(ctx context.Context, alert *models.Alert) error
}

// LatestCache 最新读数缓存
type LatestCache interface {
	StoreLatest(ctx context.Context, reading *models.Reading) error
}

// AlertNotifier 外部告警通知
type AlertNotifier interface {
	Notify(ctx context.Context, alert *models.Alert) error
}

// IngestorDeps Ingestor 依赖；Cache、Notifier、Metrics 可为空
type IngestorDeps struct {
	Evaluator   *evaluator.Evaluator
	Readings    ReadingStore
	Alerts      AlertStore
	Broadcaster Broadcaster
	Cache       LatestCache
	Notifier    AlertNotifier
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Ingestor 单条消息的处理管道
// 校验 -> 评分 -> 评估 -> 持久化 -> 推送，任何一步失败都不影响下一条消息
type Ingestor struct {
	evaluator   *evaluator.Evaluator
	readings    ReadingStore
	alerts      AlertStore
	broadcaster Broadcaster
	cache       LatestCache
	notifier    AlertNotifier
	metrics     *metrics.Metrics
	logger      *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewIngestor 创建 Ingestor
func NewIngestor(deps IngestorDeps) *Ingestor {
	return &Ingestor{
		evaluator:   deps.Evaluator,
		readings:    deps.Readings,
		alerts:      deps.Alerts,
		broadcaster: deps.Broadcaster,
		cache:       deps.Cache,
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

// Process 处理一条 MQTT 消息
func (i *Ingestor) Process(ctx context.Context, topic string, payload []byte) *Outcome {
	out := &Outcome{Topic: topic}
	out.advance(StageReceived)

	now := i.now().UTC()
	reading, err := validator.Validate(payload, now)
	if err != nil {
		out.RejectErr = err
		out.advance(StageRejected)
		out.advance(StageDone)
		i.logger.Warn("Invalid payload received, dropping",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return out
	}
	out.Reading = reading
	out.advance(StageValidated)

	if topicDevice := DeviceFromTopic(topic); topicDevice != "" && topicDevice != reading.DeviceID {
		i.logger.Debug("Topic device differs from payload deviceId",
			zap.String("topic", topic),
			zap.String("device_id", reading.DeviceID),
		)
	}

	reading.ReadingID = i.newID()
	reading.HealthScore = i.evaluator.Score(reading)
	out.advance(StageScored)

	alerts := i.evaluator.Evaluate(reading)
	for _, a := range alerts {
		a.AlertID = i.newID()
		a.Timestamp = now
	}
	out.Alerts = alerts
	out.advance(StageEvaluated)

	i.persist(ctx, out)

	if i.cache != nil {
		if err := i.cache.StoreLatest(ctx, reading); err != nil {
			out.CacheErr = err
			i.logger.Warn("Failed to update latest reading cache",
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
		}
	}

	i.broadcast(ctx, out)
	i.notify(ctx, out)

	out.advance(StageDone)

	i.logger.Debug("Processed sensor data",
		zap.String("device_id", reading.DeviceID),
		zap.Float64("health_score", reading.HealthScore),
		zap.Int("alerts", len(alerts)),
	)
	return out
}

// persist 读数与告警各自写入，互不影响，失败不重试
func (i *Ingestor) persist(ctx context.Context, out *Outcome) {
	reading := out.Reading
	if err := i.readings.InsertReading(ctx, reading); err != nil {
		out.PersistErrors = append(out.PersistErrors, err)
		i.metrics.IncPersistError(metrics.KindReading)
		i.logger.Error("Failed to store reading",
			zap.String("device_id", reading.DeviceID),
			zap.String("reading_id", reading.ReadingID),
			zap.Error(err),
		)
	}

	for _, a := range out.Alerts {
		i.metrics.IncAlert(string(a.Type), string(a.Severity))
		if err := i.alerts.InsertAlert(ctx, a); err != nil {
			out.PersistErrors = append(out.PersistErrors, err)
			i.metrics.IncPersistError(metrics.KindAlert)
			i.logger.Error("Failed to store alert",
				zap.String("device_id", a.DeviceID),
				zap.String("alert_id", a.AlertID),
				zap.String("type", string(a.Type)),
				zap.Error(err),
			)
		}
	}

	if len(out.PersistErrors) > 0 {
		out.advance(StagePersistFailed)
		return
	}
	out.advance(StagePersisted)
}

// broadcast 先推 sensor-data，再按评估顺序逐条推 alert；持久化失败也照常推送
func (i *Ingestor) broadcast(ctx context.Context, out *Outcome) {
	summaries := make([]models.AlertSummary, 0, len(out.Alerts))
	for _, a := range out.Alerts {
		summaries = append(summaries, a.Summary())
	}

	var errs []error
	if err := i.broadcaster.PublishReading(ctx, out.Reading, summaries); err != nil {
		errs = append(errs, err)
	}
	for _, a := range out.Alerts {
		if err := i.broadcaster.PublishAlert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		out.BroadcastErr = errors.Join(errs...)
		i.logger.Warn("Broadcast incomplete",
			zap.String("device_id", out.Reading.DeviceID),
			zap.Error(out.BroadcastErr),
		)
	}
	out.advance(StageBroadcast)
}

func (i *Ingestor) notify(ctx context.Context, out *Outcome) {
	if i.notifier == nil {
		return
	}
	for _, a := range out.Alerts {
		if err := i.notifier.Notify(ctx, a); err != nil {
			i.logger.Warn("Failed to queue alert notification",
				zap.String("alert_id", a.AlertID),
				zap.Error(err),
			)
		}
	}
}

// DeviceFromTopic 从 {prefix}/{deviceId}/data 中取出设备 ID
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-1] != "data" {
		return ""
	}
	return parts[len(parts)-2]
}
