package broadcast

import (
	"context"
	"fmt"

	commonredis "servo-monitor/common/redis"
	"servo-monitor/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StreamPublisher 把推送事件同时写入 Redis Streams，供进程外消费者读取
type StreamPublisher struct {
	redisClient *redis.Client
	stream      string
	maxLen      int64
	logger      *zap.Logger
}

// NewStreamPublisher 创建 stream 发布器
func NewStreamPublisher(redisClient *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamPublisher {
	return &StreamPublisher{
		redisClient: redisClient,
		stream:      stream,
		maxLen:      maxLen,
		logger:      logger,
	}
}

// PublishReading 写入 sensor-data 事件
func (p *StreamPublisher) PublishReading(ctx context.Context, reading *models.Reading, alerts []models.AlertSummary) error {
	return p.publish(ctx, EventSensorData, reading.DeviceID, models.NewSensorDataEvent(reading, alerts))
}

// PublishAlert 写入 alert 事件
func (p *StreamPublisher) PublishAlert(ctx context.Context, alert *models.Alert) error {
	return p.publish(ctx, EventAlert, alert.DeviceID, alert.Event())
}

func (p *StreamPublisher) publish(ctx context.Context, event, deviceID string, data interface{}) error {
	id, err := commonredis.PublishJSONToStream(ctx, p.redisClient, p.stream, p.maxLen, event, data)
	if err != nil {
		return fmt.Errorf("failed to publish %s to stream %s: %w", event, p.stream, err)
	}

	p.logger.Debug("Published event to stream",
		zap.String("stream", p.stream),
		zap.String("event", event),
		zap.String("device_id", deviceID),
		zap.String("message_id", id),
	)
	return nil
}
