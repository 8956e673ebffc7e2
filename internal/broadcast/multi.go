package broadcast

import (
	"context"
	"errors"
	"fmt"

	"servo-monitor/internal/models"
)

// Sink 推送目标
type Sink interface {
	PublishReading(ctx context.Context, reading *models.Reading, alerts []models.AlertSummary) error
	PublishAlert(ctx context.Context, alert *models.Alert) error
}

// Named 带名称的推送目标，名称用于日志和指标
type Named struct {
	Name string
	Sink Sink
}

// Multi 依次推送到所有目标，单个目标失败不影响其他目标
type Multi struct {
	sinks []Named

	// OnError 某个目标失败时回调
	OnError func(sink string, err error)
}

// NewMulti 创建组合推送器
func NewMulti(sinks ...Named) *Multi {
	return &Multi{sinks: sinks}
}

// PublishReading 推送 sensor-data 到所有目标，返回合并后的错误
func (m *Multi) PublishReading(ctx context.Context, reading *models.Reading, alerts []models.AlertSummary) error {
	return m.each(func(s Sink) error { return s.PublishReading(ctx, reading, alerts) })
}

// PublishAlert 推送 alert 到所有目标，返回合并后的错误
func (m *Multi) PublishAlert(ctx context.Context, alert *models.Alert) error {
	return m.each(func(s Sink) error { return s.PublishAlert(ctx, alert) })
}

func (m *Multi) each(fn func(Sink) error) error {
	var errs []error
	for _, s := range m.sinks {
		if err := fn(s.Sink); err != nil {
			if m.OnError != nil {
				m.OnError(s.Name, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
