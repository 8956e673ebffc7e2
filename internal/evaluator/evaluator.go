package evaluator

import (
	"fmt"
	"strconv"

	"servo-monitor/internal/config"
	"servo-monitor/internal/models"
)

// Evaluator 阈值评估器
// 只计算候选告警，不做持久化；ID 与创建时间由调用方填写
type Evaluator struct {
	th config.Thresholds
}

// NewEvaluator 创建评估器
func NewEvaluator(th config.Thresholds) *Evaluator {
	return &Evaluator{th: th}
}

// Score 计算读数的健康分
func (e *Evaluator) Score(r *models.Reading) float64 {
	return HealthScore(r.Temperature, r.Vibration, r.Current, r.RPM, e.th)
}

// metricCheck 上限型指标（值越大越危险）
type metricCheck struct {
	alertType models.AlertType
	label     string
	unit      string
	value     float64
	limits    config.MetricThreshold
	format    func(float64) string
}

// Evaluate 按 temperature, vibration, current, rpm, health 的顺序返回候选告警
// 每个指标最多一条：critical 与 warning 互斥
func (e *Evaluator) Evaluate(r *models.Reading) []*models.Alert {
	checks := []metricCheck{
		{models.AlertTypeTemperature, "Temperature", "°C", r.Temperature, e.th.Temperature, fixed2},
		{models.AlertTypeVibration, "Vibration", "", r.Vibration, e.th.Vibration, fixed2},
		{models.AlertTypeCurrent, "Current", "A", r.Current, e.th.Current, fixed2},
		{models.AlertTypeRPM, "RPM", "", r.RPM, e.th.RPM, integer},
	}

	alerts := make([]*models.Alert, 0, len(checks)+1)
	for _, c := range checks {
		if a := c.evaluate(r.DeviceID); a != nil {
			alerts = append(alerts, a)
		}
	}
	if a := e.evaluateHealth(r.DeviceID, r.HealthScore); a != nil {
		alerts = append(alerts, a)
	}
	return alerts
}

func (c metricCheck) evaluate(deviceID string) *models.Alert {
	switch {
	case c.value >= c.limits.Max:
		return &models.Alert{
			DeviceID:  deviceID,
			Type:      c.alertType,
			Severity:  models.SeverityCritical,
			Message:   fmt.Sprintf("Critical: %s %s%s exceeds maximum threshold (%s%s)", c.label, c.format(c.value), c.unit, limit(c.limits.Max), c.unit),
			Value:     c.value,
			Threshold: c.limits.Max,
		}
	case c.value >= c.limits.Warning:
		return &models.Alert{
			DeviceID:  deviceID,
			Type:      c.alertType,
			Severity:  models.SeverityWarning,
			Message:   fmt.Sprintf("Warning: %s %s%s reached warning threshold (%s%s)", c.label, c.format(c.value), c.unit, limit(c.limits.Warning), c.unit),
			Value:     c.value,
			Threshold: c.limits.Warning,
		}
	}
	return nil
}

// evaluateHealth 健康分是下限型：低于 critical 为严重
func (e *Evaluator) evaluateHealth(deviceID string, score float64) *models.Alert {
	h := e.th.Health
	switch {
	case score < h.Critical:
		return &models.Alert{
			DeviceID:  deviceID,
			Type:      models.AlertTypeHealth,
			Severity:  models.SeverityCritical,
			Message:   fmt.Sprintf("Critical: Health score %s%% is below critical threshold (%s)", fixed2(score), limit(h.Critical)),
			Value:     score,
			Threshold: h.Critical,
		}
	case score < h.Warning:
		return &models.Alert{
			DeviceID:  deviceID,
			Type:      models.AlertTypeHealth,
			Severity:  models.SeverityWarning,
			Message:   fmt.Sprintf("Warning: Health score %s%% is below warning threshold (%s)", fixed2(score), limit(h.Warning)),
			Value:     score,
			Threshold: h.Warning,
		}
	}
	return nil
}

func fixed2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func integer(v float64) string {
	return strconv.FormatFloat(v, 'f', 0, 64)
}

// limit 阈值按配置原样输出（80 而不是 80.00）
func limit(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
