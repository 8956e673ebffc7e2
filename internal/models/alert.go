package models

import "time"

// AlertType 告警指标类型
type AlertType string

const (
	AlertTypeTemperature AlertType = "temperature"
	AlertTypeVibration   AlertType = "vibration"
	AlertTypeCurrent     AlertType = "current"
	AlertTypeRPM         AlertType = "rpm"
	AlertTypeHealth      AlertType = "health"
)

// Valid 是否为已知类型
func (t AlertType) Valid() bool {
	switch t {
	case AlertTypeTemperature, AlertTypeVibration, AlertTypeCurrent, AlertTypeRPM, AlertTypeHealth:
		return true
	}
	return false
}

// Severity 告警级别
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank 级别排序：warning < critical
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// Alert 一次阈值越限记录
// Resolved == false 时 ResolvedAt 必为 nil
type Alert struct {
	AlertID    string     `json:"alertId"`
	DeviceID   string     `json:"deviceId"`
	Type       AlertType  `json:"type"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt"`
}

// Summary sensor-data 事件中携带的告警摘要
func (a *Alert) Summary() AlertSummary {
	return AlertSummary{Type: a.Type, Severity: a.Severity, Message: a.Message}
}

// Event 转换为 alert 推送事件
func (a *Alert) Event() AlertEvent {
	return AlertEvent{
		DeviceID:  a.DeviceID,
		Type:      a.Type,
		Severity:  a.Severity,
		Message:   a.Message,
		Value:     a.Value,
		Threshold: a.Threshold,
		Timestamp: a.Timestamp,
	}
}

// AlertSummary 告警摘要
type AlertSummary struct {
	Type     AlertType `json:"type"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// AlertEvent 推送给订阅者的 alert 事件
type AlertEvent struct {
	DeviceID  string    `json:"deviceId"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}
