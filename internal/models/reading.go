package models

import "time"

// Reading 单条伺服电机遥测读数（校验通过后构造，之后只读）
type Reading struct {
	ReadingID   string    `json:"readingId,omitempty"`
	DeviceID    string    `json:"deviceId"`
	Temperature float64   `json:"temperature"`
	Vibration   float64   `json:"vibration"`
	Current     float64   `json:"current"`
	RPM         float64   `json:"rpm"`
	Timestamp   time.Time `json:"timestamp"`
	HealthScore float64   `json:"healthScore"` // 0-100，由服务端计算
}

// SensorDataEvent 推送给订阅者的 sensor-data 事件
type SensorDataEvent struct {
	*Reading
	Alerts []AlertSummary `json:"alerts"`
}

// NewSensorDataEvent 构造 sensor-data 事件，alerts 为空时输出 []
func NewSensorDataEvent(r *Reading, alerts []AlertSummary) SensorDataEvent {
	if alerts == nil {
		alerts = []AlertSummary{}
	}
	return SensorDataEvent{Reading: r, Alerts: alerts}
}
