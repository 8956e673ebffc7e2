package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"servo-monitor/internal/models"
)

// 毫秒时间戳允许范围：1970-01-01 至 9999-12-31
var maxEpochMillis = time.Date(9999, 12, 31, 23, 59, 59, 999e6, time.UTC).UnixMilli()

// ErrInvalidPayload 载荷不合法，消息应被丢弃
var ErrInvalidPayload = errors.New("invalid payload")

// ValidationError 描述具体哪个字段不合法
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidPayload, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidPayload, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate 校验原始 MQTT 载荷并构造 Reading（HealthScore 未计算）
// 指标字段接受 JSON 数字或数字字符串；timestamp 缺省时取 now
func Validate(payload []byte, now time.Time) (*models.Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, invalid("", "payload is not a JSON object")
	}
	if raw == nil {
		return nil, invalid("", "payload is not a JSON object")
	}
	// 对象之后只允许空白
	if _, err := dec.Token(); err != io.EOF {
		return nil, invalid("", "unexpected data after JSON object")
	}

	deviceID, err := parseDeviceID(raw["deviceId"])
	if err != nil {
		return nil, err
	}

	reading := &models.Reading{DeviceID: deviceID}
	metrics := []struct {
		field string
		dst   *float64
	}{
		{"temperature", &reading.Temperature},
		{"vibration", &reading.Vibration},
		{"current", &reading.Current},
		{"rpm", &reading.RPM},
	}
	for _, m := range metrics {
		v, err := parseMetric(m.field, raw[m.field])
		if err != nil {
			return nil, err
		}
		*m.dst = v
	}

	ts, err := parseTimestamp(raw["timestamp"], now)
	if err != nil {
		return nil, err
	}
	reading.Timestamp = ts

	return reading, nil
}

func parseDeviceID(v interface{}) (string, error) {
	if v == nil {
		return "", invalid("deviceId", "missing")
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid("deviceId", "must be a string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid("deviceId", "must not be empty")
	}
	return s, nil
}

func parseMetric(field string, v interface{}) (float64, error) {
	var (
		f   float64
		err error
	)
	switch val := v.(type) {
	case nil:
		return 0, invalid(field, "missing")
	case json.Number:
		f, err = strconv.ParseFloat(val.String(), 64)
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, invalid(field, fmt.Sprintf("unsupported type %T", v))
	}
	if err != nil {
		return 0, invalid(field, "not a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalid(field, "not a finite number")
	}
	return f, nil
}

// parseTimestamp 支持 RFC3339 字符串与毫秒时间戳
func parseTimestamp(v interface{}, now time.Time) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return now, nil
	case string:
		if strings.TrimSpace(val) == "" {
			return now, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(val))
		if err != nil {
			return time.Time{}, invalid("timestamp", "not an ISO-8601 time")
		}
		return ts, nil
	case json.Number:
		f, err := val.Float64()
		if err != nil || math.IsNaN(f) || f < 0 || f > float64(maxEpochMillis) {
			return time.Time{}, invalid("timestamp", "not a valid epoch milliseconds value")
		}
		ms, err := val.Int64()
		if err != nil {
			ms = int64(f)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, invalid("timestamp", fmt.Sprintf("unsupported type %T", v))
	}
}
