package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"servo-monitor/common/config"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 配置校验失败（启动期致命错误）
var ErrInvalidConfig = errors.New("invalid config")

// 入站队列溢出策略
const (
	OverflowDropOldest = "drop-oldest"
	OverflowDropNewest = "drop-newest"
)

// MetricThreshold 单个指标的阈值（warning <= max）
type MetricThreshold struct {
	Max     float64 `yaml:"max"`
	Warning float64 `yaml:"warning"`
}

// HealthThreshold 健康分阈值（低于 critical 为严重，低于 warning 为警告）
type HealthThreshold struct {
	Critical float64 `yaml:"critical"`
	Warning  float64 `yaml:"warning"`
}

// Weights 健康分权重（不强制要求总和为 1）
type Weights struct {
	Temperature float64 `yaml:"temperature"`
	Vibration   float64 `yaml:"vibration"`
	Current     float64 `yaml:"current"`
	RPM         float64 `yaml:"rpm"`
}

// Thresholds 阈值与评分配置，启动时读取一次，之后只读
type Thresholds struct {
	Temperature MetricThreshold `yaml:"temperature"`
	Vibration   MetricThreshold `yaml:"vibration"`
	Current     MetricThreshold `yaml:"current"`
	RPM         MetricThreshold `yaml:"rpm"`
	Health      HealthThreshold `yaml:"health"`
	Weights     Weights         `yaml:"weights"`
}

// Config 伺服电机遥测服务配置
type Config struct {
	Database config.DatabaseConfig `yaml:"database"`
	Redis    config.RedisConfig    `yaml:"redis"`
	MQTT     config.MQTTConfig     `yaml:"mqtt"`

	Thresholds Thresholds `yaml:"thresholds"`

	Ingest struct {
		TopicPrefix    string `yaml:"topic_prefix"`    // 主题前缀，订阅 {prefix}/+/data
		QueueSize      int    `yaml:"queue_size"`      // 入站队列容量
		Workers        int    `yaml:"workers"`         // 按设备分片的处理协程数
		OverflowPolicy string `yaml:"overflow_policy"` // drop-oldest | drop-newest
	} `yaml:"ingest"`

	Broadcast struct {
		QueueSize     int           `yaml:"queue_size"`      // websocket 广播队列容量
		Stream        string        `yaml:"stream"`          // Redis Streams 名称，空则不发布
		StreamMaxLen  int64         `yaml:"stream_max_len"`  // stream 近似最大长度
		ClientBuffer  int           `yaml:"client_buffer"`   // 每个 websocket 客户端的发送缓冲
		LatestTTL     time.Duration `yaml:"latest_ttl"`      // 最新读数缓存 TTL
		HistoryLength int64         `yaml:"history_length"`  // 缓存的健康分历史条数
	} `yaml:"broadcast"`

	Notify struct {
		WebhookURL  string        `yaml:"webhook_url"`  // 为空则不推送
		MinSeverity string        `yaml:"min_severity"` // warning | critical
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"notify"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DataTopic 返回设备数据订阅主题
func (c *Config) DataTopic() string {
	return c.Ingest.TopicPrefix + "/+/data"
}

// Load 加载配置：默认值 -> YAML 文件（SERVO_CONFIG_FILE）-> 环境变量
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("SERVO_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "servo_motor_db"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5

	cfg.Redis.Addr = "localhost:6379"

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "backend-server"
	cfg.MQTT.QoS = 1
	cfg.MQTT.ReconnectPeriod = time.Second
	cfg.MQTT.ConnectTimeout = 10 * time.Second

	cfg.Thresholds = Thresholds{
		Temperature: MetricThreshold{Max: 80, Warning: 70},
		Vibration:   MetricThreshold{Max: 5.0, Warning: 3.5},
		Current:     MetricThreshold{Max: 10.0, Warning: 8.0},
		RPM:         MetricThreshold{Max: 3000, Warning: 2800},
		Health:      HealthThreshold{Critical: 50, Warning: 70},
		Weights:     Weights{Temperature: 0.25, Vibration: 0.25, Current: 0.25, RPM: 0.25},
	}

	cfg.Ingest.TopicPrefix = "servo-motor"
	cfg.Ingest.QueueSize = 1024
	cfg.Ingest.Workers = 8
	cfg.Ingest.OverflowPolicy = OverflowDropOldest

	cfg.Broadcast.QueueSize = 256
	cfg.Broadcast.Stream = "servo:events:stream"
	cfg.Broadcast.StreamMaxLen = 10000
	cfg.Broadcast.ClientBuffer = 256
	cfg.Broadcast.LatestTTL = 10 * time.Minute
	cfg.Broadcast.HistoryLength = 20

	cfg.Notify.MinSeverity = "critical"
	cfg.Notify.Timeout = 10 * time.Second

	cfg.HTTP.Addr = ":3001"

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.Database.LoadFromEnv("DB")
	c.Redis.LoadFromEnv("REDIS")
	c.MQTT.LoadFromEnv("MQTT")

	c.Ingest.TopicPrefix = getEnv("MQTT_TOPIC_PREFIX", c.Ingest.TopicPrefix)
	c.Ingest.QueueSize = getEnvInt("INGEST_QUEUE_SIZE", c.Ingest.QueueSize)
	c.Ingest.Workers = getEnvInt("INGEST_WORKERS", c.Ingest.Workers)
	c.Ingest.OverflowPolicy = getEnv("INGEST_OVERFLOW_POLICY", c.Ingest.OverflowPolicy)

	t := &c.Thresholds
	t.Temperature.Max = getEnvFloat("TEMP_MAX_THRESHOLD", t.Temperature.Max)
	t.Temperature.Warning = getEnvFloat("TEMP_WARNING_THRESHOLD", t.Temperature.Warning)
	t.Vibration.Max = getEnvFloat("VIBRATION_MAX_THRESHOLD", t.Vibration.Max)
	t.Vibration.Warning = getEnvFloat("VIBRATION_WARNING_THRESHOLD", t.Vibration.Warning)
	t.Current.Max = getEnvFloat("CURRENT_MAX_THRESHOLD", t.Current.Max)
	t.Current.Warning = getEnvFloat("CURRENT_WARNING_THRESHOLD", t.Current.Warning)
	t.RPM.Max = getEnvFloat("RPM_MAX_THRESHOLD", t.RPM.Max)
	t.RPM.Warning = getEnvFloat("RPM_WARNING_THRESHOLD", t.RPM.Warning)
	t.Health.Critical = getEnvFloat("HEALTH_CRITICAL_THRESHOLD", t.Health.Critical)
	t.Health.Warning = getEnvFloat("HEALTH_WARNING_THRESHOLD", t.Health.Warning)
	t.Weights.Temperature = getEnvFloat("HEALTH_WEIGHT_TEMP", t.Weights.Temperature)
	t.Weights.Vibration = getEnvFloat("HEALTH_WEIGHT_VIBRATION", t.Weights.Vibration)
	t.Weights.Current = getEnvFloat("HEALTH_WEIGHT_CURRENT", t.Weights.Current)
	t.Weights.RPM = getEnvFloat("HEALTH_WEIGHT_RPM", t.Weights.RPM)

	c.Broadcast.QueueSize = getEnvInt("BROADCAST_QUEUE_SIZE", c.Broadcast.QueueSize)
	c.Broadcast.Stream = getEnv("BROADCAST_STREAM", c.Broadcast.Stream)

	c.Notify.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.MinSeverity = getEnv("NOTIFY_MIN_SEVERITY", c.Notify.MinSeverity)

	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate 校验配置，任何一项不合法都拒绝启动
func (c *Config) Validate() error {
	var problems []string

	t := c.Thresholds
	// NaN 与任何值比较都为 false，必须先单独拒绝
	for name, v := range map[string]float64{
		"temperature.max":     t.Temperature.Max,
		"temperature.warning": t.Temperature.Warning,
		"vibration.max":       t.Vibration.Max,
		"vibration.warning":   t.Vibration.Warning,
		"current.max":         t.Current.Max,
		"current.warning":     t.Current.Warning,
		"rpm.max":             t.RPM.Max,
		"rpm.warning":         t.RPM.Warning,
		"health.critical":     t.Health.Critical,
		"health.warning":      t.Health.Warning,
		"weights.temperature": t.Weights.Temperature,
		"weights.vibration":   t.Weights.Vibration,
		"weights.current":     t.Weights.Current,
		"weights.rpm":         t.Weights.RPM,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			problems = append(problems, fmt.Sprintf("%s must be a finite number", name))
		}
	}
	for name, m := range map[string]MetricThreshold{
		"temperature": t.Temperature,
		"vibration":   t.Vibration,
		"current":     t.Current,
	} {
		if m.Max <= 0 {
			problems = append(problems, fmt.Sprintf("%s.max must be > 0", name))
		}
		if m.Warning > m.Max {
			problems = append(problems, fmt.Sprintf("%s.warning must be <= %s.max", name, name))
		}
	}
	// rpm 评分用 max - (max+warning)/2 作除数，相等时除零
	if t.RPM.Max <= t.RPM.Warning {
		problems = append(problems, "rpm.max must be > rpm.warning")
	}
	if t.Health.Warning < t.Health.Critical {
		problems = append(problems, "health.warning must be >= health.critical")
	}
	w := t.Weights
	if w.Temperature < 0 || w.Vibration < 0 || w.Current < 0 || w.RPM < 0 {
		problems = append(problems, "weights must be >= 0")
	}

	if strings.TrimSpace(c.Ingest.TopicPrefix) == "" {
		problems = append(problems, "ingest.topic_prefix is required")
	}
	if c.Ingest.QueueSize <= 0 {
		problems = append(problems, "ingest.queue_size must be > 0")
	}
	if c.Ingest.Workers <= 0 {
		problems = append(problems, "ingest.workers must be > 0")
	}
	if c.Broadcast.QueueSize <= 0 {
		problems = append(problems, "broadcast.queue_size must be > 0")
	}
	switch c.Ingest.OverflowPolicy {
	case OverflowDropOldest, OverflowDropNewest:
	default:
		problems = append(problems, fmt.Sprintf("unknown ingest.overflow_policy %q", c.Ingest.OverflowPolicy))
	}
	switch c.Notify.MinSeverity {
	case "warning", "critical":
	default:
		problems = append(problems, fmt.Sprintf("unknown notify.min_severity %q", c.Notify.MinSeverity))
	}

	if len(problems) > 0 {
		// map 遍历无序，排序后输出稳定
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}
