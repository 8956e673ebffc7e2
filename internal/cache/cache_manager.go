package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"servo-monitor/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "servo:device:"
	latestSuffix  = ":latest"
	historySuffix = ":health"
)

// ErrNotCached 设备没有缓存的读数（从未上报或已过期）
var ErrNotCached = errors.New("reading not cached")

// CacheManager 设备最新读数与健康分历史缓存
type CacheManager struct {
	redisClient   *redis.Client
	ttl           time.Duration
	historyLength int64
	logger        *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(redisClient *redis.Client, ttl time.Duration, historyLength int64, logger *zap.Logger) *CacheManager {
	if historyLength <= 0 {
		historyLength = 20
	}
	return &CacheManager{
		redisClient:   redisClient,
		ttl:           ttl,
		historyLength: historyLength,
		logger:        logger,
	}
}

func latestKey(deviceID string) string {
	return keyPrefix + deviceID + latestSuffix
}

func historyKey(deviceID string) string {
	return keyPrefix + deviceID + historySuffix
}

// StoreLatest 写入最新读数，并把健康分追加到历史（保留最近 historyLength 条）
func (c *CacheManager) StoreLatest(ctx context.Context, reading *models.Reading) error {
	jsonData, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	hKey := historyKey(reading.DeviceID)
	_, err = c.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, latestKey(reading.DeviceID), jsonData, c.ttl)
		pipe.RPush(ctx, hKey, strconv.FormatFloat(reading.HealthScore, 'f', -1, 64))
		pipe.LTrim(ctx, hKey, -c.historyLength, -1)
		if c.ttl > 0 {
			pipe.Expire(ctx, hKey, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update latest cache: %w", err)
	}

	c.logger.Debug("Updated latest reading cache",
		zap.String("device_id", reading.DeviceID),
		zap.Float64("health_score", reading.HealthScore),
	)

	return nil
}

// GetLatest 读取设备最新读数
func (c *CacheManager) GetLatest(ctx context.Context, deviceID string) (*models.Reading, error) {
	val, err := c.redisClient.Get(ctx, latestKey(deviceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: device_id=%s", ErrNotCached, deviceID)
		}
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}

	var reading models.Reading
	if err := json.Unmarshal([]byte(val), &reading); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reading: %w", err)
	}

	return &reading, nil
}

// HealthHistory 按时间升序返回缓存的健康分
func (c *CacheManager) HealthHistory(ctx context.Context, deviceID string) ([]float64, error) {
	vals, err := c.redisClient.LRange(ctx, historyKey(deviceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get health history: %w", err)
	}

	scores := make([]float64, 0, len(vals))
	for _, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.logger.Warn("Skipping malformed health history entry",
				zap.String("device_id", deviceID),
				zap.String("value", v),
			)
			continue
		}
		scores = append(scores, f)
	}

	return scores, nil
}

// DeviceIDs 扫描有最新读数缓存的设备
func (c *CacheManager) DeviceIDs(ctx context.Context) ([]string, error) {
	pattern := keyPrefix + "*" + latestSuffix

	var deviceIDs []string
	iter := c.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		deviceID := key[len(keyPrefix) : len(key)-len(latestSuffix)]
		deviceIDs = append(deviceIDs, deviceID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan device keys: %w", err)
	}

	sort.Strings(deviceIDs)
	return deviceIDs, nil
}
