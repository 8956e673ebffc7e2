package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"servo-monitor/common/database"
	mqttcommon "servo-monitor/common/mqtt"
	rediscommon "servo-monitor/common/redis"
	"servo-monitor/internal/broadcast"
	"servo-monitor/internal/cache"
	"servo-monitor/internal/config"
	"servo-monitor/internal/consumer"
	"servo-monitor/internal/evaluator"
	"servo-monitor/internal/httpapi"
	"servo-monitor/internal/metrics"
	"servo-monitor/internal/models"
	"servo-monitor/internal/notify"
	"servo-monitor/internal/pipeline"
	"servo-monitor/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServoService 伺服电机遥测服务
type ServoService struct {
	config     *config.Config
	logger     *zap.Logger
	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	hub        *broadcast.Hub
	notifier   *notify.WebhookNotifier
	consumer   *consumer.MQTTConsumer
	httpServer *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServoService 创建服务并连接所有外部依赖
func NewServoService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ServoService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repository.EnsureSchema(ctx, db); err != nil {
		database.Close(db)
		return nil, err
	}

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		rediscommon.Close(redisClient)
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	s := &ServoService{
		config:     cfg,
		logger:     logger,
		db:         db,
		redis:      redisClient,
		mqttClient: mqttClient,
	}
	s.wire()

	return s, nil
}

// wire 组装管道、推送与 HTTP 接口
func (s *ServoService) wire() {
	cfg := s.config

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	readingRepo := repository.NewReadingRepository(s.db, s.logger)
	alertRepo := repository.NewAlertRepository(s.db, s.logger)
	cacheManager := cache.NewCacheManager(s.redis, cfg.Broadcast.LatestTTL, cfg.Broadcast.HistoryLength, s.logger)

	s.hub = broadcast.NewHub(cfg.Broadcast.QueueSize, cfg.Broadcast.ClientBuffer, s.logger)
	s.hub.OnClientsChanged = m.SetWebsocketClients

	sinks := []broadcast.Named{{Name: "websocket", Sink: s.hub}}
	if cfg.Broadcast.Stream != "" {
		sinks = append(sinks, broadcast.Named{
			Name: "stream",
			Sink: broadcast.NewStreamPublisher(s.redis, cfg.Broadcast.Stream, cfg.Broadcast.StreamMaxLen, s.logger),
		})
	}
	multi := broadcast.NewMulti(sinks...)
	multi.OnError = func(sink string, _ error) { m.IncBroadcastError(sink) }

	deps := pipeline.IngestorDeps{
		Evaluator:   evaluator.NewEvaluator(cfg.Thresholds),
		Readings:    readingRepo,
		Alerts:      alertRepo,
		Broadcaster: multi,
		Cache:       cacheManager,
		Metrics:     m,
		Logger:      s.logger,
	}
	// 未配置 webhook 时保持接口为 nil
	s.notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, models.Severity(cfg.Notify.MinSeverity), cfg.Notify.Timeout, s.logger)
	if s.notifier != nil {
		deps.Notifier = s.notifier
	}
	ingestor := pipeline.NewIngestor(deps)

	s.consumer = consumer.NewMQTTConsumer(s.mqttClient, ingestor, consumer.Options{
		Topic:          cfg.DataTopic(),
		QoS:            cfg.MQTT.QoS,
		QueueSize:      cfg.Ingest.QueueSize,
		Workers:        cfg.Ingest.Workers,
		OverflowPolicy: cfg.Ingest.OverflowPolicy,
	}, m, s.logger)

	api := httpapi.NewServer(httpapi.Deps{
		Latest:    cacheManager,
		Alerts:    alertRepo,
		WebSocket: http.HandlerFunc(s.hub.ServeWS),
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Checks:    s.healthChecks(),
		Logger:    s.logger,
	})
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *ServoService) healthChecks() map[string]httpapi.HealthCheck {
	return map[string]httpapi.HealthCheck{
		"database": s.db.PingContext,
		"redis": func(ctx context.Context) error {
			return rediscommon.Ping(ctx, s.redis)
		},
		"mqtt": func(context.Context) error {
			if s.mqttClient == nil || !s.mqttClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
}

// Start 启动服务
func (s *ServoService) Start(ctx context.Context) error {
	s.logger.Info("Starting servo service components")

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run(runCtx)
	}()

	if s.notifier != nil {
		s.notifier.Start(runCtx)
	}

	// 启动MQTT消费者
	if err := s.consumer.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Servo service started successfully",
		zap.String("topic", s.config.DataTopic()),
		zap.Int("workers", s.config.Ingest.Workers),
	)
	return nil
}

// Stop 停止服务：先停止接收，排空队列，再关闭推送与存储
func (s *ServoService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping servo service")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("Error stopping HTTP server", zap.Error(err))
		}
	}

	// 停止Consumer
	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.notifier != nil {
		s.notifier.Wait()
	}
	s.wg.Wait()

	// 断开MQTT
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭Redis
	if s.redis != nil {
		rediscommon.Close(s.redis)
	}

	// 关闭数据库
	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Servo service stopped")
	return nil
}
