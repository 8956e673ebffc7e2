package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"servo-monitor/common/logger"
	"servo-monitor/internal/config"
	"servo-monitor/internal/service"

	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "servo-monitor")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting servo-monitor service",
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("topic", cfg.DataTopic()),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建服务
	servoService, err := service.NewServoService(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create servo service", zap.Error(err))
	}

	// 启动服务
	if err := servoService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start servo service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := servoService.Stop(stopCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
