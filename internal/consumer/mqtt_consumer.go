package consumer

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	mqttcommon "servo-monitor/common/mqtt"
	"servo-monitor/internal/config"
	"servo-monitor/internal/metrics"
	"servo-monitor/internal/pipeline"

	"go.uber.org/zap"
)

// workerBuffer 每个分片协程的缓冲；主队列满时才触发溢出策略
const workerBuffer = 16

// Subscriber MQTT 订阅接口（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Processor 单条消息处理（pipeline.Ingestor 实现）
type Processor interface {
	Process(ctx context.Context, topic string, payload []byte) *pipeline.Outcome
}

// Message 入站消息
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

// Options 消费者参数
type Options struct {
	Topic          string
	QoS            byte
	QueueSize      int
	Workers        int
	OverflowPolicy string
}

// MQTTConsumer MQTT消息消费者
// broker 回调只负责入队；分发协程按设备哈希到固定 worker，同一设备的消息按到达顺序处理
type MQTTConsumer struct {
	subscriber Subscriber
	processor  Processor
	opts       Options
	metrics    *metrics.Metrics
	logger     *zap.Logger

	queue   chan Message
	workers []chan Message
	mu      sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMQTTConsumer 创建MQTT消费者
func NewMQTTConsumer(
	subscriber Subscriber,
	processor Processor,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MQTTConsumer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.OverflowPolicy == "" {
		opts.OverflowPolicy = config.OverflowDropOldest
	}

	workers := make([]chan Message, opts.Workers)
	for i := range workers {
		workers[i] = make(chan Message, workerBuffer)
	}

	return &MQTTConsumer{
		subscriber: subscriber,
		processor:  processor,
		opts:       opts,
		metrics:    m,
		logger:     logger,
		queue:      make(chan Message, opts.QueueSize),
		workers:    workers,
	}
}

// Start 启动分发与处理协程，然后订阅数据主题
func (c *MQTTConsumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.dispatch(ctx)

	for i, ch := range c.workers {
		c.wg.Add(1)
		go c.work(ctx, i, ch)
	}

	if err := c.subscriber.Subscribe(c.opts.Topic, c.opts.QoS, c.handleMessage); err != nil {
		c.cancel()
		c.wg.Wait()
		return fmt.Errorf("failed to subscribe to data topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("topic", c.opts.Topic),
		zap.Int("workers", len(c.workers)),
		zap.Int("queue_size", c.opts.QueueSize),
		zap.String("overflow_policy", c.opts.OverflowPolicy),
	)
	return nil
}

// Stop 取消订阅并停止协程；正在处理的消息尽力完成，队列中剩余消息丢弃
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.subscriber.Unsubscribe(c.opts.Topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("MQTT consumer stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer stop: %w", ctx.Err())
	}
}

// handleMessage broker 回调，只入队不处理
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: payload, Received: time.Now()}
	if c.enqueue(msg) {
		c.metrics.ObserveMessage(metrics.ResultDropped, 0)
		c.logger.Warn("Ingest queue full, message dropped",
			zap.String("topic", topic),
			zap.String("overflow_policy", c.opts.OverflowPolicy),
		)
	}
	c.metrics.SetQueueDepth(len(c.queue))
	return nil
}

// enqueue 按溢出策略入队，返回是否丢弃了一条消息
func (c *MQTTConsumer) enqueue(msg Message) bool {
	select {
	case c.queue <- msg:
		return false
	default:
	}

	if c.opts.OverflowPolicy == config.OverflowDropNewest {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := false
	for {
		select {
		case c.queue <- msg:
			return dropped
		default:
		}
		select {
		case <-c.queue:
			dropped = true
		default:
		}
	}
}

func (c *MQTTConsumer) dispatch(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.queue:
			c.metrics.SetQueueDepth(len(c.queue))
			shard := c.workers[c.shard(msg.Topic)]
			select {
			case shard <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// shard 同一设备总是落到同一个 worker
func (c *MQTTConsumer) shard(topic string) int {
	key := pipeline.DeviceFromTopic(topic)
	if key == "" {
		key = topic
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(c.workers)))
}

func (c *MQTTConsumer) work(ctx context.Context, id int, ch <-chan Message) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			c.process(ctx, id, msg)
		}
	}
}

// process 单条消息隔离执行，panic 不会终止 worker
func (c *MQTTConsumer) process(ctx context.Context, worker int, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.ObserveMessage(metrics.ResultPanicked, 0)
			c.logger.Error("Recovered from panic while processing message",
				zap.Int("worker", worker),
				zap.String("topic", msg.Topic),
				zap.Any("panic", r),
			)
		}
	}()

	out := c.processor.Process(ctx, msg.Topic, msg.Payload)
	if out == nil || out.Rejected() {
		c.metrics.ObserveMessage(metrics.ResultRejected, 0)
		return
	}
	c.metrics.ObserveMessage(metrics.ResultProcessed, time.Since(msg.Received))
}
