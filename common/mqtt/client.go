package mqtt

import (
	"fmt"
	"sync"
	"time"

	"servo-monitor/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const defaultReconnectPeriod = time.Second

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client MQTT客户端封装
// 断线后由 paho 按固定间隔自动重连，每次连接成功都会按原样重新订阅所有主题
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu            sync.RWMutex
	subscriptions map[string]subscription
}

// NewClient 创建MQTT客户端并连接
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}

	c.client = mqtt.NewClient(c.clientOptions())

	// ConnectRetry 开启后 token 在连上之前不会完成，这里只等待首个超时窗口
	token := c.client.Connect()
	if !token.WaitTimeout(c.connectWait()) {
		logger.Warn("MQTT broker not reachable yet, retrying in background",
			zap.String("broker", cfg.Broker),
		)
		return c, nil
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return c, nil
}

func (c *Client) connectWait() time.Duration {
	if c.config.ConnectTimeout > 0 {
		return c.config.ConnectTimeout
	}
	return 10 * time.Second
}

// clientOptions 构建 paho 连接参数
func (c *Client) clientOptions() *mqtt.ClientOptions {
	period := c.config.ReconnectPeriod
	if period <= 0 {
		period = defaultReconnectPeriod
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
	}
	if c.config.Password != "" {
		opts.SetPassword(c.config.Password)
	}
	if c.config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.config.ConnectTimeout)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(period)
	opts.SetMaxReconnectInterval(period)

	opts.SetOnConnectHandler(c.handleConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("Reconnecting to MQTT broker", zap.String("broker", c.config.Broker))
	})

	return opts
}

// handleConnect 连接（含重连）成功后重新订阅
func (c *Client) handleConnect(client mqtt.Client) {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	c.mu.RUnlock()

	c.logger.Info("Connected to MQTT broker",
		zap.String("broker", c.config.Broker),
		zap.Int("subscriptions", len(subs)),
	)

	for topic, sub := range subs {
		token := client.Subscribe(topic, sub.qos, c.wrap(sub.handler))
		if token.Wait() && token.Error() != nil {
			c.logger.Error("Failed to re-subscribe after connect",
				zap.String("topic", topic),
				zap.Error(token.Error()),
			)
			continue
		}
		c.logger.Info("Subscribed to topic", zap.String("topic", topic))
	}
}

func (c *Client) wrap(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
}

// Subscribe 订阅主题，并登记以便重连后恢复
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		// 尚未连上，连接建立后由 handleConnect 统一订阅
		c.logger.Info("MQTT not connected, subscription deferred", zap.String("topic", topic))
		return nil
	}

	if token := c.client.Subscribe(topic, qos, c.wrap(handler)); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}

	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
