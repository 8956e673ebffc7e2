package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"servo-monitor/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 推送事件名
const (
	EventSensorData = "sensor-data"
	EventAlert      = "alert"
	EventSubscribed = "subscribed"
)

// Frame 推送给订阅者的消息帧
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type envelope struct {
	deviceID string
	data     []byte
}

type directMessage struct {
	client *Client
	data   []byte
}

// Hub websocket 订阅者集合
// 推送为至多一次：没有订阅者或队列已满时直接丢弃
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
	done       chan struct{}

	clientBuffer int
	upgrader     websocket.Upgrader
	logger       *zap.Logger

	mu    sync.RWMutex
	count int

	// OnClientsChanged 在线人数变化回调（用于指标）
	OnClientsChanged func(n int)
}

// NewHub 创建 Hub；queueSize 为广播队列容量，clientBuffer 为每个客户端发送缓冲
func NewHub(queueSize, clientBuffer int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	if clientBuffer <= 0 {
		clientBuffer = 256
	}
	return &Hub{
		clients:      make(map[*Client]struct{}),
		broadcast:    make(chan envelope, queueSize),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		direct:       make(chan directMessage),
		done:         make(chan struct{}),
		clientBuffer: clientBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run 事件循环，ctx 取消后关闭所有客户端并返回
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.updateCount()
			h.logger.Info("WebSocket client registered", zap.String("remote", client.remoteAddr()))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				h.logger.Info("WebSocket client unregistered", zap.String("remote", client.remoteAddr()))
			}

		case msg := <-h.direct:
			// client.send 只在这里和 broadcast 分支写入，只在 remove 中关闭
			if _, ok := h.clients[msg.client]; ok {
				select {
				case msg.client.send <- msg.data:
				default:
				}
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if !client.wants(msg.deviceID) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					h.logger.Warn("WebSocket client send buffer full, removing",
						zap.String("remote", client.remoteAddr()),
					)
					h.remove(client)
				}
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.updateCount()
}

func (h *Hub) updateCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	n := h.count
	h.mu.Unlock()
	if h.OnClientsChanged != nil {
		h.OnClientsChanged(n)
	}
}

// ClientCount 当前在线订阅者数量
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// PublishReading 推送 sensor-data 事件
func (h *Hub) PublishReading(_ context.Context, reading *models.Reading, alerts []models.AlertSummary) error {
	return h.enqueue(reading.DeviceID, Frame{
		Event: EventSensorData,
		Data:  models.NewSensorDataEvent(reading, alerts),
	})
}

// PublishAlert 推送 alert 事件
func (h *Hub) PublishAlert(_ context.Context, alert *models.Alert) error {
	return h.enqueue(alert.DeviceID, Frame{
		Event: EventAlert,
		Data:  alert.Event(),
	})
}

// enqueue 非阻塞入队；队列满视为无人接收，丢弃不报错
func (h *Hub) enqueue(deviceID string, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", frame.Event, err)
	}

	select {
	case h.broadcast <- envelope{deviceID: deviceID, data: data}:
	default:
		h.logger.Debug("Broadcast queue full, dropping frame",
			zap.String("event", frame.Event),
			zap.String("device_id", deviceID),
		)
	}
	return nil
}

// ServeWS 升级 HTTP 连接并注册订阅者
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, h.clientBuffer)

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// reply 单独回复某个客户端
func (h *Hub) reply(client *Client, data []byte) {
	select {
	case h.direct <- directMessage{client: client, data: data}:
	case <-h.done:
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
