package broadcast

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// 客户端控制帧
const (
	ActionSubscribe   = "subscribe-device"
	ActionUnsubscribe = "unsubscribe-device"
)

// controlFrame 客户端发来的订阅控制消息
type controlFrame struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId"`
}

// Client 单个 websocket 订阅者
// 没有订阅任何设备时接收全部设备的事件
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	devices map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, buffer),
		devices: make(map[string]struct{}),
	}
}

func (c *Client) remoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *Client) wants(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.devices) == 0 {
		return true
	}
	_, ok := c.devices[deviceID]
	return ok
}

func (c *Client) subscribe(deviceID string) {
	c.mu.Lock()
	c.devices[deviceID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(deviceID string) {
	c.mu.Lock()
	delete(c.devices, deviceID)
	c.mu.Unlock()
}

// Devices 当前订阅的设备
func (c *Client) Devices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.devices))
	for id := range c.devices {
		out = append(out, id)
	}
	return out
}

// handleControl 处理订阅控制帧，处理完回一条 subscribed 确认
func (c *Client) handleControl(raw []byte) {
	var frame controlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.hub.logger.Debug("Ignoring malformed client frame", zap.String("remote", c.remoteAddr()), zap.Error(err))
		return
	}
	deviceID := strings.TrimSpace(frame.DeviceID)
	if deviceID == "" {
		return
	}

	switch frame.Action {
	case ActionSubscribe:
		c.subscribe(deviceID)
	case ActionUnsubscribe:
		c.unsubscribe(deviceID)
	default:
		c.hub.logger.Debug("Unknown client action", zap.String("action", frame.Action))
		return
	}

	ack, err := json.Marshal(Frame{Event: EventSubscribed, Data: map[string]interface{}{"devices": c.Devices()}})
	if err != nil {
		return
	}
	c.hub.reply(c, ack)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.handleControl(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
