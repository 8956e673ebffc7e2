package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"servo-monitor/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type receivedFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startHub(t *testing.T) (*Hub, *httptest.Server) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(16, 16, zap.NewNop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server) *websocket.Conn {
	before := hub.ClientCount()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() > before }, time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) receivedFrame {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f receivedFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func subscribe(t *testing.T, conn *websocket.Conn, deviceID string) {
	require.NoError(t, conn.WriteJSON(controlFrame{Action: ActionSubscribe, DeviceID: deviceID}))
	ack := readFrame(t, conn)
	require.Equal(t, EventSubscribed, ack.Event)
}

func testReading(deviceID string) *models.Reading {
	return &models.Reading{
		DeviceID:    deviceID,
		Temperature: 85,
		Vibration:   1,
		Current:     3,
		RPM:         2000,
		HealthScore: 37.5,
		Timestamp:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestHub_BroadcastsReadingThenAlert(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)
	ctx := context.Background()

	alert := &models.Alert{
		DeviceID:  "M1",
		Type:      models.AlertTypeTemperature,
		Severity:  models.SeverityCritical,
		Message:   "Critical: Temperature 85.00°C exceeds maximum threshold (80°C)",
		Value:     85,
		Threshold: 80,
		Timestamp: time.Now(),
	}
	require.NoError(t, hub.PublishReading(ctx, testReading("M1"), []models.AlertSummary{alert.Summary()}))
	require.NoError(t, hub.PublishAlert(ctx, alert))

	first := readFrame(t, conn)
	assert.Equal(t, EventSensorData, first.Event)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(first.Data, &data))
	assert.Equal(t, "M1", data["deviceId"])
	assert.Equal(t, 37.5, data["healthScore"])
	alerts := data["alerts"].([]interface{})
	require.Len(t, alerts, 1)
	assert.Equal(t, "temperature", alerts[0].(map[string]interface{})["type"])

	second := readFrame(t, conn)
	assert.Equal(t, EventAlert, second.Event)
	var ev models.AlertEvent
	require.NoError(t, json.Unmarshal(second.Data, &ev))
	assert.Equal(t, "M1", ev.DeviceID)
	assert.Equal(t, 85.0, ev.Value)
	assert.Equal(t, 80.0, ev.Threshold)
}

func TestHub_EmptyAlertsSerializeAsArray(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)

	require.NoError(t, hub.PublishReading(context.Background(), testReading("M1"), nil))

	f := readFrame(t, conn)
	assert.Contains(t, string(f.Data), `"alerts":[]`)
}

func TestHub_DeviceScopedDelivery(t *testing.T) {
	hub, srv := startHub(t)
	scoped := dial(t, hub, srv)
	all := dial(t, hub, srv)
	subscribe(t, scoped, "M2")

	ctx := context.Background()
	require.NoError(t, hub.PublishReading(ctx, testReading("M1"), nil))
	require.NoError(t, hub.PublishReading(ctx, testReading("M2"), nil))

	// 未订阅的客户端收到全部设备
	var got []string
	for i := 0; i < 2; i++ {
		var r models.Reading
		require.NoError(t, json.Unmarshal(readFrame(t, all).Data, &r))
		got = append(got, r.DeviceID)
	}
	assert.Equal(t, []string{"M1", "M2"}, got)

	// 订阅了 M2 的客户端只收到 M2
	var r models.Reading
	require.NoError(t, json.Unmarshal(readFrame(t, scoped).Data, &r))
	assert.Equal(t, "M2", r.DeviceID)
}

func TestHub_UnsubscribeRestoresAllDevices(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)
	subscribe(t, conn, "M2")

	require.NoError(t, conn.WriteJSON(controlFrame{Action: ActionUnsubscribe, DeviceID: "M2"}))
	ack := readFrame(t, conn)
	assert.Equal(t, EventSubscribed, ack.Event)
	assert.JSONEq(t, `{"devices":[]}`, string(ack.Data))

	require.NoError(t, hub.PublishReading(context.Background(), testReading("M9"), nil))
	assert.Equal(t, EventSensorData, readFrame(t, conn).Event)
}

func TestHub_NoSubscribersIsNotAnError(t *testing.T) {
	hub, _ := startHub(t)

	for i := 0; i < 100; i++ {
		assert.NoError(t, hub.PublishReading(context.Background(), testReading("M1"), nil))
	}
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHub_QueueFullDropsWithoutBlocking(t *testing.T) {
	// 不启动 Run，队列不会被消费
	hub := NewHub(1, 1, zap.NewNop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = hub.PublishReading(context.Background(), testReading("M1"), nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full queue")
	}
	assert.Len(t, hub.broadcast, 1)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, hub, srv)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(4, 4, zap.NewNop())

	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}
