package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"servo-monitor/internal/config"
	"servo-monitor/internal/evaluator"
	"servo-monitor/internal/models"
	"servo-monitor/internal/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockReadingStore 是 ReadingStore 的 mock 实现
type MockReadingStore struct {
	mock.Mock
}

func (m *MockReadingStore) InsertReading(ctx context.Context, reading *models.Reading) error {
	args := m.Called(ctx, reading)
	return args.Error(0)
}

// MockAlertStore 是 AlertStore 的 mock 实现
type MockAlertStore struct {
	mock.Mock
}

func (m *MockAlertStore) InsertAlert(ctx context.Context, alert *models.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

// fakeBroadcaster 记录推送顺序
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
	frames []interface{}
	err    error
}

func (f *fakeBroadcaster) PublishReading(_ context.Context, r *models.Reading, alerts []models.AlertSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "sensor-data:"+r.DeviceID)
	f.frames = append(f.frames, models.NewSensorDataEvent(r, alerts))
	return f.err
}

func (f *fakeBroadcaster) PublishAlert(_ context.Context, a *models.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "alert:"+string(a.Type))
	f.frames = append(f.frames, a.Event())
	return f.err
}

func (f *fakeBroadcaster) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeCache struct {
	stored []*models.Reading
	err    error
}

func (f *fakeCache) StoreLatest(_ context.Context, r *models.Reading) error {
	f.stored = append(f.stored, r)
	return f.err
}

type fakeNotifier struct {
	alerts []*models.Alert
}

func (f *fakeNotifier) Notify(_ context.Context, a *models.Alert) error {
	f.alerts = append(f.alerts, a)
	return nil
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type ingestorFixture struct {
	ingestor    *Ingestor
	readings    *MockReadingStore
	alerts      *MockAlertStore
	broadcaster *fakeBroadcaster
	cache       *fakeCache
	notifier    *fakeNotifier
}

func newIngestorFixture(t *testing.T) *ingestorFixture {
	f := &ingestorFixture{
		readings:    &MockReadingStore{},
		alerts:      &MockAlertStore{},
		broadcaster: &fakeBroadcaster{},
		cache:       &fakeCache{},
		notifier:    &fakeNotifier{},
	}
	f.ingestor = NewIngestor(IngestorDeps{
		Evaluator:   evaluator.NewEvaluator(config.Default().Thresholds),
		Readings:    f.readings,
		Alerts:      f.alerts,
		Broadcaster: f.broadcaster,
		Cache:       f.cache,
		Notifier:    f.notifier,
		Logger:      zap.NewNop(),
	})
	f.ingestor.now = func() time.Time { return fixedNow }
	seq := 0
	f.ingestor.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	t.Cleanup(func() {
		f.readings.AssertExpectations(t)
		f.alerts.AssertExpectations(t)
	})
	return f
}

func TestIngestor_CriticalTemperature(t *testing.T) {
	f := newIngestorFixture(t)
	f.readings.On("InsertReading", mock.Anything, mock.AnythingOfType("*models.Reading")).Return(nil).Once()
	f.alerts.On("InsertAlert", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(nil).Twice()

	out := f.ingestor.Process(context.Background(), "servo-motor/M1/data",
		[]byte(`{"deviceId":"M1","temperature":85,"vibration":1,"current":3,"rpm":2000}`))

	require.NoError(t, out.Err())
	assert.Equal(t, []Stage{StageReceived, StageValidated, StageScored, StageEvaluated, StagePersisted, StageBroadcast, StageDone}, out.Stages)

	r := out.Reading
	assert.Equal(t, "id-1", r.ReadingID)
	assert.Equal(t, fixedNow, r.Timestamp)
	assert.Equal(t, 37.5, r.HealthScore)

	var temp []*models.Alert
	for _, a := range out.Alerts {
		if a.Type == models.AlertTypeTemperature {
			temp = append(temp, a)
		}
	}
	require.Len(t, temp, 1)
	assert.Equal(t, models.SeverityCritical, temp[0].Severity)
	assert.Equal(t, 85.0, temp[0].Value)
	assert.Equal(t, 80.0, temp[0].Threshold)
	assert.Contains(t, temp[0].Message, "85.00")
	assert.Equal(t, fixedNow, temp[0].Timestamp)
	assert.NotEmpty(t, temp[0].AlertID)

	// 37.5 低于健康分严重阈值
	require.Len(t, out.Alerts, 2)
	assert.Equal(t, models.AlertTypeHealth, out.Alerts[1].Type)

	assert.Equal(t, []string{"sensor-data:M1", "alert:temperature", "alert:health"}, f.broadcaster.snapshot())
	assert.Len(t, f.cache.stored, 1)
	assert.Len(t, f.notifier.alerts, 2)
}

func TestIngestor_SensorDataCarriesAlertSummaries(t *testing.T) {
	f := newIngestorFixture(t)
	f.readings.On("InsertReading", mock.Anything, mock.Anything).Return(nil)
	f.alerts.On("InsertAlert", mock.Anything, mock.Anything).Return(nil)

	out := f.ingestor.Process(context.Background(), "servo-motor/M1/data",
		[]byte(`{"deviceId":"M1","temperature":45,"vibration":1.5,"current":5,"rpm":2500,"timestamp":"2026-02-28T08:30:00Z"}`))
	require.NoError(t, out.Err())

	assert.Equal(t, 40.94, out.Reading.HealthScore)
	assert.Equal(t, time.Date(2026, 2, 28, 8, 30, 0, 0, time.UTC), out.Reading.Timestamp.UTC())

	require.Len(t, f.broadcaster.frames, 2)
	ev := f.broadcaster.frames[0].(models.SensorDataEvent)
	require.Len(t, ev.Alerts, 1)
	assert.Equal(t, models.AlertSummary{
		Type:     models.AlertTypeHealth,
		Severity: models.SeverityCritical,
		Message:  "Critical: Health score 40.94% is below critical threshold (50)",
	}, ev.Alerts[0])

	alertEv := f.broadcaster.frames[1].(models.AlertEvent)
	assert.Equal(t, "M1", alertEv.DeviceID)
	assert.Equal(t, 40.94, alertEv.Value)
	assert.Equal(t, 50.0, alertEv.Threshold)
}

func TestIngestor_NoAlerts(t *testing.T) {
	f := newIngestorFixture(t)
	f.readings.On("InsertReading", mock.Anything, mock.Anything).Return(nil).Once()

	out := f.ingestor.Process(context.Background(), "servo-motor/M1/data",
		[]byte(`{"deviceId":"M1","temperature":2,"vibration":0.1,"current":0.2,"rpm":2790}`))
	require.NoError(t, out.Err())

	assert.Empty(t, out.Alerts)
	assert.Equal(t, []string{"sensor-data:M1"}, f.broadcaster.snapshot())
	ev := f.broadcaster.frames[0].(models.SensorDataEvent)
	assert.NotNil(t, ev.Alerts)
	assert.Empty(t, ev.Alerts)
	f.alerts.AssertNotCalled(t, "InsertAlert", mock.Anything, mock.Anything)
}

func TestIngestor_MissingFieldRejected(t *testing.T) {
	f := newIngestorFixture(t)

	out := f.ingestor.Process(context.Background(), "servo-motor/M1/data",
		[]byte(`{"deviceId":"M1","temperature":85,"vibration":1,"current":3}`))

	assert.True(t, out.Rejected())
	assert.True(t, errors.Is(out.Err(), validator.ErrInvalidPayload))
	assert.Equal(t, []Stage{StageReceived, StageRejected, StageDone}, out.Stages)
	assert.Nil(t, out.Reading)
	assert.Empty(t, f.broadcaster.snapshot())
	assert.Empty(t, f.cache.stored)
	f.readings.AssertNotCalled(t, "InsertReading", mock.Anything, mock.Anything)
}

func TestIngestor_ReadingPersistFailureStillBroadcasts(t *testing.T) {
	f := newIngestorFixture(t)
	dbErr := errors.New("connection reset")
	f.readings.On("InsertReading", mock.Anything, mock.Anything).Return(dbErr).Once()
	f.alerts.On("InsertAlert", mock.Anything, mock.Anything).Return(nil).Twice()

	out := f.ingestor.Process(context.Background(), "servo-motor/M1/data",
		[]byte(`{"deviceId":"M1","temperature":85,"vibration":1,"current":3,"rpm":2000}`))

	assert.True(t, out.Reached(StagePersistFailed))
	assert.False(t, out.Reached(StagePersisted))
	assert.True(t, out.Reached(StageBroadcast))
	assert.True(t, out.Reached(StageDone))
	assert.True(t, errors.Is(out.Err(), dbErr))
	assert.Equal(t, []string{"sensor-data:M1", "alert:temperature", "alert:health"}, f.broadcaster.snapshot())
}

func TestIngestor_AlertPersistFailureDoesNotStopOtherAlerts(t *testing.T) {
	f := newIngestorFixture(t)
	f.readings.On("InsertReading", mock.Anything, mock.Anything).Return(nil).Once()
	f.alerts.On("InsertAlert", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.Type == models.AlertTypeTemperature
	})).Return(errors.New("constraint violation")).Once()
	f.alerts.On("InsertAlert", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.Type == models.AlertTypeHealth
	})).Return(nil).Once()

	out := f.ingestor.Process(context.Background(), "servo-motor/M1/data",
		[]byte(`{"deviceId":"M1","temperature":85,"vibration":1,"current":3,"rpm":2000}`))

	require.Len(t, out.PersistErrors, 1)
	assert.True(t, out.Reached(StagePersistFailed))
	assert.Len(t, f.broadcaster.snapshot(), 3)
}

func TestIngestor_BroadcastAndCacheErrorsAreRecorded(t *testing.T) {
	f := newIngestorFixture(t)
	f.broadcaster.err = errors.New("hub gone")
	f.cache.err = errors.New("redis down")
	f.readings.On("InsertReading", mock.Anything, mock.Anything).Return(nil).Once()

	out := f.ingestor.Process(context.Background(), "servo-motor/M1/data",
		[]byte(`{"deviceId":"M1","temperature":2,"vibration":0.1,"current":0.2,"rpm":2790}`))

	assert.Error(t, out.BroadcastErr)
	assert.Error(t, out.CacheErr)
	assert.True(t, out.Reached(StagePersisted))
	assert.True(t, out.Reached(StageDone))
}

func TestIngestor_MalformedMessageDoesNotAffectOthers(t *testing.T) {
	f := newIngestorFixture(t)
	f.readings.On("InsertReading", mock.Anything, mock.Anything).Return(nil).Times(4)

	payloads := []string{
		`{"deviceId":"M1","temperature":2,"vibration":0.1,"current":0.2,"rpm":2790}`,
		`{"deviceId":"M2","temperature":2,"vibration":0.1,"current":0.2,"rpm":2790}`,
		`{"deviceId":"M3","temperature":"hot","vibration":0.2,"current":1,"rpm":2790}`,
		`{"deviceId":"M4","temperature":2,"vibration":0.1,"current":0.2,"rpm":2790}`,
		`{"deviceId":"M5","temperature":2,"vibration":0.1,"current":0.2,"rpm":2790}`,
	}

	rejected := 0
	for _, p := range payloads {
		if f.ingestor.Process(context.Background(), "servo-motor/x/data", []byte(p)).Rejected() {
			rejected++
		}
	}

	assert.Equal(t, 1, rejected)
	assert.Equal(t, []string{"sensor-data:M1", "sensor-data:M2", "sensor-data:M4", "sensor-data:M5"}, f.broadcaster.snapshot())
}

func TestDeviceFromTopic(t *testing.T) {
	assert.Equal(t, "M1", DeviceFromTopic("servo-motor/M1/data"))
	assert.Equal(t, "M1", DeviceFromTopic("plant/a/servo-motor/M1/data"))
	assert.Equal(t, "", DeviceFromTopic("servo-motor/M1/status"))
	assert.Equal(t, "", DeviceFromTopic("data"))
}
