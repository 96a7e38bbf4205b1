package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/cache"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type publishedMessage struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

func (f *fakePublisher) Publish(topic string, _ byte, _ bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, publishedMessage{topic: topic, payload: payload})
	return nil
}

func (f *fakePublisher) last(t *testing.T) publishedMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.messages)
	return f.messages[len(f.messages)-1]
}

type staticParams struct {
	sets map[string]models.ParameterSet
}

func (s *staticParams) GetParameterSet(_ context.Context, deviceID string) (models.ParameterSet, error) {
	if set, ok := s.sets[deviceID]; ok {
		return set, nil
	}
	return models.ParameterSet{}, nil
}

type staticDevices struct {
	devices map[string]*models.Device
}

func (s *staticDevices) GetDevice(deviceID string) (*models.Device, bool) {
	d, ok := s.devices[deviceID]
	return d, ok
}

type staticAlarms struct {
	records map[string][]*models.AlarmRecord
}

func (s *staticAlarms) ListDevice(deviceID string) []*models.AlarmRecord {
	return s.records[deviceID]
}

type staticCalibration struct {
	states map[string]string
}

func (s *staticCalibration) State(deviceID string) string {
	if state, ok := s.states[deviceID]; ok {
		return state
	}
	return "Idle"
}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *fakePublisher, *cache.SnapshotCache) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{}
	cfg.MQTT.OutboundPrefix = "reef/"
	cfg.MQTT.QoS = 1
	cfg.Cache.SnapshotKeyPrefix = "reef:device:"
	cfg.Cache.SnapshotSuffix = ":realtime"
	cfg.Cache.ErrorKeyPrefix = "reef:device:"
	cfg.Cache.ErrorSuffix = ":last_error"
	cfg.Cache.SnapshotTTL = 30

	snapshots := cache.NewSnapshotCache(cfg, cache.NewRedisKVStore(client), zap.NewNop())

	publisher := &fakePublisher{}
	params := &staticParams{sets: map[string]models.ParameterSet{
		"heater-01": {"setpoint_c": 25.5},
	}}
	devices := &staticDevices{devices: map[string]*models.Device{
		"heater-01": {ID: "heater-01", Type: models.DeviceTypeHeater, ConnectionState: models.ConnectionOnline},
	}}

	b := NewBroadcaster(cfg, publisher, params, snapshots, devices, zap.NewNop())
	return b, publisher, snapshots
}

func decodeFrame(t *testing.T, raw []byte) (*models.Frame, *StatusMessage) {
	t.Helper()
	frame, err := models.ParseFrame(raw)
	require.NoError(t, err)
	var message StatusMessage
	require.NoError(t, json.Unmarshal(frame.Payload, &message))
	return frame, &message
}

func TestBroadcastStatus_FullAuthoritativeState(t *testing.T) {
	b, publisher, snapshots := newTestBroadcaster(t)
	ctx := context.Background()

	require.NoError(t, snapshots.PutSnapshot(ctx, &models.StatusSnapshot{
		DeviceID: "heater-01",
		Sensors:  map[string]interface{}{"temp_c": 25.4},
	}))

	b.SetAlarmReader(&staticAlarms{records: map[string][]*models.AlarmRecord{
		"heater-01": {{DeviceID: "heater-01", Code: "probe_timeout", Active: true}},
	}})
	b.SetCalibrationReader(&staticCalibration{states: map[string]string{}})

	require.NoError(t, b.BroadcastStatus(ctx, "heater-01"))

	msg := publisher.last(t)
	assert.Equal(t, "reef/heater-01/status", msg.topic)

	frame, status := decodeFrame(t, msg.payload)
	assert.Equal(t, models.ProtocolVersion, frame.Protocol)
	assert.Equal(t, models.FrameTypeStatus, frame.Type)
	assert.Equal(t, "heater-01", frame.ModuleID)

	require.NotNil(t, status.Device)
	assert.Equal(t, models.ConnectionOnline, status.Device.ConnectionState)
	assert.Equal(t, 25.5, status.Params["setpoint_c"])
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, 25.4, status.Snapshot.Sensors["temp_c"])
	require.Len(t, status.Alarms, 1)
	assert.Equal(t, "probe_timeout", status.Alarms[0].Code)

	// 非校准中的设备不携带校准状态
	assert.Empty(t, status.CalibrationState)
}

func TestBroadcastStatus_MissingPartsDoNotBlock(t *testing.T) {
	b, publisher, _ := newTestBroadcaster(t)

	// 未知设备：无会话、无快照、无报警读取器
	require.NoError(t, b.BroadcastStatus(context.Background(), "ghost-01"))

	_, status := decodeFrame(t, publisher.last(t).payload)
	assert.Nil(t, status.Device)
	assert.Nil(t, status.Snapshot)
	assert.Empty(t, status.Params)
}

func TestBroadcastStatus_CarriesCalibrationStateAndLastError(t *testing.T) {
	b, publisher, snapshots := newTestBroadcaster(t)
	ctx := context.Background()

	b.SetCalibrationReader(&staticCalibration{states: map[string]string{
		"heater-01": "Calibrating",
	}})
	require.NoError(t, snapshots.SetLastError(ctx, "heater-01", "validation error"))

	require.NoError(t, b.BroadcastStatus(ctx, "heater-01"))

	_, status := decodeFrame(t, publisher.last(t).payload)
	assert.Equal(t, "Calibrating", status.CalibrationState)
	assert.Equal(t, "validation error", status.LastError)
}

func TestBroadcastAlarmTopic(t *testing.T) {
	b, publisher, _ := newTestBroadcaster(t)

	require.NoError(t, b.BroadcastAlarm(context.Background(), "heater-01"))
	assert.Equal(t, "reef/heater-01/alarm", publisher.last(t).topic)
}

func TestChirpFrame(t *testing.T) {
	b, publisher, _ := newTestBroadcaster(t)

	require.NoError(t, b.Chirp(context.Background(), "heater-01", "probe_timeout"))

	frame, status := decodeFrame(t, publisher.last(t).payload)
	assert.Equal(t, models.FrameTypeAlarm, frame.Type)
	assert.True(t, status.Chirp)
	assert.Equal(t, "probe_timeout", status.AlarmCode)

	// 蜂鸣帧是轻量帧，不携带全量状态
	assert.Nil(t, status.Device)
}

func TestNoticeFrame(t *testing.T) {
	b, publisher, _ := newTestBroadcaster(t)

	require.NoError(t, b.Notice(context.Background(), "roller-01", "calibration_timeout"))

	frame, status := decodeFrame(t, publisher.last(t).payload)
	assert.Equal(t, models.FrameTypeAlarm, frame.Type)
	assert.False(t, status.Chirp)
	assert.Equal(t, "calibration_timeout", status.AlarmCode)
}
