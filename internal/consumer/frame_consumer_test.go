package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memDeviceStore struct{}

func (memDeviceStore) UpsertDevice(_ context.Context, _ *models.Device) error { return nil }
func (memDeviceStore) UpdateConnectionState(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

type memConfirmer struct {
	mu        sync.Mutex
	confirmed []string
}

func (m *memConfirmer) Confirm(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed = append(m.confirmed, deviceID)
}

func (m *memConfirmer) devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.confirmed...)
}

type memEvaluator struct {
	mu        sync.Mutex
	evaluated []string
}

func (m *memEvaluator) Evaluate(_ context.Context, deviceID string, _ *models.StatusSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluated = append(m.evaluated, deviceID)
}

func (m *memEvaluator) devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.evaluated...)
}

type consumerFixture struct {
	*dispatcherFixture
	consumer  *FrameConsumer
	sessions  *session.Manager
	confirmer *memConfirmer
	evaluator *memEvaluator
}

func newConsumerFixture(t *testing.T) *consumerFixture {
	t.Helper()

	base := newDispatcherFixture(t)
	sessions := session.NewManager(base.cfg, memDeviceStore{}, zap.NewNop())
	t.Cleanup(sessions.Stop)
	confirmer := &memConfirmer{}
	statusEvaluator := &memEvaluator{}

	consumer := NewFrameConsumer(base.cfg, nil, base.redisClient, sessions,
		base.snapshots, base.dispatcher, confirmer, statusEvaluator, zap.NewNop())

	return &consumerFixture{
		dispatcherFixture: base,
		consumer:          consumer,
		sessions:          sessions,
		confirmer:         confirmer,
		evaluator:         statusEvaluator,
	}
}

func rawFrame(t *testing.T, deviceID, frameType string, payload interface{}) []byte {
	t.Helper()
	var rawPayload json.RawMessage
	if payload != nil {
		var err error
		rawPayload, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	raw, err := json.Marshal(models.Frame{
		Protocol: models.ProtocolVersion,
		ModuleID: deviceID,
		Type:     frameType,
		SentAt:   time.Now().UTC(),
		Payload:  rawPayload,
	})
	require.NoError(t, err)
	return raw
}

func TestHandleMessage_StatusFrameDrivesSessionAndSnapshot(t *testing.T) {
	f := newConsumerFixture(t)

	raw := rawFrame(t, "heater-01", models.FrameTypeStatus, models.StatusPayload{
		Sensors: map[string]interface{}{"temp_c": 25.4},
		Heater:  &models.HeaterStatus{RelayOn: true},
	})
	require.NoError(t, f.consumer.HandleMessage("reef/heater-01/status", raw))

	assert.True(t, f.sessions.IsOnline("heater-01"))

	snapshot, err := f.snapshots.GetSnapshot(context.Background(), "heater-01")
	require.NoError(t, err)
	assert.Equal(t, 25.4, snapshot.Sensors["temp_c"])
	require.NotNil(t, snapshot.Heater)
	assert.True(t, snapshot.Heater.RelayOn)

	// 每帧 status 都送评估器过一遍阈值
	assert.Equal(t, []string{"heater-01"}, f.evaluator.devices())
}

func TestHandleMessage_ControlFrameSkipsEvaluation(t *testing.T) {
	f := newConsumerFixture(t)

	raw := rawFrame(t, "heater-01", models.FrameTypeControl, map[string]interface{}{
		"command": "ping",
	})
	require.NoError(t, f.consumer.HandleMessage("reef/heater-01/control", raw))
	assert.Empty(t, f.evaluator.devices())
}

func TestHandleMessage_StatusPublishesTelemetryToStream(t *testing.T) {
	f := newConsumerFixture(t)

	raw := rawFrame(t, "ato-01", models.FrameTypeStatus, models.StatusPayload{
		Sensors: map[string]interface{}{"tank_level_ml": 7500.0},
	})
	require.NoError(t, f.consumer.HandleMessage("reef/ato-01/status", raw))

	length, err := f.redisClient.XLen(context.Background(), f.cfg.Stream.Name).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestHandleMessage_ControlFrameDoesNotSetOnline(t *testing.T) {
	f := newConsumerFixture(t)

	raw := rawFrame(t, "heater-01", models.FrameTypeControl, map[string]interface{}{
		"command": "ping",
	})
	require.NoError(t, f.consumer.HandleMessage("reef/heater-01/control", raw))

	// 裸控制应答建档但不置为在线、不算存活证据
	device, ok := f.sessions.GetDevice("heater-01")
	require.True(t, ok)
	assert.Equal(t, models.ConnectionDiscovering, device.ConnectionState)
	assert.False(t, f.sessions.IsOnline("heater-01"))

	// ping 走统一广播路径
	assert.Equal(t, 1, f.broadcaster.statusCount())
}

func TestHandleMessage_CalibratingStatusConfirmsSession(t *testing.T) {
	f := newConsumerFixture(t)

	raw := rawFrame(t, "roller-01", models.FrameTypeStatus, models.StatusPayload{
		CalibrationState: "calibrating",
	})
	require.NoError(t, f.consumer.HandleMessage("reef/roller-01/status", raw))
	assert.Equal(t, []string{"roller-01"}, f.confirmer.devices())
}

func TestHandleMessage_MalformedFrameDropped(t *testing.T) {
	f := newConsumerFixture(t)

	// 坏帧丢弃，不报错，连接保持
	assert.NoError(t, f.consumer.HandleMessage("reef/x/status", []byte(`not json`)))
	assert.NoError(t, f.consumer.HandleMessage("reef/x/status", []byte(`{"type":"status"}`)))
	assert.Empty(t, f.sessions.ListDevices())
}

func TestHandleMessage_ProtocolMismatchStillProcessed(t *testing.T) {
	f := newConsumerFixture(t)

	raw, err := json.Marshal(models.Frame{
		Protocol: "reef-link/99",
		ModuleID: "heater-01",
		Type:     models.FrameTypeStatus,
		SentAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	// 协议串不符只记日志，绝不硬拒
	require.NoError(t, f.consumer.HandleMessage("reef/heater-01/status", raw))
	assert.True(t, f.sessions.IsOnline("heater-01"))
}

func TestHandleMessage_UnknownFrameTypeIgnored(t *testing.T) {
	f := newConsumerFixture(t)

	raw := rawFrame(t, "heater-01", "diagnostics", nil)
	require.NoError(t, f.consumer.HandleMessage("reef/heater-01/diagnostics", raw))

	// 会话仍建档（但未知帧不算设备存活证据）
	_, ok := f.sessions.GetDevice("heater-01")
	assert.True(t, ok)
}
