package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/cache"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/metrics"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/mqtt"

	"go.uber.org/zap"
)

// ParamsReader 参数集读取接口
type ParamsReader interface {
	GetParameterSet(ctx context.Context, deviceID string) (models.ParameterSet, error)
}

// DeviceReader 设备会话视图读取接口
type DeviceReader interface {
	GetDevice(deviceID string) (*models.Device, bool)
}

// AlarmReader 报警记录读取接口
type AlarmReader interface {
	ListDevice(deviceID string) []*models.AlarmRecord
}

// CalibrationReader 校准状态读取接口
type CalibrationReader interface {
	State(deviceID string) string
}

// StatusMessage 出站 status/alarm 帧载荷：权威全量状态快照
type StatusMessage struct {
	Device           *models.Device         `json:"device,omitempty"`
	Params           models.ParameterSet    `json:"params,omitempty"`
	Snapshot         *models.StatusSnapshot `json:"snapshot,omitempty"`
	Alarms           []*models.AlarmRecord  `json:"alarms,omitempty"`
	CalibrationState string                 `json:"calibration_state,omitempty"`
	LastError        string                 `json:"last_error,omitempty"`

	// 提醒蜂鸣字段（仅 chirp 帧携带）
	Chirp     bool   `json:"chirp,omitempty"`
	AlarmCode string `json:"alarm_code,omitempty"`
}

// Broadcaster 状态广播器
//
// 全系统唯一的状态出口：参数写入、报警迁移、校准结束、连接建立
// 和周期心跳回显都走这一条路径，保证外部观察到的永远是
// 已落盘状态的完整回显。
type Broadcaster struct {
	config    *config.Config
	publisher mqtt.Publisher
	params    ParamsReader
	snapshots *cache.SnapshotCache
	devices   DeviceReader
	logger    *zap.Logger

	// 构造后注入（避免与报警/校准组件互相引用）
	alarms      AlarmReader
	calibration CalibrationReader
}

// NewBroadcaster 创建广播器
func NewBroadcaster(
	cfg *config.Config,
	publisher mqtt.Publisher,
	params ParamsReader,
	snapshots *cache.SnapshotCache,
	devices DeviceReader,
	logger *zap.Logger,
) *Broadcaster {
	return &Broadcaster{
		config:    cfg,
		publisher: publisher,
		params:    params,
		snapshots: snapshots,
		devices:   devices,
		logger:    logger,
	}
}

// SetAlarmReader 注入报警读取器
func (b *Broadcaster) SetAlarmReader(alarms AlarmReader) {
	b.alarms = alarms
}

// SetCalibrationReader 注入校准状态读取器
func (b *Broadcaster) SetCalibrationReader(calibration CalibrationReader) {
	b.calibration = calibration
}

// BroadcastStatus 发布一次权威全量状态
func (b *Broadcaster) BroadcastStatus(ctx context.Context, deviceID string) error {
	return b.publish(ctx, deviceID, models.FrameTypeStatus, nil)
}

// BroadcastAlarm 报警迁移后的即时广播
func (b *Broadcaster) BroadcastAlarm(ctx context.Context, deviceID string) error {
	return b.publish(ctx, deviceID, models.FrameTypeAlarm, nil)
}

// Chirp 提醒蜂鸣
func (b *Broadcaster) Chirp(ctx context.Context, deviceID, code string) error {
	return b.publish(ctx, deviceID, models.FrameTypeAlarm, &StatusMessage{
		Chirp:     true,
		AlarmCode: code,
	})
}

// Notice 说明性通知（校准超时等），以 alarm 帧外发
func (b *Broadcaster) Notice(ctx context.Context, deviceID, code string) error {
	return b.publish(ctx, deviceID, models.FrameTypeAlarm, &StatusMessage{
		AlarmCode: code,
	})
}

func (b *Broadcaster) publish(ctx context.Context, deviceID, frameType string, override *StatusMessage) error {
	message := override
	if message == nil {
		message = b.buildStatus(ctx, deviceID)
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal status message: %w", err)
	}

	frame := models.Frame{
		Protocol: models.ProtocolVersion,
		ModuleID: deviceID,
		Type:     frameType,
		SentAt:   time.Now().UTC(),
		Payload:  payload,
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	topic := b.config.MQTT.OutboundPrefix + deviceID + "/" + frameType
	if err := b.publisher.Publish(topic, b.config.MQTT.QoS, false, raw); err != nil {
		return fmt.Errorf("failed to publish %s frame: %w", frameType, err)
	}

	metrics.BroadcastsSent.Inc()
	b.logger.Debug("Broadcast sent",
		zap.String("device_id", deviceID),
		zap.String("type", frameType),
	)

	return nil
}

// buildStatus 组装权威全量状态
// 任何一部分读取失败都不阻塞广播，缺失部分留空
func (b *Broadcaster) buildStatus(ctx context.Context, deviceID string) *StatusMessage {
	message := &StatusMessage{}

	if device, ok := b.devices.GetDevice(deviceID); ok {
		message.Device = device
	}

	if params, err := b.params.GetParameterSet(ctx, deviceID); err == nil && len(params) > 0 {
		message.Params = params
	} else if err != nil {
		b.logger.Warn("Failed to read parameter set for broadcast",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	if snapshot, err := b.snapshots.GetSnapshot(ctx, deviceID); err == nil {
		message.Snapshot = snapshot
	}

	if b.alarms != nil {
		message.Alarms = b.alarms.ListDevice(deviceID)
	}

	if b.calibration != nil {
		if state := b.calibration.State(deviceID); state != "Idle" {
			message.CalibrationState = state
		}
	}

	message.LastError = b.snapshots.GetLastError(ctx, deviceID)

	return message
}
