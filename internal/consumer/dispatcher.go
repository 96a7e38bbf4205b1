package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/alarm"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/cache"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/calibration"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/paramsync"

	"go.uber.org/zap"
)

// 未指定拉样长度时的默认值（毫米）
const defaultSampleLengthMm = 10000

// BaselineWriter 复位基线写入接口（spool_reset / ato_tank_refill 指令复位）
type BaselineWriter interface {
	SetBaseline(ctx context.Context, deviceID string, baseline time.Time) error
}

// StatusBroadcaster 状态广播接口
type StatusBroadcaster interface {
	BroadcastStatus(ctx context.Context, deviceID string) error
}

// Dispatcher 控制命令分发器
//
// 把控制帧路由到各状态机。所有失败都吸收在这里：
// 失败写入该设备的"最近错误"，下一次成功操作时清除；
// 错误通过下一次广播反映，不向上抛。
type Dispatcher struct {
	sync        *paramsync.Synchronizer
	alarms      *alarm.Machine
	calibration *calibration.Workflow
	snapshots   *cache.SnapshotCache
	baselines   BaselineWriter
	broadcaster StatusBroadcaster
	logger      *zap.Logger
}

// NewDispatcher 创建命令分发器
func NewDispatcher(
	sync *paramsync.Synchronizer,
	alarms *alarm.Machine,
	cal *calibration.Workflow,
	snapshots *cache.SnapshotCache,
	baselines BaselineWriter,
	broadcaster StatusBroadcaster,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		sync:        sync,
		alarms:      alarms,
		calibration: cal,
		snapshots:   snapshots,
		baselines:   baselines,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Dispatch 分发一条控制帧
func (d *Dispatcher) Dispatch(ctx context.Context, frame *models.Frame) error {
	payload, err := models.ParseControlPayload(frame.Payload)
	if err != nil {
		d.logger.Warn("Dropping control frame with bad payload",
			zap.String("device_id", frame.ModuleID),
			zap.Error(err),
		)
		return nil
	}

	deviceID := frame.ModuleID
	err = d.route(ctx, deviceID, payload)
	if err != nil {
		// 失败吸收在组件边界：记录为设备最近错误，由下一次广播反映
		d.logger.Warn("Command failed",
			zap.String("device_id", deviceID),
			zap.String("command", payload.Command),
			zap.Error(err),
		)
		if cacheErr := d.snapshots.SetLastError(ctx, deviceID, err.Error()); cacheErr != nil {
			d.logger.Warn("Failed to record device error", zap.Error(cacheErr))
		}
		return nil
	}

	// 成功操作清除设备错误
	if cacheErr := d.snapshots.ClearLastError(ctx, deviceID); cacheErr != nil {
		d.logger.Debug("Failed to clear device error", zap.Error(cacheErr))
	}

	return nil
}

func (d *Dispatcher) route(ctx context.Context, deviceID string, payload *models.ControlPayload) error {
	switch payload.Command {
	case models.CommandSetParam, models.CommandSetParameter:
		return d.routeWrite(ctx, deviceID, payload)

	case models.CommandConfigRequest, models.CommandManifestRequest,
		models.CommandStatusRequest, models.CommandPing:
		_, err := d.sync.ApplyCommand(ctx, deviceID, payload.Command, payload)
		return err

	case models.CommandAlarmAcknowledge, models.CommandAlarmSnooze:
		// acknowledge 与 snooze 等价：压制提醒，不改变 active
		if payload.AlarmCode == "" {
			return errors.New("alarm command requires alarm_code")
		}
		return d.alarms.Snooze(ctx, deviceID, payload.AlarmCode)

	case models.CommandAlarmUnsnooze:
		if payload.AlarmCode == "" {
			return errors.New("alarm command requires alarm_code")
		}
		return d.alarms.Unsnooze(ctx, deviceID, payload.AlarmCode)

	// 动作名也可作为顶层 command 出现（与 set_param 动作参数形态等价）
	case models.CommandCalibrateStart:
		return d.runAction(ctx, deviceID, models.CommandCalibrateStart, payload.SampleLengthMm)

	case models.CommandCalibrateFinish:
		return d.runAction(ctx, deviceID, models.CommandCalibrateFinish, payload.TargetLengthMm)

	case models.CommandCalibrateCancel:
		return d.calibration.Cancel(ctx, deviceID)

	case models.CommandSpoolReset, models.CommandTankRefill:
		return d.commandedReset(ctx, deviceID)

	default:
		return fmt.Errorf("%w: unsupported command %q", paramsync.ErrValidation, payload.Command)
	}
}

// 动作参数的固定执行顺序（同一批里出现多个动作时）
var actionParamOrder = []string{
	models.CommandCalibrateStart,
	models.CommandCalibrateFinish,
	models.CommandCalibrateCancel,
	models.CommandSpoolReset,
	models.CommandTankRefill,
}

func isActionParam(name string) bool {
	for _, action := range actionParamOrder {
		if name == action {
			return true
		}
	}
	return false
}

// routeWrite 处理 set_param / set_parameter
//
// 参数表里的动作名（spool_calibrate_start/finish/cancel、spool_reset、
// ato_tank_refill）在写入路径上到达：先从整批里拆出动作立即执行，
// 余下的普通写进防抖窗口，由窗口到期后的 flush 统一落盘并回显。
func (d *Dispatcher) routeWrite(ctx context.Context, deviceID string, payload *models.ControlPayload) error {
	pairs := payload.Pairs()

	actions := make(map[string]float64)
	writes := make(map[string]interface{}, len(pairs))
	for name, raw := range pairs {
		if !isActionParam(name) {
			writes[name] = raw
			continue
		}
		value, ok := toActionValue(raw)
		if !ok {
			return fmt.Errorf("%w: parameter %q expects a number", paramsync.ErrValidation, name)
		}
		actions[name] = value
	}

	for _, name := range actionParamOrder {
		value, ok := actions[name]
		if !ok {
			continue
		}
		if err := d.runAction(ctx, deviceID, name, value); err != nil {
			return err
		}
	}

	if len(writes) == 0 {
		if len(actions) > 0 {
			return nil
		}
		return fmt.Errorf("%w: empty parameter write", paramsync.ErrValidation)
	}

	return d.sync.QueueWrite(deviceID, &models.ControlPayload{
		Command: payload.Command,
		Params:  writes,
	})
}

// runAction 执行一个动作：触发状态机，不写参数集
// 长度类动作的数值携带毫米数（start=拉样长度、finish=目标全长），
// 1/0 之类的占位值表示用默认或存量值。
func (d *Dispatcher) runAction(ctx context.Context, deviceID, name string, value float64) error {
	switch name {
	case models.CommandCalibrateStart:
		sampleLength := float64(defaultSampleLengthMm)
		if value > 1 {
			sampleLength = value
		}
		_, err := d.calibration.Start(ctx, deviceID, d.currentEdges(ctx, deviceID), sampleLength)
		return err

	case models.CommandCalibrateFinish:
		var targetLength float64
		if value > 1 {
			targetLength = value
		}
		_, err := d.calibration.Finish(ctx, deviceID, d.currentEdges(ctx, deviceID), targetLength)
		return err

	case models.CommandCalibrateCancel:
		return d.calibration.Cancel(ctx, deviceID)

	case models.CommandSpoolReset, models.CommandTankRefill:
		return d.commandedReset(ctx, deviceID)
	}
	return fmt.Errorf("%w: unknown action %q", paramsync.ErrValidation, name)
}

// commandedReset 指令复位：基线推进到当前时刻，
// "自上次复位以来"的视图从此处起算
func (d *Dispatcher) commandedReset(ctx context.Context, deviceID string) error {
	if err := d.baselines.SetBaseline(ctx, deviceID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record commanded reset: %w", err)
	}
	return d.broadcaster.BroadcastStatus(ctx, deviceID)
}

func toActionValue(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// currentEdges 从最新快照读取当前边沿计数（无快照时为 0）
func (d *Dispatcher) currentEdges(ctx context.Context, deviceID string) float64 {
	snapshot, err := d.snapshots.GetSnapshot(ctx, deviceID)
	if err != nil || snapshot.Spool == nil {
		return 0
	}
	return snapshot.Spool.EdgeCount
}
