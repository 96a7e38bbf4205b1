package evaluator

import (
	"context"
	"sync"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// 报警码
const (
	CodeProbeTimeout  = "probe_timeout"
	CodeTempRunaway   = "temp_runaway"
	CodeHeaterTimeout = "heater_timeout"
)

// AlarmSink 报警状态机接口（由 alarm.Machine 实现）
type AlarmSink interface {
	Assert(ctx context.Context, deviceID, code, severity string, meta map[string]interface{}) error
	Clear(ctx context.Context, deviceID, code string) error
}

// ParamsReader 参数集读取接口
type ParamsReader interface {
	GetParameterSet(ctx context.Context, deviceID string) (models.ParameterSet, error)
}

// Evaluator 报警评估器
//
// 每收到一帧 status 就用该设备落盘的阈值参数评估一遍快照，
// 条件越限断言报警、条件解除清除报警。单条规则失败只记日志，
// 不中断其余规则，也不影响其他设备。
type Evaluator struct {
	config *config.Config
	params ParamsReader
	alarms AlarmSink
	logger *zap.Logger

	mu    sync.Mutex
	state map[string]*deviceState

	// 规则评估器
	probeTimeout *ProbeTimeoutRule  // 探头失联检测
	tempRunaway  *TempRunawayRule   // 温度失控检测
	heaterRun    *HeaterRuntimeRule // 加热持续过久检测

	nowFn func() time.Time
}

// deviceState 跨帧保留的评估状态
type deviceState struct {
	lastProbeAt   time.Time
	heaterOnSince time.Time
}

// ruleInput 单帧评估输入
type ruleInput struct {
	params    models.ParameterSet
	now       time.Time
	probeTemp *float64
	heater    *models.HeaterStatus
	state     *deviceState
}

// NewEvaluator 创建评估器
func NewEvaluator(cfg *config.Config, params ParamsReader, alarms AlarmSink, logger *zap.Logger) *Evaluator {
	e := &Evaluator{
		config: cfg,
		params: params,
		alarms: alarms,
		logger: logger,
		state:  make(map[string]*deviceState),
		nowFn:  time.Now,
	}

	// 初始化规则评估器
	e.probeTimeout = NewProbeTimeoutRule(e)
	e.tempRunaway = NewTempRunawayRule(e)
	e.heaterRun = NewHeaterRuntimeRule(e)

	return e
}

// Evaluate 用设备的阈值参数评估一帧状态快照
func (e *Evaluator) Evaluate(ctx context.Context, deviceID string, snapshot *models.StatusSnapshot) {
	params, err := e.params.GetParameterSet(ctx, deviceID)
	if err != nil {
		e.logger.Warn("Failed to load parameters for evaluation",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}

	now := snapshot.TakenAt
	if now.IsZero() {
		now = e.nowFn()
	}

	in := &ruleInput{
		params:    params,
		now:       now,
		probeTemp: probeReading(snapshot, now),
		heater:    snapshot.Heater,
		state:     e.stateFor(deviceID),
	}

	if err := e.probeTimeout.Evaluate(ctx, deviceID, in); err != nil {
		e.logger.Error("Failed to evaluate probe timeout rule",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	if err := e.tempRunaway.Evaluate(ctx, deviceID, in); err != nil {
		e.logger.Error("Failed to evaluate temp runaway rule",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	if err := e.heaterRun.Evaluate(ctx, deviceID, in); err != nil {
		e.logger.Error("Failed to evaluate heater runtime rule",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// Forget 丢弃设备的跨帧评估状态（设备离线或被运维清除时调用，
// 重连后从首帧重新建立连续性，避免用断连前的计时误断言）
func (e *Evaluator) Forget(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.state, deviceID)
}

func (e *Evaluator) stateFor(deviceID string) *deviceState {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.state[deviceID]
	if !ok {
		state = &deviceState{}
		e.state[deviceID] = state
	}
	return state
}

// probeReading 从快照传感器字段取标准化的探头温度读数
func probeReading(snapshot *models.StatusSnapshot, ts time.Time) *float64 {
	for _, reading := range models.DecodeTelemetry(snapshot.Sensors, ts) {
		if reading.Name == "probe_temp" {
			value := reading.Value
			return &value
		}
	}
	return nil
}
