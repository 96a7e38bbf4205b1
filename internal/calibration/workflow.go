package calibration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/repository"

	"go.uber.org/zap"
)

// 会话状态
const (
	StateIdle             = "Idle"
	StateAwaitingStartAck = "AwaitingStartAck"
	StateCalibrating      = "Calibrating"
)

var (
	// ErrBusy 设备已有未结束的校准会话
	ErrBusy = errors.New("calibration session already in progress")
	// ErrOffline 设备离线时拒绝发起校准（显式策略：立即拒绝，不排队等重连）
	ErrOffline = errors.New("device is offline")
	// ErrNotCalibrating finish 仅在 Calibrating 状态下有效
	ErrNotCalibrating = errors.New("no calibration in progress")
	// ErrConfirmTimeout 设备未在限期内确认进入校准
	ErrConfirmTimeout = errors.New("device did not confirm calibration start")
)

// Session 校准会话（每台设备至多一个非 Idle 会话）
type Session struct {
	DeviceID         string
	State            string
	SampleStartEdges float64
	SampleLengthMm   float64
	DeadlineAt       time.Time

	confirmed chan struct{}
	deadline  *time.Timer
}

// ResultStore 校准结果持久化接口
type ResultStore interface {
	SaveResult(ctx context.Context, result *repository.CalibrationResult) error
	GetResult(ctx context.Context, deviceID string) (*repository.CalibrationResult, error)
}

// SessionGate 会话在线检查接口（由会话管理器实现）
type SessionGate interface {
	IsOnline(deviceID string) bool
}

// Notifier 校准事件外发接口
// 超时强制回 Idle 时发一条说明性通知；finish 成功后广播一次新配置
type Notifier interface {
	BroadcastStatus(ctx context.Context, deviceID string) error
	Notice(ctx context.Context, deviceID, code string) error
}

// Workflow 校准流程状态机
//
// Idle → AwaitingStartAck → Calibrating → {Finishing|Cancelled|TimedOut} → Idle。
// 互斥：会话表条目即每设备锁，start 在已有非 Idle 会话时直接拒绝。
// 设备确认通过通知通道 + 限时等待完成，不做轮询；
// 等待失败只影响发起方，网关侧会话保留到5分钟硬期限。
type Workflow struct {
	config   *config.Config
	results  ResultStore
	gate     SessionGate
	notifier Notifier
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	nowFn func() time.Time
}

// NewWorkflow 创建校准流程状态机
func NewWorkflow(cfg *config.Config, results ResultStore, gate SessionGate, notifier Notifier, logger *zap.Logger) *Workflow {
	return &Workflow{
		config:   cfg,
		results:  results,
		gate:     gate,
		notifier: notifier,
		logger:   logger,
		sessions: make(map[string]*Session),
		nowFn:    time.Now,
	}
}

// Start 发起校准会话
//
// sampleStartEdges：发起时的边沿计数；sampleLengthMm：本次拉样长度。
// 设备已有非 Idle 会话 → ErrBusy；设备离线 → ErrOffline。
func (w *Workflow) Start(ctx context.Context, deviceID string, sampleStartEdges, sampleLengthMm float64) (*Session, error) {
	if !w.gate.IsOnline(deviceID) {
		return nil, ErrOffline
	}
	if sampleLengthMm <= 0 {
		return nil, fmt.Errorf("sample length must be positive: %v", sampleLengthMm)
	}

	w.mu.Lock()
	if existing, ok := w.sessions[deviceID]; ok && existing.State != StateIdle {
		w.mu.Unlock()
		return nil, ErrBusy
	}

	now := w.nowFn()
	session := &Session{
		DeviceID:         deviceID,
		State:            StateAwaitingStartAck,
		SampleStartEdges: sampleStartEdges,
		SampleLengthMm:   sampleLengthMm,
		DeadlineAt:       now.Add(w.config.Calibration.Deadline),
		confirmed:        make(chan struct{}),
	}
	session.deadline = time.AfterFunc(w.config.Calibration.Deadline, func() {
		w.timeout(deviceID)
	})
	w.sessions[deviceID] = session
	w.mu.Unlock()

	w.logger.Info("Calibration session started",
		zap.String("device_id", deviceID),
		zap.Float64("start_edges", sampleStartEdges),
		zap.Float64("sample_length_mm", sampleLengthMm),
		zap.Time("deadline_at", session.DeadlineAt),
	)

	return session, nil
}

// Confirm 设备在 status 帧里回报已进入校准：AwaitingStartAck → Calibrating
func (w *Workflow) Confirm(deviceID string) {
	w.mu.Lock()
	session, ok := w.sessions[deviceID]
	if !ok || session.State != StateAwaitingStartAck {
		w.mu.Unlock()
		return
	}
	session.State = StateCalibrating
	close(session.confirmed)
	w.mu.Unlock()

	w.logger.Info("Calibration confirmed by device",
		zap.String("device_id", deviceID),
	)
}

// WaitForConfirm 限时等待设备确认
//
// 超时返回 ErrConfirmTimeout，但网关侧会话不因此终止 ——
// 发起方可以放弃，会话仍保留到硬期限或显式 cancel。
func (w *Workflow) WaitForConfirm(ctx context.Context, deviceID string) error {
	w.mu.Lock()
	session, ok := w.sessions[deviceID]
	if !ok || session.State == StateIdle {
		w.mu.Unlock()
		return ErrNotCalibrating
	}
	if session.State == StateCalibrating {
		w.mu.Unlock()
		return nil
	}
	confirmed := session.confirmed
	w.mu.Unlock()

	select {
	case <-confirmed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.config.Calibration.ConfirmWait):
		return ErrConfirmTimeout
	}
}

// Finish 完成校准
//
// 仅在 Calibrating 状态下有效。targetLengthMm=0 表示沿用上次存储的目标长度。
// fullEdges = measuredEdges * (targetLengthMm / sampleLengthMm)，
// 落盘后会话回 Idle 并广播一次新配置。
func (w *Workflow) Finish(ctx context.Context, deviceID string, currentEdges, targetLengthMm float64) (*repository.CalibrationResult, error) {
	w.mu.Lock()
	session, ok := w.sessions[deviceID]
	if !ok || session.State != StateCalibrating {
		w.mu.Unlock()
		return nil, ErrNotCalibrating
	}
	startEdges := session.SampleStartEdges
	sampleLengthMm := session.SampleLengthMm
	w.closeSessionLocked(deviceID, session)
	w.mu.Unlock()

	if targetLengthMm == 0 {
		prev, err := w.results.GetResult(ctx, deviceID)
		if err != nil {
			return nil, fmt.Errorf("no stored length to reuse: %w", err)
		}
		targetLengthMm = prev.TargetLengthMm
	}

	measuredEdges := currentEdges - startEdges
	if measuredEdges <= 0 {
		return nil, fmt.Errorf("%w: no edges measured during calibration", ErrNotCalibrating)
	}

	result := &repository.CalibrationResult{
		DeviceID:       deviceID,
		FullEdges:      measuredEdges * (targetLengthMm / sampleLengthMm),
		SampleLengthMm: sampleLengthMm,
		TargetLengthMm: targetLengthMm,
	}

	if err := w.results.SaveResult(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to persist calibration result: %w", err)
	}

	if err := w.notifier.BroadcastStatus(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("failed to broadcast config after calibration: %w", err)
	}

	w.logger.Info("Calibration finished",
		zap.String("device_id", deviceID),
		zap.Float64("measured_edges", measuredEdges),
		zap.Float64("full_edges", result.FullEdges),
	)

	return result, nil
}

// Cancel 取消校准：AwaitingStartAck/Calibrating → Idle，不落盘任何数据
func (w *Workflow) Cancel(ctx context.Context, deviceID string) error {
	w.mu.Lock()
	session, ok := w.sessions[deviceID]
	if !ok || session.State == StateIdle {
		w.mu.Unlock()
		return nil
	}
	w.closeSessionLocked(deviceID, session)
	w.mu.Unlock()

	w.logger.Info("Calibration cancelled",
		zap.String("device_id", deviceID),
	)

	return nil
}

// timeout 期限到达：未结束的会话强制回 Idle（等同 cancel），并发一条说明性通知
func (w *Workflow) timeout(deviceID string) {
	w.mu.Lock()
	session, ok := w.sessions[deviceID]
	if !ok || session.State == StateIdle {
		w.mu.Unlock()
		return
	}
	w.closeSessionLocked(deviceID, session)
	w.mu.Unlock()

	w.logger.Warn("Calibration session timed out",
		zap.String("device_id", deviceID),
	)

	if err := w.notifier.Notice(context.Background(), deviceID, "calibration_timeout"); err != nil {
		w.logger.Warn("Failed to emit calibration timeout notice",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// closeSessionLocked 结束会话并取消期限定时器（须持有 w.mu）
func (w *Workflow) closeSessionLocked(deviceID string, session *Session) {
	if session.deadline != nil {
		session.deadline.Stop()
	}
	delete(w.sessions, deviceID)
}

// State 查询设备当前校准状态（无会话时为 Idle）
func (w *Workflow) State(deviceID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	session, ok := w.sessions[deviceID]
	if !ok {
		return StateIdle
	}
	return session.State
}

// Stop 停止全部会话定时器
func (w *Workflow) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for deviceID, session := range w.sessions {
		if session.deadline != nil {
			session.deadline.Stop()
		}
		delete(w.sessions, deviceID)
	}
}
