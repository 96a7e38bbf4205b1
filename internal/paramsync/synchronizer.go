package paramsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/metrics"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// ErrValidation 参数校验失败（整批拒绝，旧值保留）
var ErrValidation = errors.New("validation error")

// Broadcaster 状态广播接口（由 broadcast 包实现）
type Broadcaster interface {
	BroadcastStatus(ctx context.Context, deviceID string) error
}

// ParamsStore 参数集持久化接口
type ParamsStore interface {
	GetParameterSet(ctx context.Context, deviceID string) (models.ParameterSet, error)
	SaveParameterSet(ctx context.Context, deviceID string, params models.ParameterSet) error
}

// Synchronizer 参数/状态同步器
//
// 核心不变量：任何成功写入都在同一条 apply 路径内先落盘、再同步触发一次状态广播。
// 外部观察者不可能看到已落盘参数与状态回显不一致。
//
// 纯读命令（config_request / status_request / ping 等）复用同一条广播路径，
// 读侧与写侧的出口完全统一。
type Synchronizer struct {
	config      *config.Config
	registry    *Registry
	store       ParamsStore
	broadcaster Broadcaster
	logger      *zap.Logger

	// 每台设备一个待写槽位：防抖窗口内只保留最新一笔
	mu      sync.Mutex
	pending map[string]*pendingWrite

	// 每台设备一把 apply 锁：读改写 + 广播串行化，同设备最多一笔在途
	applyMu sync.Mutex
	applies map[string]*sync.Mutex
}

type pendingWrite struct {
	payload *models.ControlPayload
	timer   *time.Timer
}

// NewSynchronizer 创建同步器
func NewSynchronizer(
	cfg *config.Config,
	registry *Registry,
	store ParamsStore,
	broadcaster Broadcaster,
	logger *zap.Logger,
) *Synchronizer {
	return &Synchronizer{
		config:      cfg,
		registry:    registry,
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		pending:     make(map[string]*pendingWrite),
		applies:     make(map[string]*sync.Mutex),
	}
}

func (s *Synchronizer) deviceLock(deviceID string) *sync.Mutex {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	lock, ok := s.applies[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		s.applies[deviceID] = lock
	}
	return lock
}

// ApplyCommand 校验并应用一条控制命令，返回实际生效的参数集合
//
// 两种请求形态（单参数 / 批量）归一化后走同一条路径。
// 未知参数名记日志后丢弃，不算错误；类型不匹配整批拒绝。
// 写入是整体性的：要么全部生效，要么全部不生效。
func (s *Synchronizer) ApplyCommand(ctx context.Context, deviceID, command string, payload *models.ControlPayload) (models.ParameterSet, error) {
	switch command {
	case models.CommandSetParam, models.CommandSetParameter:
		return s.applyWrite(ctx, deviceID, payload)
	case models.CommandConfigRequest, models.CommandManifestRequest,
		models.CommandStatusRequest, models.CommandPing:
		// 纯读命令：不改状态，只触发一次当前状态广播
		if err := s.broadcaster.BroadcastStatus(ctx, deviceID); err != nil {
			return nil, fmt.Errorf("failed to broadcast status: %w", err)
		}
		metrics.CommandsApplied.WithLabelValues(command).Inc()
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unsupported command %q", ErrValidation, command)
	}
}

// validatePairs 整批校验：别名解析 → 类型检查 → 范围收敛
// 未知参数记日志后丢弃，不是错误；类型不匹配整批拒绝
func (s *Synchronizer) validatePairs(deviceID string, pairs map[string]interface{}) (models.ParameterSet, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: empty parameter write", ErrValidation)
	}

	accepted := models.ParameterSet{}
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := s.registry.Resolve(name)
		if def == nil {
			// 未知参数：记日志后丢弃，不是错误
			s.logger.Warn("Dropping unknown parameter",
				zap.String("device_id", deviceID),
				zap.String("param", name),
			)
			continue
		}

		value, ok := toNumber(pairs[name])
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q expects a number", ErrValidation, name)
		}

		accepted[def.Name] = def.Clamp(value)
	}

	return accepted, nil
}

func (s *Synchronizer) applyWrite(ctx context.Context, deviceID string, payload *models.ControlPayload) (models.ParameterSet, error) {
	accepted, err := s.validatePairs(deviceID, payload.Pairs())
	if err != nil {
		return nil, err
	}

	// 同设备串行：读改写与回显广播在一把锁内完成，最多一笔 apply 在途
	lock := s.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.store.GetParameterSet(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parameter set: %w", err)
	}

	merged := current.Clone()
	changed := false
	for name, value := range accepted {
		if prev, ok := merged[name]; !ok || prev != value {
			merged[name] = value
			changed = true
		}
	}

	// 重复写同值只产生一次逻辑状态变化
	if changed {
		if err := s.store.SaveParameterSet(ctx, deviceID, merged); err != nil {
			return nil, fmt.Errorf("failed to persist parameter set: %w", err)
		}
	}

	// 落盘与状态回显在同一条 apply 路径内完成
	if err := s.broadcaster.BroadcastStatus(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("failed to broadcast status: %w", err)
	}

	metrics.CommandsApplied.WithLabelValues(models.CommandSetParam).Inc()

	s.logger.Info("Applied parameter write",
		zap.String("device_id", deviceID),
		zap.Int("accepted", len(accepted)),
		zap.Bool("changed", changed),
	)

	return accepted, nil
}

// QueueWrite 防抖写入：窗口（默认600ms）内只保留最新一笔，旧的待写直接作废
//
// 这是系统中唯一允许多写者竞争的地方，冲突策略是显式的
// "窗口内最后一笔获胜"，而非到达线路先后。
// 校验同步完成：非法写当场拒绝，不进窗口；合法写在窗口到期后落盘并回显。
func (s *Synchronizer) QueueWrite(deviceID string, payload *models.ControlPayload) error {
	if _, err := s.validatePairs(deviceID, payload.Pairs()); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cell, ok := s.pending[deviceID]; ok {
		cell.timer.Stop()
		cell.payload = payload
		cell.timer = s.newFlushTimer(deviceID)
		return nil
	}

	s.pending[deviceID] = &pendingWrite{
		payload: payload,
		timer:   s.newFlushTimer(deviceID),
	}
	return nil
}

func (s *Synchronizer) newFlushTimer(deviceID string) *time.Timer {
	return time.AfterFunc(s.config.Sync.DebounceWindow, func() {
		s.flush(deviceID)
	})
}

func (s *Synchronizer) flush(deviceID string) {
	s.mu.Lock()
	cell, ok := s.pending[deviceID]
	if ok {
		delete(s.pending, deviceID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if _, err := s.ApplyCommand(context.Background(), deviceID, cell.payload.Command, cell.payload); err != nil {
		s.logger.Warn("Debounced write failed",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// CancelPending 取消设备的待写（设备被清除时调用，避免悬挂定时器）
func (s *Synchronizer) CancelPending(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cell, ok := s.pending[deviceID]; ok {
		cell.timer.Stop()
		delete(s.pending, deviceID)
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
