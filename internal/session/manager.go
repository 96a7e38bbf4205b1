package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/metrics"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// DeviceStore 设备持久化接口
type DeviceStore interface {
	UpsertDevice(ctx context.Context, device *models.Device) error
	UpdateConnectionState(ctx context.Context, deviceID, state string, lastSeenAt time.Time) error
}

// Manager 会话管理器
//
// 每台设备一个会话条目，显式持有在本表里（不使用进程级单例缓存）。
// 完全被动：模组侧固定间隔重连，网关绝不主动拨出。
// 心跳定时器与设备生命周期绑定，设备被清除时定时器一并取消。
type Manager struct {
	config *config.Config
	store  DeviceStore
	logger *zap.Logger

	mu      sync.RWMutex
	devices map[string]*deviceEntry

	// 离线级联回调（校准会话悬挂处理等），报警不在此自动清除
	onOffline func(deviceID string)
	// 上线回调（连接建立时对外广播一次权威状态）
	onOnline func(deviceID string)

	nowFn func() time.Time
}

type deviceEntry struct {
	device    models.Device
	heartbeat *time.Timer
}

// NewManager 创建会话管理器
func NewManager(cfg *config.Config, store DeviceStore, logger *zap.Logger) *Manager {
	return &Manager{
		config:  cfg,
		store:   store,
		logger:  logger,
		devices: make(map[string]*deviceEntry),
		nowFn:   time.Now,
	}
}

// SetOfflineHook 注册离线级联回调
func (m *Manager) SetOfflineHook(hook func(deviceID string)) {
	m.onOffline = hook
}

// SetOnlineHook 注册上线回调
func (m *Manager) SetOnlineHook(hook func(deviceID string)) {
	m.onOnline = hook
}

// OnFrame 处理入站帧
//
// 只有设备侧发出的帧（status/alarm）刷新 lastSeenAt 并重置心跳定时器；
// 仪表盘下发的控制帧不算设备存活证据，持续发指令不能无限推迟离线判定。
// Offline/Discovering → Online 只在收到完整 status 帧后发生，
// 裸控制应答不能把设备置为在线。
func (m *Manager) OnFrame(ctx context.Context, deviceID, frameType string) *models.Device {
	now := m.nowFn()
	deviceOriginated := frameType == models.FrameTypeStatus || frameType == models.FrameTypeAlarm

	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if !ok {
		// 首帧即建档
		entry = &deviceEntry{
			device: models.Device{
				ID:              deviceID,
				Type:            inferDeviceType(deviceID),
				Label:           deviceID,
				ConnectionState: models.ConnectionDiscovering,
			},
		}
		m.devices[deviceID] = entry
	}

	wentOnline := false
	if deviceOriginated {
		entry.device.LastSeenAt = now
		if entry.device.ConnectionState != models.ConnectionOnline && frameType == models.FrameTypeStatus {
			entry.device.ConnectionState = models.ConnectionOnline
			wentOnline = true
		}
		m.armHeartbeatLocked(deviceID, entry)
	}

	device := entry.device
	m.mu.Unlock()

	if wentOnline {
		metrics.OnlineDevices.Inc()
		m.logger.Info("Device online",
			zap.String("device_id", deviceID),
			zap.String("device_type", device.Type),
		)
		if m.onOnline != nil {
			m.onOnline(deviceID)
		}
	}

	if err := m.store.UpsertDevice(ctx, &device); err != nil {
		m.logger.Warn("Failed to persist device",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	return &device
}

// armHeartbeatLocked 重置心跳定时器（须持有 m.mu）
func (m *Manager) armHeartbeatLocked(deviceID string, entry *deviceEntry) {
	if entry.heartbeat != nil {
		entry.heartbeat.Stop()
	}
	entry.heartbeat = time.AfterFunc(m.config.Session.HeartbeatTimeout, func() {
		m.markOffline(deviceID)
	})
}

// markOffline 心跳超时：Online → Offline
// 级联策略：校准会话留待其自身5分钟期限处理，报警不自动清除
func (m *Manager) markOffline(deviceID string) {
	now := m.nowFn()

	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if !ok || entry.device.ConnectionState != models.ConnectionOnline {
		m.mu.Unlock()
		return
	}
	entry.device.ConnectionState = models.ConnectionOffline
	m.mu.Unlock()

	metrics.OnlineDevices.Dec()
	m.logger.Warn("Device heartbeat lost, marking offline",
		zap.String("device_id", deviceID),
		zap.Duration("timeout", m.config.Session.HeartbeatTimeout),
	)

	if err := m.store.UpdateConnectionState(context.Background(), deviceID, models.ConnectionOffline, now); err != nil {
		m.logger.Warn("Failed to persist offline state",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	if m.onOffline != nil {
		m.onOffline(deviceID)
	}
}

// GetDevice 获取设备会话视图
func (m *Manager) GetDevice(deviceID string) (*models.Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.devices[deviceID]
	if !ok {
		return nil, false
	}
	device := entry.device
	return &device, true
}

// IsOnline 设备当前是否在线
func (m *Manager) IsOnline(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.devices[deviceID]
	return ok && entry.device.ConnectionState == models.ConnectionOnline
}

// ListDevices 列出全部会话中的设备
func (m *Manager) ListDevices() []*models.Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devices := make([]*models.Device, 0, len(m.devices))
	for _, entry := range m.devices {
		device := entry.device
		devices = append(devices, &device)
	}
	return devices
}

// Purge 运维清除设备：取消心跳定时器并移出会话表
func (m *Manager) Purge(deviceID string) {
	m.mu.Lock()
	entry, ok := m.devices[deviceID]
	if ok {
		if entry.heartbeat != nil {
			entry.heartbeat.Stop()
		}
		if entry.device.ConnectionState == models.ConnectionOnline {
			metrics.OnlineDevices.Dec()
		}
		delete(m.devices, deviceID)
	}
	m.mu.Unlock()
}

// Stop 停止全部心跳定时器
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.devices {
		if entry.heartbeat != nil {
			entry.heartbeat.Stop()
		}
	}
}

// inferDeviceType 从模组ID前缀推断设备类型（如 "heater-01" → heater）
func inferDeviceType(deviceID string) string {
	prefix := deviceID
	if idx := strings.IndexByte(deviceID, '-'); idx > 0 {
		prefix = deviceID[:idx]
	}
	switch prefix {
	case models.DeviceTypeHeater, models.DeviceTypeFilter, models.DeviceTypeATO:
		return prefix
	case "roller":
		return models.DeviceTypeFilter
	default:
		return models.DeviceTypeSensor
	}
}
