package alarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/metrics"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// 报警级别
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// RecordStore 报警记录持久化接口
type RecordStore interface {
	SaveAlarmRecord(ctx context.Context, record *models.AlarmRecord) error
	ListActiveAlarms(ctx context.Context) ([]*models.AlarmRecord, error)
}

// Notifier 报警外发接口
// 每次状态迁移触发一次即时广播；提醒循环另行发蜂鸣
type Notifier interface {
	BroadcastAlarm(ctx context.Context, deviceID string) error
	Chirp(ctx context.Context, deviceID, code string) error
}

// Machine 报警状态机
//
// 键为 (device_id, code)，状态 Idle → Active → {Snoozed} → Idle。
// 贪睡只压制提醒，不改变 active —— 报警在逻辑上仍然有效。
// 不变量：active=false 时 snoozed_until 必为空。
type Machine struct {
	config   *config.Config
	store    RecordStore
	notifier Notifier
	logger   *zap.Logger

	mu      sync.Mutex
	records map[string]*models.AlarmRecord // key: deviceID + "/" + code

	nowFn func() time.Time
}

// NewMachine 创建报警状态机
func NewMachine(cfg *config.Config, store RecordStore, notifier Notifier, logger *zap.Logger) *Machine {
	return &Machine{
		config:   cfg,
		store:    store,
		notifier: notifier,
		logger:   logger,
		records:  make(map[string]*models.AlarmRecord),
		nowFn:    time.Now,
	}
}

func recordKey(deviceID, code string) string {
	return deviceID + "/" + code
}

// Restore 网关重启后从持久层恢复激活报警
func (m *Machine) Restore(ctx context.Context) error {
	records, err := m.store.ListActiveAlarms(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore active alarms: %w", err)
	}

	m.mu.Lock()
	for _, record := range records {
		copied := *record
		m.records[recordKey(record.DeviceID, record.Code)] = &copied
		metrics.ActiveAlarms.Inc()
	}
	m.mu.Unlock()

	if len(records) > 0 {
		m.logger.Info("Restored active alarms",
			zap.Int("count", len(records)),
		)
	}

	return nil
}

// Assert 条件越限：Idle/Active → Active
// 已 Active 时幂等（不刷新 triggered_at，不重复广播）
func (m *Machine) Assert(ctx context.Context, deviceID, code, severity string, meta map[string]interface{}) error {
	now := m.nowFn()

	m.mu.Lock()
	record, ok := m.records[recordKey(deviceID, code)]
	if ok && record.Active && record.SnoozedUntil == nil {
		m.mu.Unlock()
		return nil
	}
	if !ok {
		record = &models.AlarmRecord{DeviceID: deviceID, Code: code}
		m.records[recordKey(deviceID, code)] = record
		metrics.ActiveAlarms.Inc()
	} else if !record.Active {
		metrics.ActiveAlarms.Inc()
	}
	if record.Active {
		// 贪睡中的重复断言不打断贪睡
		m.mu.Unlock()
		return nil
	}
	record.Severity = severity
	record.Active = true
	record.SnoozedUntil = nil
	record.TriggeredAt = now
	record.ClearedAt = nil
	record.Meta = meta
	snapshot := *record
	m.mu.Unlock()

	m.logger.Warn("Alarm asserted",
		zap.String("device_id", deviceID),
		zap.String("code", code),
		zap.String("severity", severity),
	)

	return m.commit(ctx, &snapshot)
}

// Clear 条件解除：任意状态 → Idle，贪睡一并取消
func (m *Machine) Clear(ctx context.Context, deviceID, code string) error {
	now := m.nowFn()

	m.mu.Lock()
	record, ok := m.records[recordKey(deviceID, code)]
	if !ok || !record.Active {
		m.mu.Unlock()
		return nil
	}
	record.Active = false
	record.SnoozedUntil = nil
	record.ClearedAt = &now
	snapshot := *record
	m.mu.Unlock()

	metrics.ActiveAlarms.Dec()
	m.logger.Info("Alarm cleared",
		zap.String("device_id", deviceID),
		zap.String("code", code),
	)

	return m.commit(ctx, &snapshot)
}

// Snooze 确认/贪睡：Active → Snoozed
// snoozed_until = now + 15min；active 保持 true，只压制提醒
func (m *Machine) Snooze(ctx context.Context, deviceID, code string) error {
	now := m.nowFn()

	m.mu.Lock()
	record, ok := m.records[recordKey(deviceID, code)]
	if !ok || !record.Active {
		m.mu.Unlock()
		return fmt.Errorf("no active alarm to snooze: %s/%s", deviceID, code)
	}
	until := now.Add(m.config.Alarm.SnoozeDuration)
	record.SnoozedUntil = &until
	snapshot := *record
	m.mu.Unlock()

	m.logger.Info("Alarm snoozed",
		zap.String("device_id", deviceID),
		zap.String("code", code),
		zap.Time("snoozed_until", until),
	)

	return m.commit(ctx, &snapshot)
}

// Unsnooze 解除贪睡：条件仍在则立即回到 Active，否则本就该是 Idle
func (m *Machine) Unsnooze(ctx context.Context, deviceID, code string) error {
	m.mu.Lock()
	record, ok := m.records[recordKey(deviceID, code)]
	if !ok || record.SnoozedUntil == nil {
		m.mu.Unlock()
		return nil
	}
	record.SnoozedUntil = nil
	snapshot := *record
	m.mu.Unlock()

	m.logger.Info("Alarm unsnoozed",
		zap.String("device_id", deviceID),
		zap.String("code", code),
	)

	return m.commit(ctx, &snapshot)
}

// commit 落盘并触发即时广播（所有迁移共用的出口）
func (m *Machine) commit(ctx context.Context, record *models.AlarmRecord) error {
	if err := m.store.SaveAlarmRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to persist alarm record: %w", err)
	}
	if err := m.notifier.BroadcastAlarm(ctx, record.DeviceID); err != nil {
		return fmt.Errorf("failed to broadcast alarm: %w", err)
	}
	return nil
}

// Get 读取单条报警记录（副本）
func (m *Machine) Get(deviceID, code string) (*models.AlarmRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[recordKey(deviceID, code)]
	if !ok {
		return nil, false
	}
	snapshot := *record
	return &snapshot, true
}

// ListDevice 列出一台设备的全部报警记录（副本）
func (m *Machine) ListDevice(deviceID string) []*models.AlarmRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []*models.AlarmRecord
	for _, record := range m.records {
		if record.DeviceID == deviceID {
			snapshot := *record
			records = append(records, &snapshot)
		}
	}
	return records
}

// RunReminderLoop 提醒循环
//
// 每个 tick 重新武装定时器（而非一次性定时器），所以报警期间修改
// 提醒间隔会在下一个 tick 生效。tick 内容：
//  1. 贪睡到期的记录重新评估：条件仍在 → 回到 Active 并广播
//  2. 对 active 且未被贪睡压制的记录发蜂鸣
func (m *Machine) RunReminderLoop(ctx context.Context) {
	for {
		timer := time.NewTimer(m.config.Alarm.ReminderInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.Tick(ctx)
		}
	}
}

// Tick 执行一轮提醒评估（循环体单独暴露便于测试）
func (m *Machine) Tick(ctx context.Context) {
	now := m.nowFn()

	type chirpTarget struct {
		deviceID string
		code     string
	}
	var expired []*models.AlarmRecord
	var chirps []chirpTarget

	m.mu.Lock()
	for _, record := range m.records {
		if !record.Active {
			continue
		}
		if record.SnoozedUntil != nil {
			if now.Before(*record.SnoozedUntil) {
				continue // 贪睡压制中
			}
			// 贪睡到期：条件仍在（active 未被 clear），回到 Active
			record.SnoozedUntil = nil
			snapshot := *record
			expired = append(expired, &snapshot)
		}
		chirps = append(chirps, chirpTarget{deviceID: record.DeviceID, code: record.Code})
	}
	m.mu.Unlock()

	for _, record := range expired {
		m.logger.Info("Snooze expired, alarm re-activated",
			zap.String("device_id", record.DeviceID),
			zap.String("code", record.Code),
		)
		if err := m.commit(ctx, record); err != nil {
			m.logger.Warn("Failed to commit snooze expiry", zap.Error(err))
		}
	}

	for _, target := range chirps {
		if err := m.notifier.Chirp(ctx, target.deviceID, target.code); err != nil {
			m.logger.Warn("Failed to emit reminder chirp",
				zap.String("device_id", target.deviceID),
				zap.String("code", target.code),
				zap.Error(err),
			)
		}
	}
}
