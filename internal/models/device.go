package models

import "time"

// 设备类型
const (
	DeviceTypeHeater = "heater"
	DeviceTypeFilter = "filter"
	DeviceTypeATO    = "ato"
	DeviceTypeSensor = "sensor"
)

// 连接状态
const (
	ConnectionOnline      = "Online"
	ConnectionOffline     = "Offline"
	ConnectionDiscovering = "Discovering"
)

// Device 设备
// 收到首帧时创建；只会被标记离线，不会被删除（运维清除除外）
type Device struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Label           string    `json:"label"`
	ConnectionState string    `json:"connection_state"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// ParameterSet 设备参数集
// 读到的永远是最后一次通过校验的完整写入，不存在半套参数
type ParameterSet map[string]float64

// Clone 拷贝参数集（写入路径持有私有副本，避免读写共享）
func (p ParameterSet) Clone() ParameterSet {
	clone := make(ParameterSet, len(p))
	for name, value := range p {
		clone[name] = value
	}
	return clone
}

// AlarmRecord 报警记录
// 键为 (device_id, code)，每个键至多一条
// active=false 时 snoozed_until 必为空
type AlarmRecord struct {
	DeviceID     string                 `json:"device_id"`
	Code         string                 `json:"code"`
	Severity     string                 `json:"severity"`
	Active       bool                   `json:"active"`
	SnoozedUntil *time.Time             `json:"snoozed_until,omitempty"`
	TriggeredAt  time.Time              `json:"triggered_at"`
	ClearedAt    *time.Time             `json:"cleared_at,omitempty"`
	Meta         map[string]interface{} `json:"meta,omitempty"`
}

// Snoozed 当前是否处于贪睡压制中
func (a *AlarmRecord) Snoozed(now time.Time) bool {
	return a.Active && a.SnoozedUntil != nil && now.Before(*a.SnoozedUntil)
}
