package models

import "time"

// 用量信号来源（按可信度降序）
const (
	UsageSourceAbsoluteLevel     = "absolute_level"     // 绝对累计量采样（复位前单调）
	UsageSourceEventLog          = "event_log"          // 事件日志增量
	UsageSourceDurationHeuristic = "duration_heuristic" // 时长启发式推算，最低保真
)

// UsageEvent 用量事件
type UsageEvent struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Quantity  float64   `json:"quantity"`
	Unit      string    `json:"unit"`
	Source    string    `json:"source"`
}

// UsagePoint 序列输出点
type UsagePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// UsageBucket 固定宽度聚合桶
// aggregated_quantity 恒非负；累计视图在同一复位纪元内单调不减
type UsageBucket struct {
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	ActivationCount    int       `json:"activation_count"`
	AggregatedQuantity float64   `json:"aggregated_quantity"`
}

// UsageSeries 对账后的用量序列
// Valid 为 false 表示该窗口没有可展示的数据（宁可报空也不画一条零线）
type UsageSeries struct {
	DeviceID string       `json:"device_id"`
	Source   string       `json:"source"`
	Points   []UsagePoint `json:"points"`
	MinValue float64      `json:"min_value"`
	MaxValue float64      `json:"max_value"`
	Valid    bool         `json:"valid"`
}
