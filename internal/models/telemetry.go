package models

import (
	"encoding/json"
	"time"
)

// 遥测读数类别（边界处解码为带标签联合，消费方不再做字段試探）
const (
	ReadingProbe    = "probe"    // 探头读数（温度等，单位 °C）
	ReadingLevel    = "level"    // 液位/累计量读数（ml / mm / edges）
	ReadingComputed = "computed" // 设备侧推导值（运行时长等）
)

// TelemetryReading 标准化遥测读数
type TelemetryReading struct {
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// fieldMapping 厂商字段名 → 标准读数的映射表
// 同一传感器在不同固件版本里字段名不同，全部映射收敛在这一张表里
type fieldMapping struct {
	Kind string
	Name string
	Unit string
}

var telemetryFieldTable = map[string]fieldMapping{
	// 探头类
	"temp_c":      {Kind: ReadingProbe, Name: "probe_temp", Unit: "c"},
	"temperature": {Kind: ReadingProbe, Name: "probe_temp", Unit: "c"},
	"probe_c":     {Kind: ReadingProbe, Name: "probe_temp", Unit: "c"},
	"aux_temp_c":  {Kind: ReadingProbe, Name: "aux_probe_temp", Unit: "c"},

	// 液位/累计量类
	"tank_level_ml":  {Kind: ReadingLevel, Name: "tank_level", Unit: "ml"},
	"ato_tank_level": {Kind: ReadingLevel, Name: "tank_level", Unit: "ml"},
	"level_ml":       {Kind: ReadingLevel, Name: "tank_level", Unit: "ml"},
	"spool_edges":    {Kind: ReadingLevel, Name: "spool_edges", Unit: "edges"},
	"edge_count":     {Kind: ReadingLevel, Name: "spool_edges", Unit: "edges"},
	"media_used_mm":  {Kind: ReadingLevel, Name: "media_used", Unit: "mm"},
	"advance_mm":     {Kind: ReadingLevel, Name: "advance_delta", Unit: "mm"},
	"dose_ml":        {Kind: ReadingLevel, Name: "dose_delta", Unit: "ml"},

	// 设备侧推导值类
	"pump_runtime_ms":   {Kind: ReadingComputed, Name: "pump_runtime", Unit: "ms"},
	"run_duration_ms":   {Kind: ReadingComputed, Name: "pump_runtime", Unit: "ms"},
	"heater_on_seconds": {Kind: ReadingComputed, Name: "heater_on_time", Unit: "s"},
	"duty_cycle":        {Kind: ReadingComputed, Name: "duty_cycle", Unit: "ratio"},
}

// DecodeTelemetry 将状态载荷中的原始传感器字段解码为标准读数
// 未知字段直接忽略（未来固件可能新增字段，老网关不应因此报错）
func DecodeTelemetry(sensors map[string]interface{}, ts time.Time) []TelemetryReading {
	var readings []TelemetryReading
	for field, raw := range sensors {
		mapping, known := telemetryFieldTable[field]
		if !known {
			continue
		}
		value, ok := toFloat(raw)
		if !ok {
			continue
		}
		readings = append(readings, TelemetryReading{
			Kind:      mapping.Kind,
			Name:      mapping.Name,
			Value:     value,
			Unit:      mapping.Unit,
			Timestamp: ts,
		})
	}
	return readings
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// HeaterStatus 加热子对象
type HeaterStatus struct {
	RelayOn   bool    `json:"relay_on"`
	DutyCycle float64 `json:"duty_cycle"`
}

// PumpStatus 补水泵子对象
type PumpStatus struct {
	Running   bool    `json:"running"`
	RuntimeMs float64 `json:"runtime_ms"`
}

// SpoolStatus 滤棉辊子对象
type SpoolStatus struct {
	EdgeCount float64 `json:"edge_count"`
	FullEdges float64 `json:"full_edges"`
}

// StatusSnapshot 设备状态快照
// 同一设备的新快照整体取代旧快照，绝不做字段级合并；
// 下游永远不会把两个快照拼成一个逻辑状态来读
type StatusSnapshot struct {
	DeviceID string                 `json:"device_id"`
	TakenAt  time.Time              `json:"taken_at"`
	Sensors  map[string]interface{} `json:"sensors,omitempty"`
	Heater   *HeaterStatus          `json:"heater,omitempty"`
	Pump     *PumpStatus            `json:"pump,omitempty"`
	Spool    *SpoolStatus           `json:"spool,omitempty"`
}

// StatusPayload 入站 status 帧载荷
type StatusPayload struct {
	Sensors map[string]interface{} `json:"sensors,omitempty"`
	Heater  *HeaterStatus          `json:"heater,omitempty"`
	Pump    *PumpStatus            `json:"pump,omitempty"`
	Spool   *SpoolStatus           `json:"spool,omitempty"`

	// 校准中的设备在 status 里回报当前阶段（如 "calibrating"）
	CalibrationState string `json:"calibration_state,omitempty"`
}
