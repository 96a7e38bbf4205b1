package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// 协议版本标识（不匹配时仅记录日志，不拒收）
const ProtocolVersion = "reef-link/1"

// 帧类型
const (
	FrameTypeStatus  = "status"
	FrameTypeAlarm   = "alarm"
	FrameTypeControl = "control"
)

// 控制命令枚举
const (
	CommandSetParam         = "set_param"
	CommandSetParameter     = "set_parameter"
	CommandAlarmAcknowledge = "alarm_acknowledge"
	CommandAlarmSnooze      = "alarm_snooze"
	CommandAlarmUnsnooze    = "alarm_unsnooze"
	CommandConfigRequest    = "config_request"
	CommandManifestRequest  = "module_manifest_request"
	CommandStatusRequest    = "status_request"
	CommandPing             = "ping"
	CommandCalibrateStart   = "spool_calibrate_start"
	CommandCalibrateFinish  = "spool_calibrate_finish"
	CommandCalibrateCancel  = "spool_calibrate_cancel"
	CommandSpoolReset       = "spool_reset"
	CommandTankRefill       = "ato_tank_refill"
)

// Frame 线路包络
// {protocol, module_id, submodule_id, type, sent_at, payload}
type Frame struct {
	Protocol    string          `json:"protocol"`
	ModuleID    string          `json:"module_id"`
	SubmoduleID string          `json:"submodule_id,omitempty"`
	Type        string          `json:"type"`
	SentAt      time.Time       `json:"sent_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ParseFrame 解析线路包络
// module_id 和 type 为必填字段，缺失视为坏帧
func ParseFrame(raw []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	if frame.ModuleID == "" {
		return nil, fmt.Errorf("frame missing module_id")
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &frame, nil
}

// ControlPayload 控制帧载荷
// 两种请求形态：
//   - 单参数: {"command":"set_param","name":"setpoint_c","value":25.5}
//   - 批量:   {"command":"set_parameter","params":{"setpoint_c":25.5,...}}
type ControlPayload struct {
	Command string                 `json:"command"`
	Name    string                 `json:"name,omitempty"`
	Value   interface{}            `json:"value,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`

	// 报警控制命令的目标报警码
	AlarmCode string `json:"alarm_code,omitempty"`

	// 校准命令参数
	TargetLengthMm float64 `json:"target_length_mm,omitempty"`
	SampleLengthMm float64 `json:"sample_length_mm,omitempty"`
}

// ParseControlPayload 解析控制载荷
func ParseControlPayload(raw json.RawMessage) (*ControlPayload, error) {
	var payload ControlPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal control payload: %w", err)
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("control payload missing command")
	}
	return &payload, nil
}

// Pairs 将两种请求形态归一化为 (name, rawValue) 集合
// 单参数形态与批量形态共用同一条校验/落盘路径
func (p *ControlPayload) Pairs() map[string]interface{} {
	pairs := make(map[string]interface{})
	for name, value := range p.Params {
		pairs[name] = value
	}
	if p.Name != "" {
		pairs[p.Name] = p.Value
	}
	return pairs
}
