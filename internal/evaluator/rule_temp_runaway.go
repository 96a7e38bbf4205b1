package evaluator

import (
	"context"
	"math"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/alarm"
)

// TempRunawayRule 温度失控检测
//
// 探头读数偏离 setpoint_c 超过 runaway_delta_c → 断言 temp_runaway；
// 回到带内 → 清除。没有读数时不评估（探头失联由另一条规则负责）。
type TempRunawayRule struct {
	evaluator *Evaluator
}

// NewTempRunawayRule 创建温度失控规则
func NewTempRunawayRule(evaluator *Evaluator) *TempRunawayRule {
	return &TempRunawayRule{evaluator: evaluator}
}

// Evaluate 评估一帧
func (r *TempRunawayRule) Evaluate(ctx context.Context, deviceID string, in *ruleInput) error {
	if in.probeTemp == nil {
		return nil
	}

	setpoint, ok := in.params["setpoint_c"]
	if !ok {
		return nil
	}
	delta, ok := in.params["runaway_delta_c"]
	if !ok {
		return nil
	}

	if math.Abs(*in.probeTemp-setpoint) <= delta {
		return r.evaluator.alarms.Clear(ctx, deviceID, CodeTempRunaway)
	}

	return r.evaluator.alarms.Assert(ctx, deviceID, CodeTempRunaway, alarm.SeverityCritical, map[string]interface{}{
		"probe_temp":      *in.probeTemp,
		"setpoint_c":      setpoint,
		"runaway_delta_c": delta,
	})
}
