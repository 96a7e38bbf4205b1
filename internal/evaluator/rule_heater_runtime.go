package evaluator

import (
	"context"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/alarm"
)

// HeaterRuntimeRule 加热持续过久检测
//
// 继电器连续闭合超过 max_heater_on_min 分钟 → 断言 heater_timeout；
// 继电器断开 → 计时归零并清除。
type HeaterRuntimeRule struct {
	evaluator *Evaluator
}

// NewHeaterRuntimeRule 创建加热持续过久规则
func NewHeaterRuntimeRule(evaluator *Evaluator) *HeaterRuntimeRule {
	return &HeaterRuntimeRule{evaluator: evaluator}
}

// Evaluate 评估一帧
func (r *HeaterRuntimeRule) Evaluate(ctx context.Context, deviceID string, in *ruleInput) error {
	if in.heater == nil {
		return nil
	}

	if !in.heater.RelayOn {
		in.state.heaterOnSince = time.Time{}
		return r.evaluator.alarms.Clear(ctx, deviceID, CodeHeaterTimeout)
	}

	if in.state.heaterOnSince.IsZero() {
		in.state.heaterOnSince = in.now
		return nil
	}

	maxOnMin, ok := in.params["max_heater_on_min"]
	if !ok {
		return nil
	}

	if in.now.Sub(in.state.heaterOnSince) <= time.Duration(maxOnMin)*time.Minute {
		return nil
	}

	return r.evaluator.alarms.Assert(ctx, deviceID, CodeHeaterTimeout, alarm.SeverityWarning, map[string]interface{}{
		"max_heater_on_min": maxOnMin,
		"heater_on_since":   in.state.heaterOnSince,
	})
}
