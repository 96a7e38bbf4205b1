package evaluator

import (
	"context"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/alarm"
)

// ProbeTimeoutRule 探头失联检测
//
// 快照里带探头读数 → 刷新最近读数时间并清除报警；
// 连续 probe_timeout_s 秒没有读数 → 断言 probe_timeout。
type ProbeTimeoutRule struct {
	evaluator *Evaluator
}

// NewProbeTimeoutRule 创建探头失联规则
func NewProbeTimeoutRule(evaluator *Evaluator) *ProbeTimeoutRule {
	return &ProbeTimeoutRule{evaluator: evaluator}
}

// Evaluate 评估一帧
func (r *ProbeTimeoutRule) Evaluate(ctx context.Context, deviceID string, in *ruleInput) error {
	if in.probeTemp != nil {
		in.state.lastProbeAt = in.now
		return r.evaluator.alarms.Clear(ctx, deviceID, CodeProbeTimeout)
	}

	timeoutS, ok := in.params["probe_timeout_s"]
	if !ok {
		return nil
	}

	// 首帧就没有读数：从这一帧起计时
	if in.state.lastProbeAt.IsZero() {
		in.state.lastProbeAt = in.now
		return nil
	}

	if in.now.Sub(in.state.lastProbeAt) <= time.Duration(timeoutS)*time.Second {
		return nil
	}

	return r.evaluator.alarms.Assert(ctx, deviceID, CodeProbeTimeout, alarm.SeverityCritical, map[string]interface{}{
		"timeout_s":     timeoutS,
		"last_probe_at": in.state.lastProbeAt,
	})
}
