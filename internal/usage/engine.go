package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// EventSource 用量事件查询接口（追加型日志仓库）
type EventSource interface {
	QueryWindow(ctx context.Context, deviceID, source string, start, end time.Time) ([]*models.UsageEvent, error)
	QueryTail(ctx context.Context, deviceID, source string, limit int) ([]*models.UsageEvent, error)
}

// BaselineStore 复位基线表接口
// 这是引擎唯一的跨调用共享状态，其余计算都是输入的纯函数
type BaselineStore interface {
	GetBaseline(ctx context.Context, deviceID string) (time.Time, error)
	SetBaseline(ctx context.Context, deviceID string, baseline time.Time) error
}

// Query 序列查询
type Query struct {
	WindowStart time.Time
	WindowEnd   time.Time

	// SinceReset 为 true 时，生效窗口起点 = max(WindowStart, 复位基线)
	SinceReset bool

	// FlowRatePerMs 时长启发式的换算率（volume = durationMs * rate）
	FlowRatePerMs float64

	// ReferenceLines 参与坐标轴范围计算的参考线（设定值等）
	ReferenceLines []float64
}

// Engine 用量对账引擎
//
// 把三类异构用量信号（绝对累计量采样 / 事件日志增量 / 时长启发式）
// 按严格优先级合并成一条一致的、识别复位的、有界内存的滚动序列。
// 除复位基线表外无共享状态，同一设备的重复调用幂等。
type Engine struct {
	config    *config.Config
	events    EventSource
	baselines BaselineStore
	logger    *zap.Logger
}

// NewEngine 创建对账引擎
func NewEngine(cfg *config.Config, events EventSource, baselines BaselineStore, logger *zap.Logger) *Engine {
	return &Engine{
		config:    cfg,
		events:    events,
		baselines: baselines,
		logger:    logger,
	}
}

// BuildSeries 构建一条滚动窗口用量序列
//
// 信号优先级：
//  1. 窗口内的绝对累计量采样；窗口内没有时退回最近 N 条（有界尾部），
//     避免窗口选窄导致图表无故空白
//  2. 窗口内的事件日志增量，按时间序累加
//  3. 时长启发式，最低保真兜底
func (e *Engine) BuildSeries(ctx context.Context, deviceID string, q Query) (*models.UsageSeries, error) {
	effectiveStart, err := e.EffectiveStart(ctx, deviceID, q)
	if err != nil {
		return nil, err
	}

	// 1. 绝对累计量采样优先
	samples, err := e.events.QueryWindow(ctx, deviceID, models.UsageSourceAbsoluteLevel, effectiveStart, q.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to query level samples: %w", err)
	}
	if len(samples) == 0 {
		samples, err = e.events.QueryTail(ctx, deviceID, models.UsageSourceAbsoluteLevel, e.config.Usage.TailLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to query level tail: %w", err)
		}
	}
	if len(samples) > 0 {
		return e.buildLevelSeries(ctx, deviceID, samples)
	}

	// 2. 事件日志增量
	deltas, err := e.events.QueryWindow(ctx, deviceID, models.UsageSourceEventLog, effectiveStart, q.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to query event deltas: %w", err)
	}
	if len(deltas) > 0 {
		return buildCumulativeSeries(deviceID, models.UsageSourceEventLog, deltas, 1), nil
	}

	// 3. 时长启发式兜底
	durations, err := e.events.QueryWindow(ctx, deviceID, models.UsageSourceDurationHeuristic, effectiveStart, q.WindowEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to query duration events: %w", err)
	}
	if len(durations) > 0 && q.FlowRatePerMs > 0 {
		return buildCumulativeSeries(deviceID, models.UsageSourceDurationHeuristic, durations, q.FlowRatePerMs), nil
	}

	// 无任何信号：报空序列，而不是一条平零线
	return &models.UsageSeries{DeviceID: deviceID, Valid: false}, nil
}

// EffectiveStart 计算生效窗口起点
// 复位基线是唯一权威来源：effectiveStart = max(requestedStart, baseline)
func (e *Engine) EffectiveStart(ctx context.Context, deviceID string, q Query) (time.Time, error) {
	if !q.SinceReset {
		return q.WindowStart, nil
	}

	baseline, err := e.baselines.GetBaseline(ctx, deviceID)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get reset baseline: %w", err)
	}
	if baseline.After(q.WindowStart) {
		return baseline, nil
	}
	return q.WindowStart, nil
}

// buildLevelSeries 绝对累计量模式
//
// 时间序扫描检测复位（值 ≤ 下限，或相对前值跌幅超阈值），
// 检出后把设备复位基线推进到复位样本的时间戳；
// 再做分辨率对齐（同一固定槽内只保留最新一条），最后成序列。
func (e *Engine) buildLevelSeries(ctx context.Context, deviceID string, samples []*models.UsageEvent) (*models.UsageSeries, error) {
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})

	resetAt, hasReset := DetectReset(samples, e.config.Usage.ResetFloor, e.config.Usage.ResetDropDelta)
	if hasReset {
		if err := e.baselines.SetBaseline(ctx, deviceID, resetAt); err != nil {
			return nil, fmt.Errorf("failed to update reset baseline: %w", err)
		}
		e.logger.Info("Usage reset detected",
			zap.String("device_id", deviceID),
			zap.Time("baseline", resetAt),
		)
	}

	aligned := AlignResolution(samples, e.config.Usage.SlotSize)

	series := &models.UsageSeries{
		DeviceID: deviceID,
		Source:   models.UsageSourceAbsoluteLevel,
	}
	for _, sample := range aligned {
		value := sample.Quantity
		if value < 0 {
			value = 0
		}
		series.Points = append(series.Points, models.UsagePoint{
			Timestamp: sample.Timestamp,
			Value:     value,
		})
		if value > series.MaxValue {
			series.MaxValue = value
		}
	}

	// maxValue 为零的序列视为无数据
	if series.MaxValue > 0 {
		series.Valid = true
		series.MinValue = series.Points[0].Value
		for _, p := range series.Points {
			if p.Value < series.MinValue {
				series.MinValue = p.Value
			}
		}
	} else {
		series.Points = nil
	}

	return series, nil
}

// buildCumulativeSeries 增量信号模式：按时间序累加为运行总量
// 同一复位纪元内输出单调不减；负增量视为零（输出恒非负）
func buildCumulativeSeries(deviceID, source string, events []*models.UsageEvent, rate float64) *models.UsageSeries {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	series := &models.UsageSeries{
		DeviceID: deviceID,
		Source:   source,
	}

	var running float64
	for _, event := range events {
		delta := event.Quantity * rate
		if delta > 0 {
			running += delta
		}
		series.Points = append(series.Points, models.UsagePoint{
			Timestamp: event.Timestamp,
			Value:     running,
		})
	}

	series.MaxValue = running
	if series.MaxValue > 0 {
		series.Valid = true
	} else {
		series.Points = nil
	}

	return series
}

// DetectReset 时间序扫描复位事件
//
// 复位判定（满足其一）：
//
//	(a) 当前值 ≤ 固定下限 floor
//	(b) 当前值相对前值跌幅超过 dropDelta
//
// 返回最后一次复位样本的时间戳
func DetectReset(samples []*models.UsageEvent, floor, dropDelta float64) (time.Time, bool) {
	var resetAt time.Time
	found := false

	var prev *models.UsageEvent
	for _, sample := range samples {
		isReset := false
		if sample.Quantity <= floor {
			isReset = true
		} else if prev != nil && prev.Quantity-sample.Quantity > dropDelta {
			isReset = true
		}
		if isReset {
			resetAt = sample.Timestamp
			found = true
		}
		prev = sample
	}

	return resetAt, found
}

// AlignResolution 分辨率对齐
// 同一固定槽（默认15秒）内的连续采样只保留最新一条，
// 避免 ~1Hz 心跳被过采样成图表噪声
func AlignResolution(samples []*models.UsageEvent, slot time.Duration) []*models.UsageEvent {
	if slot <= 0 || len(samples) == 0 {
		return samples
	}

	var aligned []*models.UsageEvent
	var currentSlot int64 = -1
	for _, sample := range samples {
		s := sample.Timestamp.UnixNano() / int64(slot)
		if s == currentSlot && len(aligned) > 0 {
			aligned[len(aligned)-1] = sample
			continue
		}
		currentSlot = s
		aligned = append(aligned, sample)
	}

	return aligned
}

// Buckets 把序列聚合为固定宽度的桶
// 桶内聚合量恒非负；activation_count 为桶内点数
func Buckets(series *models.UsageSeries, width time.Duration) []models.UsageBucket {
	if !series.Valid || len(series.Points) == 0 || width <= 0 {
		return nil
	}

	var buckets []models.UsageBucket
	var current *models.UsageBucket
	prevValue := series.Points[0].Value

	for _, point := range series.Points {
		windowStart := point.Timestamp.Truncate(width)
		if current == nil || !windowStart.Equal(current.WindowStart) {
			buckets = append(buckets, models.UsageBucket{
				WindowStart: windowStart,
				WindowEnd:   windowStart.Add(width),
			})
			current = &buckets[len(buckets)-1]
		}
		delta := point.Value - prevValue
		if delta > 0 {
			current.AggregatedQuantity += delta
		}
		current.ActivationCount++
		prevValue = point.Value
	}

	return buckets
}

// PaddedRange 坐标轴范围
// 在序列与参考线的 min/max 之外留白 max(下限, 跨度*比例)
func (e *Engine) PaddedRange(series *models.UsageSeries, referenceLines []float64) (float64, float64) {
	if !series.Valid {
		return 0, 0
	}

	min, max := series.MinValue, series.MaxValue
	for _, ref := range referenceLines {
		if ref < min {
			min = ref
		}
		if ref > max {
			max = ref
		}
	}

	spread := max - min
	padding := spread * e.config.Usage.PaddingRatio
	if padding < e.config.Usage.PaddingFloor {
		padding = e.config.Usage.PaddingFloor
	}

	return min - padding, max + padding
}
