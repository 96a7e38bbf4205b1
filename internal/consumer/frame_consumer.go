package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/cache"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/metrics"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/mqtt"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/session"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CalibrationConfirmer 校准确认接口（status 帧回报校准中时调用）
type CalibrationConfirmer interface {
	Confirm(deviceID string)
}

// StatusEvaluator 快照评估接口（由 evaluator.Evaluator 实现）
// 每帧 status 都会用设备落盘的阈值参数评估一遍，驱动报警断言/清除
type StatusEvaluator interface {
	Evaluate(ctx context.Context, deviceID string, snapshot *models.StatusSnapshot)
}

// TelemetryEnvelope 发布到遥测流的标准化消息
type TelemetryEnvelope struct {
	DeviceID string                    `json:"device_id"`
	Readings []models.TelemetryReading `json:"readings"`
}

// FrameConsumer 入站帧消费者
//
// 错误吸收在本层：坏帧记日志后丢弃，连接保持打开；
// protocol 不匹配只记日志，处理继续；
// 单台设备的失败绝不影响其他设备的会话。
type FrameConsumer struct {
	config      *config.Config
	mqttClient  *mqtt.Client
	redisClient *redis.Client
	sessions    *session.Manager
	snapshots   *cache.SnapshotCache
	dispatcher  *Dispatcher
	calibration CalibrationConfirmer
	evaluator   StatusEvaluator
	logger      *zap.Logger
}

// NewFrameConsumer 创建帧消费者
func NewFrameConsumer(
	cfg *config.Config,
	mqttClient *mqtt.Client,
	redisClient *redis.Client,
	sessions *session.Manager,
	snapshots *cache.SnapshotCache,
	dispatcher *Dispatcher,
	calibration CalibrationConfirmer,
	evaluator StatusEvaluator,
	logger *zap.Logger,
) *FrameConsumer {
	return &FrameConsumer{
		config:      cfg,
		mqttClient:  mqttClient,
		redisClient: redisClient,
		sessions:    sessions,
		snapshots:   snapshots,
		dispatcher:  dispatcher,
		calibration: calibration,
		evaluator:   evaluator,
		logger:      logger,
	}
}

// Start 订阅设备链路主题并开始消费
func (c *FrameConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(c.config.MQTT.InboundTopic, c.config.MQTT.QoS, c.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to inbound topic: %w", err)
	}

	c.logger.Info("Frame consumer started",
		zap.String("topic", c.config.MQTT.InboundTopic),
	)

	<-ctx.Done()
	return nil
}

// Stop 停止消费
func (c *FrameConsumer) Stop() {
	if err := c.mqttClient.Unsubscribe(c.config.MQTT.InboundTopic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}
	c.logger.Info("Frame consumer stopped")
}

// HandleMessage 处理一条入站消息
func (c *FrameConsumer) HandleMessage(topic string, payload []byte) error {
	frame, err := models.ParseFrame(payload)
	if err != nil {
		// 坏帧：记日志后丢弃，连接保持
		metrics.FramesDropped.Inc()
		c.logger.Warn("Dropping malformed frame",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil
	}

	if frame.Protocol != models.ProtocolVersion {
		// 协议串不符：只记日志，处理继续，绝不硬拒
		c.logger.Warn("Unexpected protocol string",
			zap.String("device_id", frame.ModuleID),
			zap.String("protocol", frame.Protocol),
		)
	}

	// 任何帧都驱动会话：刷新 lastSeenAt，status 帧才能把设备置为在线
	c.sessions.OnFrame(context.Background(), frame.ModuleID, frame.Type)
	metrics.FramesProcessed.WithLabelValues(frame.Type).Inc()

	switch frame.Type {
	case models.FrameTypeStatus:
		return c.handleStatus(frame)
	case models.FrameTypeControl:
		return c.dispatcher.Dispatch(context.Background(), frame)
	default:
		// status/control 之外的入站帧记日志后忽略
		c.logger.Debug("Ignoring non-actionable frame",
			zap.String("device_id", frame.ModuleID),
			zap.String("type", frame.Type),
		)
		return nil
	}
}

// handleStatus 处理入站 status 帧（模组心跳 + 遥测）
func (c *FrameConsumer) handleStatus(frame *models.Frame) error {
	var payload models.StatusPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			metrics.FramesDropped.Inc()
			c.logger.Warn("Dropping status frame with bad payload",
				zap.String("device_id", frame.ModuleID),
				zap.Error(err),
			)
			return nil
		}
	}

	ctx := context.Background()

	// 新快照整体取代旧快照
	snapshot := &models.StatusSnapshot{
		DeviceID: frame.ModuleID,
		TakenAt:  frame.SentAt,
		Sensors:  payload.Sensors,
		Heater:   payload.Heater,
		Pump:     payload.Pump,
		Spool:    payload.Spool,
	}
	if err := c.snapshots.PutSnapshot(ctx, snapshot); err != nil {
		c.logger.Warn("Failed to cache snapshot",
			zap.String("device_id", frame.ModuleID),
			zap.Error(err),
		)
	}

	// 设备回报校准中 → 确认网关侧会话
	if payload.CalibrationState == "calibrating" {
		c.calibration.Confirm(frame.ModuleID)
	}

	// 用落盘阈值评估这帧快照，驱动报警断言/清除
	c.evaluator.Evaluate(ctx, frame.ModuleID, snapshot)

	// 遥测在边界处解码为标准读数，发布到流供用量管道消费
	readings := models.DecodeTelemetry(payload.Sensors, frame.SentAt)
	if len(readings) == 0 {
		return nil
	}

	envelope := TelemetryEnvelope{
		DeviceID: frame.ModuleID,
		Readings: readings,
	}
	if _, err := cache.PublishJSONToStream(ctx, c.redisClient, c.config.Stream.Name, envelope); err != nil {
		c.logger.Error("Failed to publish telemetry to stream",
			zap.String("device_id", frame.ModuleID),
			zap.String("stream", c.config.Stream.Name),
			zap.Error(err),
		)
	}

	return nil
}
