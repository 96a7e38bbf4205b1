package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/cache"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UsageEventStore 用量事件写入接口
type UsageEventStore interface {
	InsertEvent(ctx context.Context, event *models.UsageEvent) error
}

// UsageIngestor 遥测流消费者
//
// 从遥测流读取标准化读数，按读数名分类成三类用量信号落盘：
//   - 累计量读数（tank_level / spool_edges / media_used）→ absolute_level
//   - 增量读数（advance_delta / dose_delta）→ event_log
//   - 运行时长读数（pump_runtime / heater_on_time）→ duration_heuristic
type UsageIngestor struct {
	config      *config.Config
	redisClient *redis.Client
	store       UsageEventStore
	logger      *zap.Logger
}

// NewUsageIngestor 创建用量注入器
func NewUsageIngestor(cfg *config.Config, redisClient *redis.Client, store UsageEventStore, logger *zap.Logger) *UsageIngestor {
	return &UsageIngestor{
		config:      cfg,
		redisClient: redisClient,
		store:       store,
		logger:      logger,
	}
}

// readingSource 读数名 → 用量信号来源
var readingSource = map[string]string{
	"tank_level":     models.UsageSourceAbsoluteLevel,
	"spool_edges":    models.UsageSourceAbsoluteLevel,
	"media_used":     models.UsageSourceAbsoluteLevel,
	"advance_delta":  models.UsageSourceEventLog,
	"dose_delta":     models.UsageSourceEventLog,
	"pump_runtime":   models.UsageSourceDurationHeuristic,
	"heater_on_time": models.UsageSourceDurationHeuristic,
}

// Start 启动消费循环
func (c *UsageIngestor) Start(ctx context.Context) error {
	if err := cache.CreateConsumerGroup(ctx, c.redisClient, c.config.Stream.Name, c.config.Stream.Group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Usage ingestor started",
		zap.String("stream", c.config.Stream.Name),
		zap.String("group", c.config.Stream.Group),
	)

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeOnce(ctx); err != nil {
				c.logger.Error("Failed to consume telemetry stream",
					zap.Error(err),
					zap.Duration("backoff", backoff),
				)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoff):
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
			} else {
				backoff = time.Second
			}
		}
	}
}

func (c *UsageIngestor) consumeOnce(ctx context.Context) error {
	messages, err := cache.ReadFromStream(ctx, c.redisClient,
		c.config.Stream.Name, c.config.Stream.Group, c.config.Stream.Consumer, 10)
	if err != nil {
		return err
	}

	for _, message := range messages {
		if err := c.handleMessage(ctx, message); err != nil {
			// 单条失败不中断批次，留在 pending 列表等待重试
			c.logger.Warn("Failed to ingest telemetry message",
				zap.String("stream_id", message.ID),
				zap.Error(err),
			)
			continue
		}
		if err := cache.AckMessage(ctx, c.redisClient, c.config.Stream.Name, c.config.Stream.Group, message.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("stream_id", message.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (c *UsageIngestor) handleMessage(ctx context.Context, message cache.StreamMessage) error {
	raw, ok := message.Values["data"].(string)
	if !ok {
		return fmt.Errorf("stream message missing data field")
	}

	var envelope TelemetryEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal telemetry envelope: %w", err)
	}

	for _, reading := range envelope.Readings {
		source, ok := readingSource[reading.Name]
		if !ok {
			continue
		}

		event := &models.UsageEvent{
			ID:        uuid.New().String(),
			DeviceID:  envelope.DeviceID,
			Timestamp: reading.Timestamp,
			Quantity:  reading.Value,
			Unit:      reading.Unit,
			Source:    source,
		}
		if err := c.store.InsertEvent(ctx, event); err != nil {
			return fmt.Errorf("failed to persist usage event: %w", err)
		}
	}

	return nil
}
