package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/config"
	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// SnapshotCache 设备实时快照缓存
// 每台设备一个键，新快照整体覆盖旧快照（不做字段合并）
// 同时维护每台设备的"最近一次错误"字符串，供仪表盘卡片展示
type SnapshotCache struct {
	config *config.Config
	kv     KVStore
	logger *zap.Logger
}

// NewSnapshotCache 创建快照缓存
func NewSnapshotCache(cfg *config.Config, kv KVStore, logger *zap.Logger) *SnapshotCache {
	return &SnapshotCache{
		config: cfg,
		kv:     kv,
		logger: logger,
	}
}

func (c *SnapshotCache) snapshotKey(deviceID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Cache.SnapshotKeyPrefix,
		deviceID,
		c.config.Cache.SnapshotSuffix,
	)
}

func (c *SnapshotCache) errorKey(deviceID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Cache.ErrorKeyPrefix,
		deviceID,
		c.config.Cache.ErrorSuffix,
	)
}

// PutSnapshot 写入设备快照（带 TTL）
func (c *SnapshotCache) PutSnapshot(ctx context.Context, snapshot *models.StatusSnapshot) error {
	jsonData, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := c.snapshotKey(snapshot.DeviceID)
	ttl := time.Duration(c.config.Cache.SnapshotTTL) * time.Second
	if err := c.kv.Set(ctx, key, string(jsonData), ttl); err != nil {
		return fmt.Errorf("failed to set snapshot cache: %w", err)
	}

	c.logger.Debug("Updated snapshot cache",
		zap.String("device_id", snapshot.DeviceID),
		zap.String("key", key),
	)

	return nil
}

// GetSnapshot 读取设备快照
func (c *SnapshotCache) GetSnapshot(ctx context.Context, deviceID string) (*models.StatusSnapshot, error) {
	val, err := c.kv.Get(ctx, c.snapshotKey(deviceID))
	if err != nil {
		if err == ErrCacheMiss {
			return nil, fmt.Errorf("snapshot not found for device: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get snapshot cache: %w", err)
	}

	var snapshot models.StatusSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snapshot, nil
}

// SetLastError 记录设备最近一次错误（下一次成功操作时清除）
func (c *SnapshotCache) SetLastError(ctx context.Context, deviceID, message string) error {
	return c.kv.Set(ctx, c.errorKey(deviceID), message, 0)
}

// ClearLastError 清除设备错误
func (c *SnapshotCache) ClearLastError(ctx context.Context, deviceID string) error {
	return c.kv.Delete(ctx, c.errorKey(deviceID))
}

// GetLastError 读取设备最近一次错误（无错误时返回空串）
func (c *SnapshotCache) GetLastError(ctx context.Context, deviceID string) string {
	val, err := c.kv.Get(ctx, c.errorKey(deviceID))
	if err != nil {
		return ""
	}
	return val
}
