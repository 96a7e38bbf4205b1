package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// DeviceRepository 设备仓库
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository 创建设备仓库
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertDevice 创建或更新设备（收到首帧时创建）
func (r *DeviceRepository) UpsertDevice(ctx context.Context, device *models.Device) error {
	if device.ID == "" {
		return fmt.Errorf("device_id is required")
	}

	query := `
		INSERT INTO devices (device_id, device_type, label, connection_state, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id) DO UPDATE SET
			device_type      = EXCLUDED.device_type,
			connection_state = EXCLUDED.connection_state,
			last_seen_at     = EXCLUDED.last_seen_at
	`

	_, err := r.db.ExecContext(ctx, query,
		device.ID, device.Type, device.Label, device.ConnectionState, device.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// UpdateConnectionState 更新连接状态
func (r *DeviceRepository) UpdateConnectionState(ctx context.Context, deviceID, state string, lastSeenAt time.Time) error {
	query := `
		UPDATE devices
		SET connection_state = $2, last_seen_at = $3
		WHERE device_id = $1
	`

	_, err := r.db.ExecContext(ctx, query, deviceID, state, lastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to update connection state: %w", err)
	}

	return nil
}

// GetDevice 获取单个设备
func (r *DeviceRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `
		SELECT device_id, device_type, label, connection_state, last_seen_at
		FROM devices
		WHERE device_id = $1
	`

	var device models.Device
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.ID, &device.Type, &device.Label, &device.ConnectionState, &lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("device not found: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if lastSeen.Valid {
		device.LastSeenAt = lastSeen.Time
	}

	return &device, nil
}

// ListDevices 列出全部设备
func (r *DeviceRepository) ListDevices(ctx context.Context) ([]*models.Device, error) {
	query := `
		SELECT device_id, device_type, label, connection_state, last_seen_at
		FROM devices
		ORDER BY device_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		var device models.Device
		var lastSeen sql.NullTime
		if err := rows.Scan(&device.ID, &device.Type, &device.Label,
			&device.ConnectionState, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		if lastSeen.Valid {
			device.LastSeenAt = lastSeen.Time
		}
		devices = append(devices, &device)
	}

	return devices, rows.Err()
}
