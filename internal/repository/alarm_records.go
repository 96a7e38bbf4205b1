package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// AlarmRecordsRepository 报警记录仓库
// 键为 (device_id, code)，每个键至多一条记录
type AlarmRecordsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlarmRecordsRepository 创建报警记录仓库
func NewAlarmRecordsRepository(db *sql.DB, logger *zap.Logger) *AlarmRecordsRepository {
	return &AlarmRecordsRepository{
		db:     db,
		logger: logger,
	}
}

// SaveAlarmRecord 写入或覆盖报警记录
func (r *AlarmRecordsRepository) SaveAlarmRecord(ctx context.Context, record *models.AlarmRecord) error {
	if record.DeviceID == "" || record.Code == "" {
		return fmt.Errorf("device_id and code are required")
	}

	meta := record.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal alarm meta: %w", err)
	}

	query := `
		INSERT INTO alarm_records
			(device_id, code, severity, active, snoozed_until, triggered_at, cleared_at, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (device_id, code) DO UPDATE SET
			severity      = EXCLUDED.severity,
			active        = EXCLUDED.active,
			snoozed_until = EXCLUDED.snoozed_until,
			triggered_at  = EXCLUDED.triggered_at,
			cleared_at    = EXCLUDED.cleared_at,
			meta          = EXCLUDED.meta
	`

	_, err = r.db.ExecContext(ctx, query,
		record.DeviceID, record.Code, record.Severity, record.Active,
		record.SnoozedUntil, record.TriggeredAt, record.ClearedAt, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to save alarm record: %w", err)
	}

	return nil
}

// GetAlarmRecord 获取单条报警记录
func (r *AlarmRecordsRepository) GetAlarmRecord(ctx context.Context, deviceID, code string) (*models.AlarmRecord, error) {
	query := `
		SELECT device_id, code, severity, active, snoozed_until, triggered_at, cleared_at, meta
		FROM alarm_records
		WHERE device_id = $1 AND code = $2
	`

	record, err := r.scanOne(r.db.QueryRowContext(ctx, query, deviceID, code))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alarm record not found: %s/%s", deviceID, code)
		}
		return nil, fmt.Errorf("failed to get alarm record: %w", err)
	}

	return record, nil
}

// ListActiveAlarms 列出全部激活报警（提醒循环扫描用）
func (r *AlarmRecordsRepository) ListActiveAlarms(ctx context.Context) ([]*models.AlarmRecord, error) {
	query := `
		SELECT device_id, code, severity, active, snoozed_until, triggered_at, cleared_at, meta
		FROM alarm_records
		WHERE active = true
		ORDER BY triggered_at
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active alarms: %w", err)
	}
	defer rows.Close()

	var records []*models.AlarmRecord
	for rows.Next() {
		record, err := r.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alarm record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// ListDeviceAlarms 列出一台设备的全部报警记录
func (r *AlarmRecordsRepository) ListDeviceAlarms(ctx context.Context, deviceID string) ([]*models.AlarmRecord, error) {
	query := `
		SELECT device_id, code, severity, active, snoozed_until, triggered_at, cleared_at, meta
		FROM alarm_records
		WHERE device_id = $1
		ORDER BY code
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device alarms: %w", err)
	}
	defer rows.Close()

	var records []*models.AlarmRecord
	for rows.Next() {
		record, err := r.scanOne(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alarm record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AlarmRecordsRepository) scanOne(row rowScanner) (*models.AlarmRecord, error) {
	var record models.AlarmRecord
	var snoozedUntil, triggeredAt, clearedAt sql.NullTime
	var metaJSON []byte

	err := row.Scan(
		&record.DeviceID, &record.Code, &record.Severity, &record.Active,
		&snoozedUntil, &triggeredAt, &clearedAt, &metaJSON)
	if err != nil {
		return nil, err
	}

	if snoozedUntil.Valid {
		record.SnoozedUntil = &snoozedUntil.Time
	}
	if triggeredAt.Valid {
		record.TriggeredAt = triggeredAt.Time
	}
	if clearedAt.Valid {
		record.ClearedAt = &clearedAt.Time
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &record.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alarm meta: %w", err)
		}
	}

	return &record, nil
}
