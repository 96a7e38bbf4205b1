package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// UsageEventsRepository 用量事件仓库（追加型日志，仅按设备+时间窗查询）
type UsageEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewUsageEventsRepository 创建用量事件仓库
func NewUsageEventsRepository(db *sql.DB, logger *zap.Logger) *UsageEventsRepository {
	return &UsageEventsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertEvent 追加一条用量事件
func (r *UsageEventsRepository) InsertEvent(ctx context.Context, event *models.UsageEvent) error {
	if event.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if event.Source == "" {
		return fmt.Errorf("source is required")
	}

	query := `
		INSERT INTO usage_events (id, device_id, ts, quantity, unit, source)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.DeviceID, event.Timestamp, event.Quantity, event.Unit, event.Source)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	return nil
}

// QueryWindow 查询窗口内某一来源的事件（按时间升序）
func (r *UsageEventsRepository) QueryWindow(ctx context.Context, deviceID, source string, start, end time.Time) ([]*models.UsageEvent, error) {
	query := `
		SELECT id, device_id, ts, quantity, unit, source
		FROM usage_events
		WHERE device_id = $1 AND source = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, source, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	return scanUsageEvents(rows)
}

// QueryTail 查询最近 N 条某一来源的事件（窗口内无样本时的兜底，按时间升序返回）
func (r *UsageEventsRepository) QueryTail(ctx context.Context, deviceID, source string, limit int) ([]*models.UsageEvent, error) {
	query := `
		SELECT id, device_id, ts, quantity, unit, source
		FROM (
			SELECT id, device_id, ts, quantity, unit, source
			FROM usage_events
			WHERE device_id = $1 AND source = $2
			ORDER BY ts DESC
			LIMIT $3
		) tail
		ORDER BY ts
	`

	rows, err := r.db.QueryContext(ctx, query, deviceID, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage tail: %w", err)
	}
	defer rows.Close()

	return scanUsageEvents(rows)
}

func scanUsageEvents(rows *sql.Rows) ([]*models.UsageEvent, error) {
	var events []*models.UsageEvent
	for rows.Next() {
		var event models.UsageEvent
		if err := rows.Scan(&event.ID, &event.DeviceID, &event.Timestamp,
			&event.Quantity, &event.Unit, &event.Source); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
