package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ResetBaselinesRepository 复位基线仓库
// device_id → 基线时间戳；"自上次复位以来"的视图只看基线之后的数据
type ResetBaselinesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewResetBaselinesRepository 创建复位基线仓库
func NewResetBaselinesRepository(db *sql.DB, logger *zap.Logger) *ResetBaselinesRepository {
	return &ResetBaselinesRepository{
		db:     db,
		logger: logger,
	}
}

// GetBaseline 获取设备复位基线（不存在时返回零值时间）
func (r *ResetBaselinesRepository) GetBaseline(ctx context.Context, deviceID string) (time.Time, error) {
	query := `
		SELECT baseline
		FROM reset_baselines
		WHERE device_id = $1
	`

	var baseline time.Time
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&baseline)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get reset baseline: %w", err)
	}

	return baseline, nil
}

// SetBaseline 写入或覆盖设备复位基线
func (r *ResetBaselinesRepository) SetBaseline(ctx context.Context, deviceID string, baseline time.Time) error {
	query := `
		INSERT INTO reset_baselines (device_id, baseline, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (device_id) DO UPDATE SET
			baseline   = EXCLUDED.baseline,
			updated_at = now()
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, baseline); err != nil {
		return fmt.Errorf("failed to set reset baseline: %w", err)
	}

	r.logger.Debug("Updated reset baseline",
		zap.String("device_id", deviceID),
		zap.Time("baseline", baseline),
	)

	return nil
}

// PruneBefore 清理超过最长滚动窗口的基线（有界保留）
func (r *ResetBaselinesRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM reset_baselines WHERE baseline < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune reset baselines: %w", err)
	}

	return result.RowsAffected()
}
