package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// CalibrationResult 校准结果
type CalibrationResult struct {
	DeviceID       string  `json:"device_id"`
	FullEdges      float64 `json:"full_edges"`
	SampleLengthMm float64 `json:"sample_length_mm"`
	TargetLengthMm float64 `json:"target_length_mm"`
}

// CalibrationResultsRepository 校准结果仓库
type CalibrationResultsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCalibrationResultsRepository 创建校准结果仓库
func NewCalibrationResultsRepository(db *sql.DB, logger *zap.Logger) *CalibrationResultsRepository {
	return &CalibrationResultsRepository{
		db:     db,
		logger: logger,
	}
}

// SaveResult 写入或覆盖校准结果（仅 finish 成功时调用，cancel/超时不落盘）
func (r *CalibrationResultsRepository) SaveResult(ctx context.Context, result *CalibrationResult) error {
	if result.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	query := `
		INSERT INTO calibration_results
			(device_id, full_edges, sample_length_mm, target_length_mm, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (device_id) DO UPDATE SET
			full_edges       = EXCLUDED.full_edges,
			sample_length_mm = EXCLUDED.sample_length_mm,
			target_length_mm = EXCLUDED.target_length_mm,
			updated_at       = now()
	`

	_, err := r.db.ExecContext(ctx, query,
		result.DeviceID, result.FullEdges, result.SampleLengthMm, result.TargetLengthMm)
	if err != nil {
		return fmt.Errorf("failed to save calibration result: %w", err)
	}

	r.logger.Info("Saved calibration result",
		zap.String("device_id", result.DeviceID),
		zap.Float64("full_edges", result.FullEdges),
	)

	return nil
}

// GetResult 获取设备校准结果
func (r *CalibrationResultsRepository) GetResult(ctx context.Context, deviceID string) (*CalibrationResult, error) {
	query := `
		SELECT device_id, full_edges, sample_length_mm, target_length_mm
		FROM calibration_results
		WHERE device_id = $1
	`

	var result CalibrationResult
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&result.DeviceID, &result.FullEdges, &result.SampleLengthMm, &result.TargetLengthMm)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("calibration result not found: %s", deviceID)
		}
		return nil, fmt.Errorf("failed to get calibration result: %w", err)
	}

	return &result, nil
}
