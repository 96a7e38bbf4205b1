package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/PicklesTheWise/Pickle-Reef-sub000/internal/models"

	"go.uber.org/zap"
)

// ParamsRepository 参数集仓库
// 参数集整体写入（JSONB 一列），保证读方永远看到完整一致的一套参数
type ParamsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewParamsRepository 创建参数集仓库
func NewParamsRepository(db *sql.DB, logger *zap.Logger) *ParamsRepository {
	return &ParamsRepository{
		db:     db,
		logger: logger,
	}
}

// GetParameterSet 获取设备参数集（不存在时返回空集）
func (r *ParamsRepository) GetParameterSet(ctx context.Context, deviceID string) (models.ParameterSet, error) {
	query := `
		SELECT params
		FROM parameter_sets
		WHERE device_id = $1
	`

	var raw []byte
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.ParameterSet{}, nil
		}
		return nil, fmt.Errorf("failed to get parameter set: %w", err)
	}

	params := models.ParameterSet{}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameter set: %w", err)
	}

	return params, nil
}

// SaveParameterSet 整体落盘参数集
func (r *ParamsRepository) SaveParameterSet(ctx context.Context, deviceID string, params models.ParameterSet) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal parameter set: %w", err)
	}

	query := `
		INSERT INTO parameter_sets (device_id, params, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (device_id) DO UPDATE SET
			params     = EXCLUDED.params,
			updated_at = now()
	`

	if _, err := r.db.ExecContext(ctx, query, deviceID, raw); err != nil {
		return fmt.Errorf("failed to save parameter set: %w", err)
	}

	r.logger.Debug("Saved parameter set",
		zap.String("device_id", deviceID),
		zap.Int("param_count", len(params)),
	)

	return nil
}
