package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-monitor/internal/classifier"
	"wisefido-monitor/internal/models"

	"go.uber.org/zap"
)

// ReferenceRangeRepository 生命体征参考范围（按租户）
type ReferenceRangeRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReferenceRangeRepository creates a new reference range repository
func NewReferenceRangeRepository(db *sql.DB, logger *zap.Logger) *ReferenceRangeRepository {
	return &ReferenceRangeRepository{
		db:     db,
		logger: logger,
	}
}

// LoadRanges resolves the ranges for a tenant: tenant rows override system
// rows (tenant_id IS NULL), which override the static defaults.
func (r *ReferenceRangeRepository) LoadRanges(ctx context.Context, tenantID string) (classifier.Ranges, error) {
	query := `
		SELECT metric, low_value, high_value, tenant_id IS NULL AS is_default
		FROM vital_reference_ranges
		WHERE tenant_id = $1 OR tenant_id IS NULL
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reference ranges: %w", err)
	}
	defer rows.Close()

	system := classifier.Ranges{}
	tenant := classifier.Ranges{}
	for rows.Next() {
		var (
			metric    string
			low, high float64
			isDefault bool
		)
		if err := rows.Scan(&metric, &low, &high, &isDefault); err != nil {
			return nil, fmt.Errorf("failed to scan reference range: %w", err)
		}
		if low > high {
			r.logger.Warn("Skipped inverted reference range",
				zap.String("tenant_id", tenantID),
				zap.String("metric", metric),
				zap.Float64("low", low),
				zap.Float64("high", high),
			)
			continue
		}

		rng := models.ReferenceRange{Metric: models.Metric(metric), Low: low, High: high}
		if isDefault {
			system[rng.Metric] = rng
		} else {
			tenant[rng.Metric] = rng
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reference ranges: %w", err)
	}

	r.logger.Debug("Loaded reference ranges",
		zap.String("tenant_id", tenantID),
		zap.Int("system_rows", len(system)),
		zap.Int("tenant_rows", len(tenant)),
	)
	return classifier.DefaultRanges().Merge(system).Merge(tenant), nil
}
