package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"wisefido-monitor/internal/classifier"
	"wisefido-monitor/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *ReferenceRangeRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewReferenceRangeRepository(db, logger)

	return db, mock, repo
}

var rangeColumns = []string{"metric", "low_value", "high_value", "is_default"}

func TestLoadRanges_TenantOverridesSystemOverridesStatic(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(rangeColumns).
		AddRow("heart_rate", 55.0, 105.0, true).
		AddRow("heart_rate", 50.0, 110.0, false).
		AddRow("spo2", 92.0, 100.0, true)

	mock.ExpectQuery(`FROM vital_reference_ranges`).
		WithArgs("tenant-123").
		WillReturnRows(rows)

	ranges, err := repo.LoadRanges(context.Background(), "tenant-123")
	require.NoError(t, err)

	assert.Equal(t, models.ReferenceRange{Metric: models.MetricHeartRate, Low: 50, High: 110}, ranges[models.MetricHeartRate])
	assert.Equal(t, models.ReferenceRange{Metric: models.MetricSpO2, Low: 92, High: 100}, ranges[models.MetricSpO2])
	assert.Equal(t, classifier.DefaultRanges()[models.MetricTemperature], ranges[models.MetricTemperature])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRanges_EmptyTableFallsBackToStatic(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM vital_reference_ranges`).
		WithArgs("tenant-123").
		WillReturnRows(sqlmock.NewRows(rangeColumns))

	ranges, err := repo.LoadRanges(context.Background(), "tenant-123")
	require.NoError(t, err)
	assert.Equal(t, classifier.DefaultRanges(), ranges)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRanges_SkipsInvertedRows(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows(rangeColumns).
		AddRow("temperature", 39.0, 35.0, false)

	mock.ExpectQuery(`FROM vital_reference_ranges`).
		WithArgs("tenant-123").
		WillReturnRows(rows)

	ranges, err := repo.LoadRanges(context.Background(), "tenant-123")
	require.NoError(t, err)
	assert.Equal(t, classifier.DefaultRanges()[models.MetricTemperature], ranges[models.MetricTemperature])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRanges_QueryError(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`FROM vital_reference_ranges`).
		WithArgs("tenant-123").
		WillReturnError(errors.New("connection reset"))

	_, err := repo.LoadRanges(context.Background(), "tenant-123")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
