package export

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"wisefido-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestNewBoardRow_CountsUnacknowledged(t *testing.T) {
	ack := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	row := NewBoardRow(
		models.PatientStatusSummary{PatientID: "p1", Status: models.StatusCritical, Risk: models.RiskHigh},
		[]models.AlertRecord{
			{ID: "a1", Severity: models.SeverityCritical},
			{ID: "a2", Severity: models.SeverityWarning},
			{ID: "a3", Severity: models.SeverityCritical, AcknowledgedAt: &ack},
		},
	)

	assert.Equal(t, 2, row.ActiveAlerts)
	assert.Equal(t, 1, row.CriticalAlerts)
}

func TestGenerateStatusBoard_Rows(t *testing.T) {
	generatedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, err := GenerateStatusBoard([]BoardRow{
		{Summary: models.PatientStatusSummary{PatientID: "p1", Status: models.StatusCritical, Risk: models.RiskHigh}, ActiveAlerts: 2, CriticalAlerts: 1},
		{Summary: models.PatientStatusSummary{PatientID: "p2", Status: models.StatusStable, Risk: models.RiskLow}},
	}, generatedAt)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, StatusBoardHeader, rows[0])
	assert.Equal(t, []string{"p1", "critical", "high", "2", "1", "2026-03-01T10:00:00Z"}, rows[1])
	assert.Equal(t, []string{"p2", "stable", "low", "0", "0", "2026-03-01T10:00:00Z"}, rows[2])
}

func TestWriteStatusBoard_EmptyBoardHasHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.xlsx")
	require.NoError(t, WriteStatusBoard(path, nil, time.Now()))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, StatusBoardHeader, rows[0])
}
