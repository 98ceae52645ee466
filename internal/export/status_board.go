// Package export renders the ward status board as an Excel workbook.
package export

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"wisefido-monitor/internal/models"

	"github.com/xuri/excelize/v2"
)

// SheetName 状态看板工作表名
const SheetName = "Status Board"

// StatusBoardHeader 表头
var StatusBoardHeader = []string{
	"Patient ID",
	"Status",
	"Risk",
	"Active Alerts",
	"Critical Alerts",
	"Generated At",
}

// BoardRow one patient line of the board.
type BoardRow struct {
	Summary        models.PatientStatusSummary
	ActiveAlerts   int
	CriticalAlerts int
}

// NewBoardRow counts the unacknowledged alerts of one patient.
func NewBoardRow(summary models.PatientStatusSummary, active []models.AlertRecord) BoardRow {
	row := BoardRow{Summary: summary}
	for _, a := range active {
		if a.Acknowledged() {
			continue
		}
		row.ActiveAlerts++
		if a.Severity == models.SeverityCritical {
			row.CriticalAlerts++
		}
	}
	return row
}

// WriteStatusBoard writes the board to path.
func WriteStatusBoard(path string, rows []BoardRow, generatedAt time.Time) error {
	b, err := GenerateStatusBoard(rows, generatedAt)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("failed to write status board: %w", err)
	}
	return nil
}

// GenerateStatusBoard 生成状态看板 Excel 文件
func GenerateStatusBoard(rows []BoardRow, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	criticalStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#C00000"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create critical style: %w", err)
	}

	for col, header := range StatusBoardHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(SheetName, cell, header); err != nil {
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(SheetName, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
	}
	if err := f.SetColWidth(SheetName, "A", "F", 18); err != nil {
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}

	stamp := generatedAt.UTC().Format(time.RFC3339)
	for i, r := range rows {
		row := i + 2 // 从第2行开始（第1行是表头）
		values := []any{
			r.Summary.PatientID,
			string(r.Summary.Status),
			string(r.Summary.Risk),
			r.ActiveAlerts,
			r.CriticalAlerts,
			stamp,
		}
		for col, v := range values {
			if err := setCellValue(f, SheetName, col+1, row, v); err != nil {
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
		if r.Summary.Status == models.StatusCritical {
			start, _ := excelize.CoordinatesToCellName(1, row)
			end, _ := excelize.CoordinatesToCellName(len(values), row)
			if err := f.SetCellStyle(SheetName, start, end, criticalStyle); err != nil {
				return nil, fmt.Errorf("failed to set row style: %w", err)
			}
		}
	}

	// 冻结表头
	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	return buf.Bytes(), nil
}

// setCellValue 设置单元格值
func setCellValue(f *excelize.File, sheet string, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}
