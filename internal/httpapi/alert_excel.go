package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"servo-monitor/internal/models"

	"github.com/xuri/excelize/v2"
)

const alertSheetName = "Alerts"

// AlertExportHeader 告警导出表头
var AlertExportHeader = []string{
	"Alert ID",
	"Device ID",
	"Type",
	"Severity",
	"Message",
	"Value",
	"Threshold",
	"Timestamp",
	"Resolved",
	"Resolved At",
}

var alertColumnWidths = []float64{38, 16, 14, 10, 64, 10, 10, 22, 10, 22}

// GenerateAlertExport 生成告警导出 Excel 文件；alerts 为空时只有表头
func GenerateAlertExport(alerts []*models.Alert) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(alertSheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
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

	for col, header := range AlertExportHeader {
		if err := setCellValue(f, col+1, 1, header); err != nil {
			return nil, fmt.Errorf("failed to set header: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(alertSheetName, name, name, alertColumnWidths[col]); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(AlertExportHeader), 1)
	if err := f.SetCellStyle(alertSheetName, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i, a := range alerts {
		row := i + 2
		resolvedAt := ""
		if a.ResolvedAt != nil {
			resolvedAt = a.ResolvedAt.UTC().Format(time.RFC3339)
		}
		values := []any{
			a.AlertID,
			a.DeviceID,
			string(a.Type),
			string(a.Severity),
			a.Message,
			a.Value,
			a.Threshold,
			a.Timestamp.UTC().Format(time.RFC3339),
			a.Resolved,
			resolvedAt,
		}
		for col, v := range values {
			if err := setCellValue(f, col+1, row, v); err != nil {
				return nil, fmt.Errorf("failed to set cell at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	// 冻结表头
	if err := f.SetPanes(alertSheetName, &excelize.Panes{
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

func setCellValue(f *excelize.File, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(alertSheetName, cell, value)
}
