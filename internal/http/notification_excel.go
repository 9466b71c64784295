package httpapi

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

const notificationSheet = "Notifications"

// NotificationExportHeader export columns
var NotificationExportHeader = []string{
	"Created At",
	"Type",
	"Priority",
	"Device",
	"Title",
	"Message",
	"Delivery",
	"Retries",
	"Read",
	"Archived",
}

var notificationColumnWidths = []float64{20, 16, 10, 18, 28, 48, 40, 8, 8, 10}

// GenerateNotificationExport renders notifications as an xlsx workbook
func GenerateNotificationExport(list []models.Notification) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(notificationSheet)
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

	for col, header := range NotificationExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(notificationSheet, cell, header); err != nil {
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(notificationSheet, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(notificationSheet, name, name, notificationColumnWidths[col]); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, n := range list {
		row := []interface{}{
			n.CreatedAt.UTC().Format(time.RFC3339),
			string(n.Type),
			string(n.Priority),
			n.DeviceID,
			n.Title,
			n.Message,
			deliverySummary(n),
			n.RetryCount,
			n.IsRead,
			n.IsArchived,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(notificationSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// deliverySummary "email=exhausted(3), push=sent(1)"
func deliverySummary(n models.Notification) string {
	parts := make([]string, 0, len(n.Delivery))
	for ch, d := range n.Delivery {
		parts = append(parts, fmt.Sprintf("%s=%s(%d)", ch, d.Status, d.Attempts))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}
