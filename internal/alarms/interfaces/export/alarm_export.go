package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarms "powermeter-cloud/internal/alarms/domain"
)

const timeLayout = "2006-01-02 15:04"

// BuildAlarmPDF renders a minimal alarm report.
func BuildAlarmPDF(customerID string, list []alarms.Alarm) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alarm Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Customer: %s", customerID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Alarms: %d", len(list)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(40, 6, "Device", "1", 0, "C", false, 0, "")
	pdf.CellFormat(35, 6, "Site", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "State", "1", 0, "C", false, 0, "")
	pdf.CellFormat(32, 6, "Start", "1", 0, "C", false, 0, "")
	pdf.CellFormat(32, 6, "End", "1", 0, "C", false, 0, "")
	pdf.CellFormat(115, 6, "Message", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, alarm := range list {
		pdf.CellFormat(40, 6, alarm.DeviceID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(35, 6, alarm.SiteID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(22, 6, string(alarm.State), "1", 0, "C", false, 0, "")
		pdf.CellFormat(32, 6, formatTime(alarm.StartDate), "1", 0, "C", false, 0, "")
		pdf.CellFormat(32, 6, formatTime(alarm.EndDate), "1", 0, "C", false, 0, "")
		pdf.CellFormat(115, 6, truncate(alarm.Message, 70), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildAlarmXLSX renders alarms as a single sheet.
func BuildAlarmXLSX(list []alarms.Alarm) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "alarms"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"ID", "Device", "Site", "State", "Message", "Start", "Last Update", "End", "Email"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for i, alarm := range list {
		row := i + 2
		values := []any{
			alarm.ID,
			alarm.DeviceID,
			alarm.SiteID,
			string(alarm.State),
			alarm.Message,
			formatTime(alarm.StartDate),
			formatTime(alarm.LastUpdate),
			formatTime(alarm.EndDate),
			string(alarm.Emailed),
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
