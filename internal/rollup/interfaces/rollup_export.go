package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	rollupapp "loomwatch/internal/rollup/application"
	rollup "loomwatch/internal/rollup/domain"
)

// Report is one rendered rollup query.
type Report struct {
	Granularity   rollup.Granularity
	GeneratedAt   time.Time
	Records       []rollup.Record
	MaterialNames map[int64]string
}

func (r Report) materialName(id int64) string {
	if id == 0 {
		return "-"
	}
	if name, ok := r.MaterialNames[id]; ok && name != "" {
		return fmt.Sprintf("%d %s", id, name)
	}
	return fmt.Sprintf("%d", id)
}

// BuildRollupPDF renders a production report.
func BuildRollupPDF(report Report) ([]byte, error) {
	totals := rollupapp.Summarize(report.Records)

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Production Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Granularity: %s", report.Granularity))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total pulses: %d", totals.Pulses))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total units: %.2f", totals.Units))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Uptime / downtime ticks: %d / %d", totals.Uptime, totals.Downtime))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(38, 6, "Period", "1", 0, "C", false, 0, "")
	pdf.CellFormat(18, 6, "Machine", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Material", "1", 0, "C", false, 0, "")
	pdf.CellFormat(28, 6, "Pulses", "1", 0, "C", false, 0, "")
	pdf.CellFormat(24, 6, "Units", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Uptime", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Downtime", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, rec := range report.Records {
		pdf.CellFormat(38, 6, rec.Label, "1", 0, "L", false, 0, "")
		pdf.CellFormat(18, 6, fmt.Sprintf("%d", rec.DeviceID), "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, report.materialName(rec.MaterialID), "1", 0, "L", false, 0, "")
		pdf.CellFormat(28, 6, fmt.Sprintf("%d", rec.TotalPulses), "1", 0, "R", false, 0, "")
		pdf.CellFormat(24, 6, fmt.Sprintf("%.2f", rec.TotalUnits), "1", 0, "R", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", rec.Uptime), "1", 0, "R", false, 0, "")
		pdf.CellFormat(20, 6, fmt.Sprintf("%d", rec.Downtime), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRollupXLSX renders the records on a "rollup" sheet with a "summary" sheet in front.
func BuildRollupXLSX(report Report) ([]byte, error) {
	totals := rollupapp.Summarize(report.Records)

	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	rowsSheet := "rollup"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(rowsSheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(summarySheet, "A1", "Production Report")
	_ = f.SetCellValue(summarySheet, "A3", "Granularity")
	_ = f.SetCellValue(summarySheet, "B3", string(report.Granularity))
	_ = f.SetCellValue(summarySheet, "A4", "Generated")
	_ = f.SetCellValue(summarySheet, "B4", report.GeneratedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "Total pulses")
	_ = f.SetCellValue(summarySheet, "B5", totals.Pulses)
	_ = f.SetCellValue(summarySheet, "A6", "Total units")
	_ = f.SetCellValue(summarySheet, "B6", totals.Units)
	_ = f.SetCellValue(summarySheet, "A7", "Uptime ticks")
	_ = f.SetCellValue(summarySheet, "B7", totals.Uptime)
	_ = f.SetCellValue(summarySheet, "A8", "Downtime ticks")
	_ = f.SetCellValue(summarySheet, "B8", totals.Downtime)

	header := []any{"time", "label", "device_id", "material_id", "material", "total_pulses", "total_units", "uptime", "downtime"}
	if err := f.SetSheetRow(rowsSheet, "A1", &header); err != nil {
		return nil, err
	}
	for i, rec := range report.Records {
		row := []any{
			rec.Start.UTC().Format(time.RFC3339),
			rec.Label,
			rec.DeviceID,
			rec.MaterialID,
			report.materialName(rec.MaterialID),
			rec.TotalPulses,
			rec.TotalUnits,
			rec.Uptime,
			rec.Downtime,
		}
		if err := f.SetSheetRow(rowsSheet, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
