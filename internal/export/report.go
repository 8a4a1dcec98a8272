// Package export renders identity registry reports for download.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"panelbridge/internal/audit"
	identity "panelbridge/internal/identity/domain"
)

// Report is the data set behind an identity report.
type Report struct {
	Serial       string
	Policy       string
	DevicePrefix bool
	GeneratedAt  time.Time
	Records      []identity.Record
	Audit        []audit.Entry
}

// BuildIdentityReportPDF renders a minimal PDF for the identity registry.
func BuildIdentityReportPDF(report Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Panel Identity Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Panel: %s", report.Serial))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Policy: %s", report.Policy))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Device Prefix: %t", report.DevicePrefix))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", report.GeneratedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(70, 6, "Unique ID", "1", 0, "C", false, 0, "")
	pdf.CellFormat(80, 6, "Entity ID", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "Override", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, record := range report.Records {
		pdf.CellFormat(70, 6, record.UniqueID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(80, 6, record.EntityID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(25, 6, fmt.Sprintf("%t", record.UserOverride), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	if len(report.Audit) > 0 {
		pdf.Ln(6)
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, "Recent Migrations")
		pdf.Ln(7)
		pdf.CellFormat(65, 6, "Old Entity ID", "1", 0, "C", false, 0, "")
		pdf.CellFormat(65, 6, "New Entity ID", "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, "Outcome", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 9)
		for _, entry := range report.Audit {
			pdf.CellFormat(65, 6, entry.OldEntityID, "1", 0, "L", false, 0, "")
			pdf.CellFormat(65, 6, entry.NewEntityID, "1", 0, "L", false, 0, "")
			pdf.CellFormat(25, 6, string(entry.Outcome), "1", 0, "C", false, 0, "")
			pdf.Ln(-1)
		}
	}

	var buf bytes.Buffer
	err := pdf.Output(&buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildIdentityReportXLSX renders a minimal XLSX for the identity registry.
func BuildIdentityReportXLSX(report Report) ([]byte, error) {
	f := excelize.NewFile()
	identitiesSheet := "identities"
	auditSheet := "audit"
	f.SetSheetName("Sheet1", identitiesSheet)
	f.NewSheet(auditSheet)

	_ = f.SetCellValue(identitiesSheet, "A1", "Panel")
	_ = f.SetCellValue(identitiesSheet, "B1", report.Serial)
	_ = f.SetCellValue(identitiesSheet, "A2", "Policy")
	_ = f.SetCellValue(identitiesSheet, "B2", report.Policy)
	_ = f.SetCellValue(identitiesSheet, "A3", "Device Prefix")
	_ = f.SetCellValue(identitiesSheet, "B3", report.DevicePrefix)
	_ = f.SetCellValue(identitiesSheet, "A4", "Generated")
	_ = f.SetCellValue(identitiesSheet, "B4", report.GeneratedAt.UTC().Format(time.RFC3339))

	_ = f.SetCellValue(identitiesSheet, "A6", "Unique ID")
	_ = f.SetCellValue(identitiesSheet, "B6", "Entity ID")
	_ = f.SetCellValue(identitiesSheet, "C6", "User Override")
	_ = f.SetCellValue(identitiesSheet, "D6", "Updated")
	for i, record := range report.Records {
		row := i + 7
		_ = f.SetCellValue(identitiesSheet, fmt.Sprintf("A%d", row), record.UniqueID)
		_ = f.SetCellValue(identitiesSheet, fmt.Sprintf("B%d", row), record.EntityID)
		_ = f.SetCellValue(identitiesSheet, fmt.Sprintf("C%d", row), record.UserOverride)
		_ = f.SetCellValue(identitiesSheet, fmt.Sprintf("D%d", row), record.UpdatedAt.UTC().Format(time.RFC3339))
	}

	_ = f.SetCellValue(auditSheet, "A1", "Cycle")
	_ = f.SetCellValue(auditSheet, "B1", "Unique ID")
	_ = f.SetCellValue(auditSheet, "C1", "Old Entity ID")
	_ = f.SetCellValue(auditSheet, "D1", "New Entity ID")
	_ = f.SetCellValue(auditSheet, "E1", "Outcome")
	_ = f.SetCellValue(auditSheet, "F1", "Detail")
	for i, entry := range report.Audit {
		row := i + 2
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("A%d", row), entry.CycleID)
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("B%d", row), entry.UniqueID)
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("C%d", row), entry.OldEntityID)
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("D%d", row), entry.NewEntityID)
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("E%d", row), string(entry.Outcome))
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("F%d", row), entry.Detail)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
