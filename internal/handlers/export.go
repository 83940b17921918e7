package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"chirp/internal/drip"
	"chirp/internal/importer"
	"chirp/internal/utils/logger"

	"github.com/labstack/echo/v4"
	"github.com/xuri/excelize/v2"
)

var exportLog = logger.New("EXPORT")

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// 📊 buildXLSX writes one sheet with a bold header row.
func buildXLSX(sheet string, headers []string, rows [][]interface{}) ([]byte, error) {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			exportLog.Error("Failed to close Excel file: %v", err)
		}
	}()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}

	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return nil, err
		}
	}
	if len(headers) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(headers), 1)
		_ = f.SetCellStyle(sheet, "A1", last, bold)
	}

	for r, row := range rows {
		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, r+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}

	buffer, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write Excel to buffer: %w", err)
	}
	return buffer.Bytes(), nil
}

func attachment(c echo.Context, contentType, filename string, data []byte) error {
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
	return c.Blob(http.StatusOK, contentType, data)
}

func contactsCSV(contacts []importer.Contact) ([]byte, error) {
	var buf bytes.Buffer
	if err := importer.WriteCSV(&buf, contacts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func contactsXLSX(contacts []importer.Contact) ([]byte, error) {
	var custom []string
	seen := map[string]bool{}
	for _, c := range contacts {
		for k := range c.CustomFields {
			if !seen[k] {
				seen[k] = true
				custom = append(custom, k)
			}
		}
	}
	sort.Strings(custom)
	headers := append([]string{"phone", "first_name", "last_name", "email", "tags"}, custom...)

	rows := make([][]interface{}, 0, len(contacts))
	for _, c := range contacts {
		row := []interface{}{c.Phone, c.FirstName, c.LastName, c.Email, strings.Join(c.Tags, ";")}
		for _, k := range custom {
			row = append(row, c.CustomFields[k])
		}
		rows = append(rows, row)
	}
	return buildXLSX("Contacts", headers, rows)
}

func funnelXLSX(f *drip.Funnel) ([]byte, error) {
	headers := []string{"Position", "Step", "Sent", "Delivered", "Read", "Replied", "Clicked", "Failed",
		"Delivery rate", "Read rate", "Reply rate", "Click rate", "Conversion", "Drop-off"}
	rows := make([][]interface{}, 0, len(f.Steps))
	for _, s := range f.Steps {
		rows = append(rows, []interface{}{
			s.Position, s.Name, s.Sent, s.Delivered, s.Read, s.Replied, s.Clicked, s.Failed,
			s.DeliveryRate, s.ReadRate, s.ReplyRate, s.ClickRate, s.Conversion, s.DropOff,
		})
	}
	return buildXLSX("Funnel", headers, rows)
}
