// Package export writes comparison and map tables as XLSX workbooks.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

const (
	ComparisonSheet = "Comparison"
	MapSheet        = "Map"
)

// ComparisonXLSX writes the comparison table with its column titles as the
// header row.
func ComparisonXLSX(w io.Writer, c domain.Comparison) error {
	rows := make([][]any, 0, len(c.Rows))
	for _, r := range c.Rows {
		rows = append(rows, []any{r.Metric, r.Subject, r.Reference})
	}
	return writeSheet(w, ComparisonSheet, c.Columns, rows)
}

// MapTableXLSX writes the choropleth data table, one row per entity in the
// given order. The raw value is kept next to its formatted display.
func MapTableXLSX(w io.Writer, metric string, year int, values []domain.MapValue) error {
	header := []string{"Rank", "Name", "GEOID", fmt.Sprintf("%s (%d)", metric, year), "Value"}
	rows := make([][]any, 0, len(values))
	for i, v := range values {
		rows = append(rows, []any{i + 1, v.Entity.Name, v.Entity.GeoID, v.Display, v.Value})
	}
	return writeSheet(w, MapSheet, header, rows)
}

func writeSheet(w io.Writer, sheet string, header []string, rows [][]any) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}

	for i, h := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if len(header) > 0 {
		last, _ := excelize.CoordinatesToCellName(len(header), 1)
		if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
			return fmt.Errorf("style header: %w", err)
		}
	}

	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("write %s: %w", cell, err)
			}
		}
	}

	if err := f.SetColWidth(sheet, "A", "A", 40); err != nil {
		return fmt.Errorf("column width: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
