// Package xlsx reads the material catalog from the spreadsheet the weaving office maintains.
package xlsx

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	catalog "loomwatch/internal/catalog/domain"
)

// ErrMissingColumn is returned when the header row lacks id or pulses_per_unit.
var ErrMissingColumn = errors.New("catalog xlsx: missing required column")

// columnAliases maps accepted header spellings to catalog fields.
var columnAliases = map[string]string{
	"id":              "id",
	"material_id":     "id",
	"article_number":  "id",
	"name":            "name",
	"pattern":         "pattern",
	"color":           "color",
	"colour":          "color",
	"width":           "width",
	"pulses_per_unit": "pulses_per_unit",
	"skott_per_meter": "pulses_per_unit",
}

// ReadFile reads materials from an .xlsx file on disk.
func ReadFile(path string) ([]catalog.Material, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog xlsx: open %s: %w", path, err)
	}
	defer f.Close()
	return read(f)
}

// Read reads materials from an .xlsx stream.
func Read(r io.Reader) ([]catalog.Material, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("catalog xlsx: open: %w", err)
	}
	defer f.Close()
	return read(f)
}

// read uses the first sheet. Row 1 is the header; blank rows are skipped.
func read(f *excelize.File) ([]catalog.Material, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("catalog xlsx: workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("catalog xlsx: read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: empty sheet", ErrMissingColumn)
	}

	columns := make(map[string]int)
	for i, cell := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(cell))
		key = strings.ReplaceAll(key, " ", "_")
		if field, ok := columnAliases[key]; ok {
			if _, seen := columns[field]; !seen {
				columns[field] = i
			}
		}
	}
	for _, required := range []string{"id", "pulses_per_unit"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	materials := make([]catalog.Material, 0, len(rows)-1)
	seen := make(map[int64]int)
	for i, row := range rows[1:] {
		line := i + 2
		if blank(row) {
			continue
		}
		cell := func(field string) string {
			idx, ok := columns[field]
			if !ok || idx >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[idx])
		}

		id, err := strconv.ParseInt(cell("id"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: id %q", catalog.ErrInvalidMaterial, line, cell("id"))
		}
		ppu, err := parseFloat(cell("pulses_per_unit"))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: pulses_per_unit %q", catalog.ErrInvalidMaterial, line, cell("pulses_per_unit"))
		}
		width, err := parseFloat(cell("width"))
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: width %q", catalog.ErrInvalidMaterial, line, cell("width"))
		}
		material := catalog.Material{
			ID:            id,
			Name:          cell("name"),
			Pattern:       cell("pattern"),
			Color:         cell("color"),
			Width:         width,
			PulsesPerUnit: ppu,
		}
		if err := material.Validate(); err != nil {
			return nil, fmt.Errorf("%w: row %d", err, line)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: row %d: id %d already on row %d", catalog.ErrInvalidMaterial, line, id, prev)
		}
		seen[id] = line
		materials = append(materials, material)
	}
	return materials, nil
}

// parseFloat accepts a decimal comma; empty means zero.
func parseFloat(value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.ParseFloat(strings.ReplaceAll(value, ",", "."), 64)
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
