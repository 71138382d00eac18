package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
)

const (
	summarySheet  = "Summary"
	maxSheetName  = 31
	xlsxMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// exportXLSX writes a summary sheet plus one sheet per materialized slice.
func exportXLSX(snapshot store.Snapshot, results map[string]slices.Result) (*Result, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename summary sheet: %w", err)
	}

	report := snapshot.Report
	summary := [][]any{
		{"Report", report.Title},
		{"Report ID", report.ID},
		{"Status", report.Status},
		{"Version", report.Version},
		{"Template", fmt.Sprintf("%s v%d", snapshot.Template.Name, snapshot.Template.Version)},
	}
	if report.TimeRangeStart != nil {
		summary = append(summary, []any{"From", report.TimeRangeStart.UTC().Format("2006-01-02")})
	}
	if report.TimeRangeEnd != nil {
		summary = append(summary, []any{"To", report.TimeRangeEnd.UTC().Format("2006-01-02")})
	}
	summary = append(summary, []any{}, []any{"Slice", "Source", "Rows", "Sheet"})

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	used := map[string]bool{strings.ToLower(summarySheet): true}
	for _, id := range ids {
		result := results[id]
		if !result.Resolved() {
			summary = append(summary, []any{id, result.Metadata.Source, 0, ""})
			continue
		}
		sheet := uniqueSheetName(id, used)
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, fmt.Errorf("create sheet %s: %w", sheet, err)
		}
		if err := writeTable(f, sheet, result.Table); err != nil {
			return nil, err
		}
		summary = append(summary, []any{id, result.Metadata.Source, len(result.Table.Rows), sheet})
	}

	for i, row := range summary {
		if err := writeRow(f, summarySheet, i+1, row); err != nil {
			return nil, err
		}
	}
	if err := f.SetColWidth(summarySheet, "A", "B", 24); err != nil {
		return nil, fmt.Errorf("size summary columns: %w", err)
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return &Result{
		Data:     buf.Bytes(),
		Filename: sanitizeFilename(report.Title) + ".xlsx",
		MimeType: xlsxMediaType,
	}, nil
}

func writeTable(f *excelize.File, sheet string, table slices.Table) error {
	header := make([]any, 0, len(table.Columns))
	for _, column := range table.Columns {
		header = append(header, column)
	}
	if err := writeRow(f, sheet, 1, header); err != nil {
		return err
	}
	for i, row := range table.Rows {
		values := make([]any, 0, len(table.Columns))
		for _, column := range table.Columns {
			values = append(values, cellValue(row[column]))
		}
		if err := writeRow(f, sheet, i+2, values); err != nil {
			return err
		}
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	if len(values) == 0 {
		return nil
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

// cellValue keeps numbers numeric so spreadsheet formulas work on them.
func cellValue(v any) any {
	switch typed := v.(type) {
	case nil:
		return ""
	case json.Number:
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case string, bool, float64, float32, int, int32, int64:
		return typed
	case map[string]any, []any:
		data, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return fmt.Sprint(v)
}

// uniqueSheetName strips characters Excel rejects, truncates to 31 runes and
// appends a counter when the name is already taken.
func uniqueSheetName(id string, used map[string]bool) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, id)
	cleaned = strings.Trim(cleaned, "'")
	if cleaned == "" {
		cleaned = "slice"
	}
	name := truncateRunes(cleaned, maxSheetName)
	for n := 2; used[strings.ToLower(name)]; n++ {
		suffix := fmt.Sprintf("~%d", n)
		name = truncateRunes(cleaned, maxSheetName-len(suffix)) + suffix
	}
	used[strings.ToLower(name)] = true
	return name
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
