package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"reportkit/api/internal/assembly"
	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
)

type builderFunc func(ctx context.Context, snapshot store.Snapshot, opts assembly.Options) (assembly.Document, map[string]slices.Result, error)

func (f builderFunc) Build(ctx context.Context, snapshot store.Snapshot, opts assembly.Options) (assembly.Document, map[string]slices.Result, error) {
	return f(ctx, snapshot, opts)
}

func testSnapshot() store.Snapshot {
	return store.Snapshot{
		Report:   store.Report{ID: "rpt_1", Title: "Weekly Spend", Status: store.StatusApproved, Version: 3},
		Template: store.ReportTemplate{Name: "weekly", Version: 1},
	}
}

func testResults() map[string]slices.Result {
	return map[string]slices.Result{
		"ads": {
			ID: "ads",
			Table: slices.Table{
				Columns: []string{"day", "spend"},
				Rows: []map[string]any{
					{"day": "mon", "spend": json.Number("10.25")},
					{"day": "tue", "spend": json.Number("4")},
				},
			},
			Metadata: slices.Metadata{Source: slices.SourceInline, RowCount: 2},
		},
		"remote": {ID: "remote", Metadata: slices.Metadata{Source: slices.SourceError}},
	}
}

func newTestService(doc assembly.Document, calls *int) *Service {
	svc := NewService(builderFunc(func(_ context.Context, _ store.Snapshot, opts assembly.Options) (assembly.Document, map[string]slices.Result, error) {
		*calls++
		if opts.RenderedAt.IsZero() {
			return assembly.Document{}, nil, errors.New("rendered_at not set")
		}
		return doc, testResults(), nil
	}), nil)
	svc.now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }
	return svc
}

func TestExportHTML(t *testing.T) {
	var calls int
	svc := newTestService(assembly.Document{HTML: "<html>ok</html>"}, &calls)

	data, contentType, err := svc.Render(context.Background(), testSnapshot(), " HTML ")
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if string(data) != "<html>ok</html>" {
		t.Errorf("Render() data = %q", data)
	}
	if !strings.HasPrefix(contentType, "text/html") {
		t.Errorf("Render() content type = %q", contentType)
	}
	if calls != 1 {
		t.Errorf("builder called %d times, want 1", calls)
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	var calls int
	svc := newTestService(assembly.Document{}, &calls)

	_, err := svc.Export(context.Background(), testSnapshot(), Format("odt"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Export() error = %v, want ErrUnsupportedFormat", err)
	}
	if calls != 0 {
		t.Errorf("builder called %d times, want 0", calls)
	}
}

func TestExportPDFPrintsAssembledHTML(t *testing.T) {
	var calls int
	svc := newTestService(assembly.Document{HTML: "<html>pdf</html>"}, &calls)
	var printed string
	svc.pdf = func(_ context.Context, html, title string) (*Result, error) {
		printed = html
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + ".pdf", MimeType: "application/pdf"}, nil
	}

	result, err := svc.Export(context.Background(), testSnapshot(), FormatPDF)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if printed != "<html>pdf</html>" {
		t.Errorf("printed html = %q", printed)
	}
	if result.Filename != "Weekly-Spend.pdf" {
		t.Errorf("filename = %q", result.Filename)
	}
}

func TestExportXLSX(t *testing.T) {
	var calls int
	svc := newTestService(assembly.Document{}, &calls)

	result, err := svc.Export(context.Background(), testSnapshot(), FormatXLSX)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.MimeType != xlsxMediaType {
		t.Errorf("mime type = %q", result.MimeType)
	}

	f, err := excelize.OpenReader(bytes.NewReader(result.Data))
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != summarySheet || sheets[1] != "ads" {
		t.Fatalf("sheets = %v", sheets)
	}
	rows, err := f.GetRows("ads")
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	want := [][]string{{"day", "spend"}, {"mon", "10.25"}, {"tue", "4"}}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v", rows)
	}
	for i := range want {
		if strings.Join(rows[i], ",") != strings.Join(want[i], ",") {
			t.Errorf("row %d = %v, want %v", i, rows[i], want[i])
		}
	}

	summary, err := f.GetRows(summarySheet)
	if err != nil {
		t.Fatalf("GetRows(summary) error = %v", err)
	}
	var sawError bool
	for _, row := range summary {
		if len(row) > 1 && row[0] == "remote" && row[1] == slices.SourceError {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("summary does not list the failed slice: %v", summary)
	}
}

func TestUniqueSheetName(t *testing.T) {
	used := map[string]bool{"summary": true}
	tests := []struct {
		input    string
		expected string
	}{
		{"ads/daily", "ads_daily"},
		{"summary", "summary~2"},
		{"ADS_DAILY", "ADS_DAILY~2"},
		{"a-very-long-slice-identifier-over-limit", "a-very-long-slice-identifier-ov"},
		{"", "slice"},
	}
	for _, tt := range tests {
		if got := uniqueSheetName(tt.input, used); got != tt.expected {
			t.Errorf("uniqueSheetName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"Q1 Report v1.2", "Q1-Report-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "report"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
