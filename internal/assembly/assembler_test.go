package assembly

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
)

func testAssembler() *Assembler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger)
}

func testSnapshot() store.Snapshot {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	return store.Snapshot{
		Report: store.Report{
			ID:             "rpt_1",
			Title:          "January spend",
			OwnerID:        "usr_owner",
			Status:         store.StatusApproved,
			Version:        4,
			TimeRangeStart: &start,
			TimeRangeEnd:   &end,
		},
		Template: store.ReportTemplate{
			Name:      "monthly",
			Version:   2,
			Variables: map[string]string{"client": "Acme"},
		},
		Sections: []store.Section{
			{
				ID:             "sec_b",
				Title:          "Detail",
				OrderIndex:     2,
				Content:        "Rows: {{ rows.ads }}\n\n{{ tables.ads }}",
				SourceSliceIDs: []string{"ads"},
			},
			{
				ID:         "sec_a",
				Title:      "Summary",
				OrderIndex: 1,
				Content:    "Spend for {{ vars.client }} in {{ report.start }}: {{ totals.spend }}\n\n{{ charts.daily-spend }}",
				Charts: []store.ChartSpec{{
					Title:         "Daily spend",
					ChartType:     ChartBar,
					SourceSliceID: "ads",
					XField:        "day",
					YFields:       []string{"spend"},
				}},
				SourceSliceIDs: []string{"ads"},
			},
		},
	}
}

func testResults() map[string]slices.Result {
	return map[string]slices.Result{
		"ads": {
			ID: "ads",
			Table: slices.Table{
				Columns: []string{"day", "spend"},
				Rows: []map[string]any{
					{"day": "2024-01-01", "spend": json.Number("10.25")},
					{"day": "2024-01-02", "spend": json.Number("20.25")},
				},
			},
			Metadata: slices.Metadata{Source: slices.SourceInline, RowCount: 2},
		},
		"search": {
			ID: "search",
			Table: slices.Table{
				Columns: []string{"spend", "label"},
				Rows:    []map[string]any{{"spend": json.Number("9.5"), "label": "12"}},
			},
			Metadata: slices.Metadata{Source: slices.SourceInline, RowCount: 1},
		},
	}
}

func TestAssembleIsByteIdentical(t *testing.T) {
	a := testAssembler()
	opts := Options{RenderedAt: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)}

	first, err := a.Assemble(testSnapshot(), testResults(), opts)
	require.NoError(t, err)
	second, err := a.Assemble(testSnapshot(), testResults(), opts)
	require.NoError(t, err)

	assert.Equal(t, first.HTML, second.HTML)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Len(t, first.ContentHash, 64)
}

func TestAssembleOnlyRenderedAtVaries(t *testing.T) {
	a := testAssembler()
	early, err := a.Assemble(testSnapshot(), testResults(), Options{RenderedAt: time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	late, err := a.Assemble(testSnapshot(), testResults(), Options{RenderedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	assert.Equal(t, early.ContentHash, late.ContentHash)
	assert.Equal(t, early.Body, late.Body)
	assert.NotEqual(t, early.HTML, late.HTML)
	assert.Contains(t, early.HTML, `data-time-varying="rendered_at"`)
	assert.Equal(t,
		strings.Replace(early.HTML, "2024-02-01T09:00:00Z", "", 1),
		strings.Replace(late.HTML, "2025-06-01T09:00:00Z", "", 1))
}

func TestAssembleOrdersSectionsAndFillsContext(t *testing.T) {
	doc, err := testAssembler().Assemble(testSnapshot(), testResults(), Options{})
	require.NoError(t, err)
	assert.Empty(t, doc.Diagnostics)

	summary := strings.Index(doc.HTML, `id="sec_a"`)
	detail := strings.Index(doc.HTML, `id="sec_b"`)
	require.NotEqual(t, -1, summary)
	require.NotEqual(t, -1, detail)
	assert.Less(t, summary, detail)

	assert.Contains(t, doc.Body, "Spend for Acme in 2024-01-01: 40")
	assert.Contains(t, doc.Body, "Rows: 2")
	assert.Contains(t, doc.Body, `<figure class="chart chart-bar">`)
	assert.Contains(t, doc.Body, "<svg")
	assert.Contains(t, doc.Body, `<table class="slice-table">`)
	assert.Contains(t, doc.HTML, "2024-01-01 to 2024-01-31")
	assert.NotContains(t, doc.HTML, `data-time-varying`)
}

func TestAssembleTotalsIgnoreStrings(t *testing.T) {
	snapshot := testSnapshot()
	snapshot.Sections = []store.Section{{
		ID:      "sec_1",
		Content: "spend={{ totals.spend }} ads={{ sums.ads.spend }} label=[{{ totals.label }}]",
	}}

	doc, err := testAssembler().Assemble(snapshot, testResults(), Options{})
	require.NoError(t, err)
	assert.Contains(t, doc.Body, "spend=40 ads=30.5 label=[]")
	require.Len(t, doc.Diagnostics, 1)
	assert.Equal(t, "missing_value", doc.Diagnostics[0].Kind)
	assert.Equal(t, "sec_1", doc.Diagnostics[0].SectionID)
}

func TestAssembleDegradesOnBrokenSlices(t *testing.T) {
	results := testResults()
	results["broken"] = slices.Result{
		ID:       "broken",
		Metadata: slices.Metadata{Source: slices.SourceError},
		Warnings: []slices.Warning{{Kind: slices.WarningMaterialization, Message: "timeout"}},
	}
	snapshot := testSnapshot()
	snapshot.Sections = []store.Section{{
		ID:             "sec_1",
		Content:        "before {{ tables.broken }}{{ tables.ghost }}{{ charts.1 }} after",
		SourceSliceIDs: []string{"broken", "ghost"},
		Charts: []store.ChartSpec{
			{Title: "Bad field", ChartType: ChartLine, SourceSliceID: "ads", XField: "day", YFields: []string{"clicks"}},
		},
	}}

	doc, err := testAssembler().Assemble(snapshot, results, Options{})
	require.NoError(t, err)
	assert.Contains(t, doc.Body, "before  after")

	kinds := make([]string, 0, len(doc.Diagnostics))
	for _, d := range doc.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, KindSliceError)
	assert.Contains(t, kinds, KindMissingSlice)
	assert.Contains(t, kinds, KindChart)
	assert.Contains(t, kinds, "missing_value")
}

func TestAssembleEmptyBodyRendersTablesThenCharts(t *testing.T) {
	snapshot := testSnapshot()
	snapshot.Sections = []store.Section{{
		ID:             "sec_1",
		SourceSliceIDs: []string{"ads", "search"},
		Charts: []store.ChartSpec{
			{Title: "Split", ChartType: ChartPie, SourceSliceID: "search", XField: "label", YFields: []string{"spend"}},
		},
	}}

	doc, err := testAssembler().Assemble(snapshot, testResults(), Options{})
	require.NoError(t, err)
	assert.Empty(t, doc.Diagnostics)
	assert.Equal(t, 3, strings.Count(doc.Body, `<table class="slice-table">`))
	assert.Less(t, strings.Index(doc.Body, "2024-01-02"), strings.Index(doc.Body, `<figure class="chart chart-pie">`))
}

func TestAssembleEscapesValues(t *testing.T) {
	snapshot := testSnapshot()
	snapshot.Report.Title = `<script>alert(1)</script>`
	snapshot.Sections = []store.Section{{ID: "sec_1", Content: "{{ report.title }}"}}

	doc, err := testAssembler().Assemble(snapshot, nil, Options{})
	require.NoError(t, err)
	assert.NotContains(t, doc.HTML, "<script>alert")
}

func TestAssembleDropsRawHTMLButKeepsGeneratedMarkup(t *testing.T) {
	snapshot := testSnapshot()
	snapshot.Sections = []store.Section{{
		ID:             "sec_1",
		Content:        "<script>alert(1)</script>\n\nIntro <img src=x onerror=alert(2)>\n\n{{ tables.ads }}",
		SourceSliceIDs: []string{"ads"},
	}}

	doc, err := testAssembler().Assemble(snapshot, testResults(), Options{})
	require.NoError(t, err)
	assert.NotContains(t, doc.Body, "<script>")
	assert.NotContains(t, doc.Body, "onerror")
	assert.Contains(t, doc.Body, "Intro")
	assert.Contains(t, doc.Body, `<table class="slice-table">`)
	assert.NotContains(t, doc.Body, "<p><table")
	assert.NotContains(t, doc.Body, "rkfrag")
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "daily-spend", slug("Daily spend"))
	assert.Equal(t, "ctr-by-campaign", slug("  CTR / by campaign! "))
	assert.Equal(t, "", slug("!!"))
}

type materializerFunc func(ctx context.Context, cfg slices.Config) map[string]slices.Result

func (f materializerFunc) MaterializeAll(ctx context.Context, cfg slices.Config) map[string]slices.Result {
	return f(ctx, cfg)
}

func TestPipelineBuild(t *testing.T) {
	var gotIDs []string
	pipeline := NewPipeline(materializerFunc(func(_ context.Context, cfg slices.Config) map[string]slices.Result {
		gotIDs = cfg.IDs()
		return testResults()
	}), testAssembler())

	snapshot := testSnapshot()
	snapshot.Report.SliceConfig = json.RawMessage(`{"ads":{"columns":["day","spend"],"rows":[]}}`)

	doc, results, err := pipeline.Build(context.Background(), snapshot, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ads"}, gotIDs)
	assert.Len(t, results, 2)
	assert.NotEmpty(t, doc.ContentHash)
}
