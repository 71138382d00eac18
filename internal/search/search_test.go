package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu       sync.Mutex
	healthy  bool
	results  []Result
	err      error
	reports  []ReportRecord
	sections []SectionRecord
	deleted  []string
	calls    int
}

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.results, len(f.results), f.err
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) IndexReports(r []ReportRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r...)
	return nil
}

func (f *fakeIndex) IndexSections(s []SectionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sections = append(f.sections, s...)
	return nil
}

func (f *fakeIndex) DeleteSection(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) snapshot() ([]ReportRecord, []SectionRecord, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ReportRecord(nil), f.reports...), append([]SectionRecord(nil), f.sections...), append([]string(nil), f.deleted...)
}

type loaderFunc func(ctx context.Context) ([]ReportRecord, []SectionRecord, error)

func (f loaderFunc) LoadAllRecords(ctx context.Context) ([]ReportRecord, []SectionRecord, error) {
	return f(ctx)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestServiceSearch(t *testing.T) {
	primaryHit := []Result{{Type: ResultReport, ID: "rpt_meili", Title: "Q1"}}
	fallbackHit := []Result{{Type: ResultSection, ID: "sec_pg", ReportID: "rpt_1"}}

	tests := []struct {
		name     string
		primary  *fakeIndex
		fallback *fakeIndex
		wantID   string
		wantNone bool
	}{
		{
			name:     "healthy primary",
			primary:  &fakeIndex{healthy: true, results: primaryHit},
			fallback: &fakeIndex{healthy: true, results: fallbackHit},
			wantID:   "rpt_meili",
		},
		{
			name:     "unhealthy primary uses fallback",
			primary:  &fakeIndex{healthy: false, results: primaryHit},
			fallback: &fakeIndex{healthy: true, results: fallbackHit},
			wantID:   "sec_pg",
		},
		{
			name:     "primary error uses fallback",
			primary:  &fakeIndex{healthy: true, err: errors.New("timeout")},
			fallback: &fakeIndex{healthy: true, results: fallbackHit},
			wantID:   "sec_pg",
		},
		{
			name:     "fallback error is an empty response",
			primary:  nil,
			fallback: &fakeIndex{healthy: true, err: errors.New("db down")},
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var primary Index
			if tt.primary != nil {
				primary = tt.primary
			}
			svc := NewService(primary, tt.fallback, quietLogger())

			resp := svc.Search(context.Background(), Query{Text: "spend"})
			assert.Equal(t, "spend", resp.Query)
			require.NotNil(t, resp.Results)
			if tt.wantNone {
				assert.Empty(t, resp.Results)
				assert.Zero(t, resp.Total)
				return
			}
			require.Len(t, resp.Results, 1)
			assert.Equal(t, tt.wantID, resp.Results[0].ID)
		})
	}
}

func TestServiceIndexingSkipsUnhealthyPrimary(t *testing.T) {
	primary := &fakeIndex{healthy: false}
	svc := NewService(primary, nil, quietLogger())

	svc.IndexReport(ReportRecord{ID: "rpt_1"}, nil)
	svc.DeleteSection("sec_1")
	svc.ReindexAll(context.Background(), loaderFunc(func(context.Context) ([]ReportRecord, []SectionRecord, error) {
		t.Fatal("loader should not be called")
		return nil, nil, nil
	}))

	reports, sections, deleted := primary.snapshot()
	assert.Empty(t, reports)
	assert.Empty(t, sections)
	assert.Empty(t, deleted)
}

func TestServiceIndexReport(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	svc := NewService(primary, nil, quietLogger())

	svc.IndexReport(
		ReportRecord{ID: "rpt_1", Title: "Q1 Spend", Status: "draft"},
		[]SectionRecord{{ID: "sec_1", ReportID: "rpt_1", Content: "Spend rose"}},
	)
	svc.DeleteSection("sec_0")

	assert.Eventually(t, func() bool {
		reports, sections, deleted := primary.snapshot()
		return len(reports) == 1 && len(sections) == 1 && len(deleted) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServiceReindexAll(t *testing.T) {
	primary := &fakeIndex{healthy: true}
	svc := NewService(primary, nil, quietLogger())

	svc.ReindexAll(context.Background(), loaderFunc(func(context.Context) ([]ReportRecord, []SectionRecord, error) {
		return []ReportRecord{{ID: "rpt_1"}, {ID: "rpt_2"}}, []SectionRecord{{ID: "sec_1"}}, nil
	}))

	reports, sections, _ := primary.snapshot()
	assert.Len(t, reports, 2)
	assert.Len(t, sections, 1)
}

func rawHit(t *testing.T, fields map[string]any) meili.Hit {
	t.Helper()
	hit := meili.Hit{}
	for k, v := range fields {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		hit[k] = b
	}
	return hit
}

func TestHitToResult(t *testing.T) {
	section := rawHit(t, map[string]any{
		"id":        "sec_1",
		"report_id": "rpt_1",
		"title":     "Overview",
		"content":   "Spend rose sharply in March",
		"status":    "in_review",
		"_formatted": map[string]any{
			"title":   "Overview",
			"content": "…<mark>Spend</mark> rose sharply…",
		},
	})
	r := hitToResult(section, ResultSection)
	assert.Equal(t, Result{
		Type:     ResultSection,
		ID:       "sec_1",
		Title:    "Overview",
		Snippet:  "…<mark>Spend</mark> rose sharply…",
		ReportID: "rpt_1",
		Status:   "in_review",
	}, r)

	report := rawHit(t, map[string]any{"id": "rpt_9", "title": "Q1 Spend", "status": "draft"})
	r = hitToResult(report, ResultReport)
	assert.Equal(t, "rpt_9", r.ReportID)
	assert.Equal(t, "Q1 Spend", r.Title)
	assert.Empty(t, r.Snippet)
}

func TestIndexToResultType(t *testing.T) {
	assert.Equal(t, ResultReport, indexToResultType(idxReports))
	assert.Equal(t, ResultSection, indexToResultType(idxSections))
	assert.Equal(t, ResultType(""), indexToResultType("other"))
}
