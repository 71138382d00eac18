package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/assembly"
	"reportkit/api/internal/auth"
	"reportkit/api/internal/config"
	"reportkit/api/internal/jobs"
	"reportkit/api/internal/rbac"
	"reportkit/api/internal/search"
	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
	"reportkit/api/internal/webhook"
)

const testSecret = "test-secret"

// memStore is an in-memory dataStore. RunInTx restores the captured state
// when fn fails.
type memStore struct {
	pingErr     error
	templates   map[string]store.ReportTemplate
	reports     map[string]store.Report
	sections    map[string][]store.Section
	transitions []store.TransitionRecord
	annotations []store.Annotation
	assets      map[string]store.Asset
	jobs        []store.Job
	published   map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		templates: map[string]store.ReportTemplate{},
		reports:   map[string]store.Report{},
		sections:  map[string][]store.Section{},
		assets:    map[string]store.Asset{},
		published: map[string]bool{},
	}
}

func (m *memStore) RunInTx(_ context.Context, fn func(store.Tx) error) error {
	reports := make(map[string]store.Report, len(m.reports))
	for k, v := range m.reports {
		reports[k] = v
	}
	sections := make(map[string][]store.Section, len(m.sections))
	for k, v := range m.sections {
		sections[k] = append([]store.Section(nil), v...)
	}
	transitions := append([]store.TransitionRecord(nil), m.transitions...)

	if err := fn(memTx{m}); err != nil {
		m.reports, m.sections, m.transitions = reports, sections, transitions
		return err
	}
	return nil
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) InsertTemplate(_ context.Context, tmpl store.ReportTemplate) error {
	for _, existing := range m.templates {
		if existing.Name == tmpl.Name && existing.Version == tmpl.Version {
			return store.ErrDuplicateTemplate
		}
	}
	m.templates[tmpl.ID] = tmpl
	return nil
}

func (m *memStore) GetTemplate(_ context.Context, id string) (store.ReportTemplate, error) {
	tmpl, ok := m.templates[id]
	if !ok {
		return store.ReportTemplate{}, sql.ErrNoRows
	}
	return tmpl, nil
}

func (m *memStore) GetLatestTemplate(_ context.Context, name string) (store.ReportTemplate, error) {
	var (
		latest store.ReportTemplate
		found  bool
	)
	for _, tmpl := range m.templates {
		if tmpl.Name == name && (!found || tmpl.Version > latest.Version) {
			latest, found = tmpl, true
		}
	}
	if !found {
		return store.ReportTemplate{}, sql.ErrNoRows
	}
	return latest, nil
}

func (m *memStore) ListTemplates(context.Context) ([]store.ReportTemplate, error) {
	out := make([]store.ReportTemplate, 0, len(m.templates))
	for _, tmpl := range m.templates {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *memStore) GetReport(ctx context.Context, id string) (store.Report, error) {
	return memTx{m}.GetReport(ctx, id)
}

func (m *memStore) ListReports(_ context.Context, status string) ([]store.Report, error) {
	out := []store.Report{}
	for _, report := range m.reports {
		if status == "" || report.Status == status {
			out = append(out, report)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateReportContent(_ context.Context, report store.Report, expected int) (store.Report, error) {
	current, ok := m.reports[report.ID]
	if !ok {
		return store.Report{}, sql.ErrNoRows
	}
	if current.Version != expected {
		return store.Report{}, &store.VersionConflictError{Expected: expected, Current: current.Version}
	}
	current.Title = report.Title
	current.SliceConfig = report.SliceConfig
	current.TimeRangeStart = report.TimeRangeStart
	current.TimeRangeEnd = report.TimeRangeEnd
	current.Version++
	m.reports[report.ID] = current
	return current, nil
}

func (m *memStore) ListSections(ctx context.Context, id string) ([]store.Section, error) {
	return memTx{m}.ListSections(ctx, id)
}

func (m *memStore) ListTransitions(_ context.Context, reportID string) ([]store.TransitionRecord, error) {
	out := []store.TransitionRecord{}
	for _, record := range m.transitions {
		if record.ReportID == reportID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memStore) ListJobs(_ context.Context, reportID string) ([]store.Job, error) {
	out := []store.Job{}
	for _, job := range m.jobs {
		if job.ReportID == reportID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *memStore) InsertAnnotation(_ context.Context, annotation store.Annotation) error {
	m.annotations = append(m.annotations, annotation)
	return nil
}

func (m *memStore) ListAnnotations(_ context.Context, reportID string) ([]store.Annotation, error) {
	out := []store.Annotation{}
	for _, annotation := range m.annotations {
		if annotation.ReportID == reportID {
			out = append(out, annotation)
		}
	}
	return out, nil
}

func (m *memStore) ResolveAnnotation(_ context.Context, reportID, annotationID, by string) (store.Annotation, error) {
	for i, annotation := range m.annotations {
		if annotation.ReportID != reportID || annotation.ID != annotationID {
			continue
		}
		if annotation.Status == store.AnnotationOpen {
			now := time.Now().UTC()
			annotation.Status = store.AnnotationResolved
			annotation.ResolvedBy = &by
			annotation.ResolvedAt = &now
			m.annotations[i] = annotation
		}
		return annotation, nil
	}
	return store.Annotation{}, sql.ErrNoRows
}

func (m *memStore) GetAsset(_ context.Context, id string) (store.Asset, error) {
	asset, ok := m.assets[id]
	if !ok {
		return store.Asset{}, sql.ErrNoRows
	}
	return asset, nil
}

func (m *memStore) ListAssets(_ context.Context, reportID string) ([]store.Asset, error) {
	out := []store.Asset{}
	for _, asset := range m.assets {
		if asset.ReportID == reportID {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memTx struct{ m *memStore }

func (t memTx) GetReport(_ context.Context, id string) (store.Report, error) {
	report, ok := t.m.reports[id]
	if !ok {
		return store.Report{}, sql.ErrNoRows
	}
	return report, nil
}

func (t memTx) ListSections(_ context.Context, id string) ([]store.Section, error) {
	return append([]store.Section{}, t.m.sections[id]...), nil
}

func (t memTx) CountSections(_ context.Context, id string) (int, error) {
	return len(t.m.sections[id]), nil
}

func (t memTx) HasSucceededPublishJob(_ context.Context, id string) (bool, error) {
	return t.m.published[id], nil
}

func (t memTx) CompareAndSetStatus(_ context.Context, id string, expected int, status string) (store.Report, error) {
	report, ok := t.m.reports[id]
	if !ok {
		return store.Report{}, sql.ErrNoRows
	}
	if report.Version != expected {
		return store.Report{}, &store.VersionConflictError{Expected: expected, Current: report.Version}
	}
	report.Status = status
	report.Version++
	t.m.reports[id] = report
	return report, nil
}

func (t memTx) BumpVersion(_ context.Context, id string, expected int) (store.Report, error) {
	report, ok := t.m.reports[id]
	if !ok {
		return store.Report{}, sql.ErrNoRows
	}
	if report.Version != expected {
		return store.Report{}, &store.VersionConflictError{Expected: expected, Current: report.Version}
	}
	report.Version++
	t.m.reports[id] = report
	return report, nil
}

func (t memTx) InsertReport(_ context.Context, report store.Report) error {
	t.m.reports[report.ID] = report
	return nil
}

func (t memTx) InsertSection(_ context.Context, section store.Section) error {
	for _, existing := range t.m.sections[section.ReportID] {
		if existing.OrderIndex == section.OrderIndex {
			return store.ErrDuplicateOrderIndex
		}
	}
	t.m.sections[section.ReportID] = append(t.m.sections[section.ReportID], section)
	return nil
}

func (t memTx) UpdateSection(_ context.Context, section store.Section) error {
	list := t.m.sections[section.ReportID]
	for i := range list {
		if list[i].ID == section.ID {
			list[i] = section
			return nil
		}
	}
	return sql.ErrNoRows
}

func (t memTx) DeleteSection(_ context.Context, reportID, sectionID string) error {
	list := t.m.sections[reportID]
	for i := range list {
		if list[i].ID == sectionID {
			t.m.sections[reportID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (t memTx) InsertTransition(_ context.Context, record store.TransitionRecord) error {
	t.m.transitions = append(t.m.transitions, record)
	return nil
}

// fakeQueue hands out job ids and returns the live job for a repeated
// request, the way the orchestrator deduplicates by idempotency key.
type fakeQueue struct {
	jobs      map[string]store.Job
	submitted []jobs.SubmitRequest
	targets   []string
	err       error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]store.Job{}, targets: []string{"git"}}
}

func (q *fakeQueue) Submit(_ context.Context, req jobs.SubmitRequest) (store.Job, error) {
	if q.err != nil {
		return store.Job{}, q.err
	}
	q.submitted = append(q.submitted, req)
	key := req.ReportID + "|" + req.Type + "|" + string(req.Params)
	for _, job := range q.jobs {
		if job.IdempotencyKey == key && job.Status == store.JobQueued {
			return job, nil
		}
	}
	job := store.Job{
		ID:             fmt.Sprintf("job_%d", len(q.jobs)+1),
		ReportID:       req.ReportID,
		Type:           req.Type,
		Params:         req.Params,
		IdempotencyKey: key,
		Status:         store.JobQueued,
		ActorID:        req.ActorID,
	}
	q.jobs[job.ID] = job
	return job, nil
}

func (q *fakeQueue) Get(_ context.Context, id string) (store.Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return store.Job{}, sql.ErrNoRows
	}
	return job, nil
}

func (q *fakeQueue) Withdraw(_ context.Context, id string) (store.Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return store.Job{}, sql.ErrNoRows
	}
	if job.Status != store.JobQueued {
		return store.Job{}, &store.JobStateError{Status: job.Status}
	}
	job.Status = store.JobCancelled
	q.jobs[id] = job
	return job, nil
}

func (q *fakeQueue) Targets() []string { return q.targets }

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Dispatch(event string, summary webhook.ReportSummary, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event+":"+summary.ID)
}

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fakeBuilder struct{}

func (fakeBuilder) Build(_ context.Context, snapshot store.Snapshot, _ assembly.Options) (assembly.Document, map[string]slices.Result, error) {
	doc := assembly.Document{
		HTML:        "<h1>" + snapshot.Report.Title + "</h1>",
		ContentHash: "hash-" + snapshot.Report.ID,
	}
	results := map[string]slices.Result{
		"default": {
			ID:       "default",
			Table:    slices.Table{Columns: []string{"Date"}, Rows: []map[string]any{{"Date": "2024-01-01"}}},
			Metadata: slices.Metadata{Source: "inline", RowCount: 1},
		},
	}
	return doc, results, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []string
	deleted []string
	last    search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = q
	return search.Response{Results: []search.Result{{ID: "rpt_x", Type: search.ResultReport, Title: "Hit"}}, Total: 1, Query: q.Text}
}

func (f *fakeSearch) IndexReport(report search.ReportRecord, _ []search.SectionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, report.ID)
}

func (f *fakeSearch) DeleteSection(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

type testEnv struct {
	store    *memStore
	queue    *fakeQueue
	notifier *recordingNotifier
	search   *fakeSearch
	service  *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newMemStore(),
		queue:    newFakeQueue(),
		notifier: &recordingNotifier{},
		search:   &fakeSearch{},
	}
	env.service = New(config.Config{JWTSecret: testSecret},
		env.store,
		WithLogger(quietLogger()),
		WithJobs(env.queue),
		WithBuilder(fakeBuilder{}),
		WithNotifier(env.notifier),
		WithSearch(env.search),
	)
	return env
}

// seedTemplate stores a template and returns it.
func (e *testEnv) seedTemplate(blocks ...string) store.ReportTemplate {
	tmpl := store.ReportTemplate{
		ID:        "tpl_1",
		Name:      "campaign",
		Version:   1,
		Blocks:    blocks,
		Variables: map[string]string{},
	}
	e.store.templates[tmpl.ID] = tmpl
	return tmpl
}

// seedReport stores a report in status with n sections.
func (e *testEnv) seedReport(status string, n int) store.Report {
	report := store.Report{
		ID:               "rpt_1",
		Title:            "Q1 performance",
		ReportTemplateID: "tpl_1",
		OwnerID:          editor.ID,
		SliceConfig:      json.RawMessage(`{}`),
		Status:           status,
		Version:          1,
	}
	e.store.reports[report.ID] = report
	for i := 0; i < n; i++ {
		e.store.sections[report.ID] = append(e.store.sections[report.ID], store.Section{
			ID:             fmt.Sprintf("sec_%d", i+1),
			ReportID:       report.ID,
			Title:          fmt.Sprintf("Section %d", i+1),
			OrderIndex:     i,
			Content:        "text",
			Charts:         []store.ChartSpec{},
			SourceSliceIDs: []string{},
		})
	}
	return report
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var (
	admin     = rbac.Actor{ID: "usr_admin", Role: rbac.RoleAdmin}
	editor    = rbac.Actor{ID: "usr_editor", Role: rbac.RoleEditor}
	reviewer  = rbac.Actor{ID: "usr_reviewer", Role: rbac.RoleReviewer}
	viewer    = rbac.Actor{ID: "usr_viewer", Role: rbac.RoleViewer}
	commenter = rbac.Actor{ID: "usr_commenter", Role: rbac.RoleCommenter}
)

func tokenFor(t *testing.T, actor rbac.Actor, ttl time.Duration) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  actor.ID,
		Name: "Test User",
		Role: string(actor.Role),
		Exp:  time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
