package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportkit/api/internal/jobs"
	"reportkit/api/internal/lifecycle"
	"reportkit/api/internal/publish"
	"reportkit/api/internal/rbac"
	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
	"reportkit/api/internal/webhook"
)

func TestCreateReportCreatesSectionPerBlock(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.seedTemplate("Summary", "Spend by channel")

	view, err := env.service.CreateReport(context.Background(), editor, CreateReportInput{
		Title:      "  Q2 review ",
		TemplateID: tmpl.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, "Q2 review", view.Title)
	assert.Equal(t, store.StatusDraft, view.Status)
	assert.Equal(t, 1, view.Version)
	assert.Equal(t, editor.ID, view.OwnerID)
	assert.JSONEq(t, `{}`, string(view.SliceConfig))
	assert.Equal(t, []lifecycle.Action{lifecycle.ActionSubmit}, view.AllowedActions)

	titles := make([]string, 0, len(view.Sections))
	for _, section := range view.Sections {
		titles = append(titles, section.Title)
	}
	if diff := cmp.Diff([]string{"Summary", "Spend by channel"}, titles); diff != "" {
		t.Fatalf("section titles mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, env.store.sections[view.ID], 2)
	assert.Contains(t, env.search.indexed, view.ID)
}

func TestCreateReportRejectsUnknownTemplate(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.CreateReport(context.Background(), editor, CreateReportInput{Title: "x", TemplateID: "tpl_missing"})
	status, code, _, _ := mapError(err)
	assert.Equal(t, 422, status)
	assert.Equal(t, CodeValidation, code)
}

func TestCreateReportRejectsInvalidSliceConfig(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.seedTemplate("Summary")

	_, err := env.service.CreateReport(context.Background(), editor, CreateReportInput{
		Title:       "x",
		TemplateID:  tmpl.ID,
		SliceConfig: json.RawMessage(`{broken`),
	})
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, CodeValidation, domainErr.Code)
}

func TestViewerCannotCreateReport(t *testing.T) {
	env := newTestEnv(t)
	tmpl := env.seedTemplate("Summary")

	_, err := env.service.CreateReport(context.Background(), viewer, CreateReportInput{Title: "x", TemplateID: tmpl.ID})
	require.ErrorIs(t, err, rbac.ErrForbidden)
}

func TestSubmitRequiresASection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	report := env.seedReport(store.StatusDraft, 0)

	_, err := env.service.Submit(ctx, editor, report.ID, TransitionInput{Version: 1})
	var guard *lifecycle.GuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, store.StatusDraft, env.store.reports[report.ID].Status)

	added, err := env.service.AddSection(ctx, editor, report.ID, SectionInput{Version: 1, Title: "Summary", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 2, added.ReportVersion)
	assert.Equal(t, 0, added.Section.OrderIndex)

	view, err := env.service.Submit(ctx, editor, report.ID, TransitionInput{Version: added.ReportVersion})
	require.NoError(t, err)
	assert.Equal(t, store.StatusInReview, view.Status)
	assert.Equal(t, 3, view.Version)
	assert.Equal(t, []string{webhook.ReportSubmitted + ":" + report.ID}, env.notifier.names())
}

func TestTransitionSkippingReviewIsIllegal(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusDraft, 1)

	_, err := env.service.Transition(context.Background(), admin, report.ID, StatusTransitionInput{Version: 1, Status: "approved"})
	var illegal *lifecycle.IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	assert.Equal(t, []string{store.StatusInReview}, illegal.Allowed)

	_, _, _, details := mapError(err)
	assert.Equal(t, []string{store.StatusInReview}, details.(map[string]any)["allowed"])
}

func TestDecideRequiresApprovePermission(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusInReview, 1)

	_, err := env.service.Decide(context.Background(), editor, report.ID, DecisionInput{Version: 1, Decision: "approve"})
	require.ErrorIs(t, err, rbac.ErrForbidden)

	view, err := env.service.Decide(context.Background(), reviewer, report.ID, DecisionInput{Version: 1, Decision: "Reject", Comment: "needs numbers"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusDraft, view.Status)

	history, err := env.service.ListTransitions(context.Background(), viewer, report.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "reject", history[0].Action)
	assert.Equal(t, "needs numbers", history[0].Comment)
}

func TestEditingWithStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusDraft, 1)

	_, err := env.service.UpdateSection(context.Background(), editor, report.ID, "sec_1", SectionInput{Version: 7, Title: "New"})
	var conflict *store.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 7, conflict.Expected)
	assert.Equal(t, 1, conflict.Current)
	assert.Equal(t, "Section 1", env.store.sections[report.ID][0].Title)
}

func TestEditingLockedReportFails(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusInReview, 1)

	_, err := env.service.UpdateReport(context.Background(), editor, report.ID, UpdateReportInput{Version: 1, Title: "Changed"})
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, CodeReportLocked, domainErr.Code)

	_, err = env.service.DeleteSection(context.Background(), editor, report.ID, "sec_1", 1)
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, CodeReportLocked, domainErr.Code)
	assert.Len(t, env.store.sections[report.ID], 1)
}

func TestUpdateAndDeleteSection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	report := env.seedReport(store.StatusDraft, 2)

	updated, err := env.service.UpdateSection(ctx, editor, report.ID, "sec_2", SectionInput{
		Version: 1,
		Title:   "Spend",
		Content: "{{ tables.default }}",
		Charts:  []store.ChartSpec{{Title: "Spend", ChartType: " BAR ", SourceSliceID: "default", XField: "Date", YFields: []string{"Spend"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.ReportVersion)
	assert.Equal(t, "bar", updated.Section.Charts[0].ChartType)

	version, err := env.service.DeleteSection(ctx, editor, report.ID, "sec_1", updated.ReportVersion)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	assert.Len(t, env.store.sections[report.ID], 1)
	assert.Equal(t, []string{"sec_1"}, env.search.deleted)

	_, err = env.service.DeleteSection(ctx, editor, report.ID, "sec_missing", version)
	status, _, _, _ := mapError(err)
	assert.Equal(t, 404, status)
	assert.Equal(t, 3, env.store.reports[report.ID].Version)
}

func TestAddSectionRejectsUnknownChartType(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusDraft, 0)

	_, err := env.service.AddSection(context.Background(), editor, report.ID, SectionInput{
		Version: 1,
		Charts:  []store.ChartSpec{{ChartType: "radar", SourceSliceID: "default"}},
	})
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, CodeValidation, domainErr.Code)
	assert.Equal(t, 1, env.store.reports[report.ID].Version)
}

func TestForkCreatesIndependentDraft(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusApproved, 2)

	view, err := env.service.Fork(context.Background(), editor, report.ID, ForkInput{})
	require.NoError(t, err)
	assert.NotEqual(t, report.ID, view.ID)
	assert.Equal(t, store.StatusDraft, view.Status)
	require.NotNil(t, view.ForkedFrom)
	assert.Equal(t, report.ID, *view.ForkedFrom)
	assert.Equal(t, "Q1 performance (fork)", view.Title)
	assert.Len(t, view.Sections, 2)
	assert.Equal(t, store.StatusApproved, env.store.reports[report.ID].Status)
	assert.Contains(t, env.notifier.names(), webhook.ReportForked+":"+view.ID)
}

func TestForkOfDraftIsIllegal(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusDraft, 1)

	_, err := env.service.Fork(context.Background(), editor, report.ID, ForkInput{})
	require.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
}

func TestRequestExportQueuesJob(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusApproved, 1)

	first, err := env.service.RequestExport(context.Background(), editor, report.ID, ExportInput{Format: " PDF "})
	require.NoError(t, err)
	second, err := env.service.RequestExport(context.Background(), editor, report.ID, ExportInput{Format: "pdf"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	require.Len(t, env.queue.submitted, 2)
	req := env.queue.submitted[0]
	assert.Equal(t, store.JobTypeExport, req.Type)
	assert.Equal(t, editor.ID, req.ActorID)
	assert.JSONEq(t, `{"format":"pdf"}`, string(req.Params))
}

func TestRequestPublishNeedsPermission(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusApproved, 1)

	_, err := env.service.RequestPublish(context.Background(), editor, report.ID, PublishInput{Target: "git"})
	require.ErrorIs(t, err, rbac.ErrForbidden)
	assert.Empty(t, env.queue.submitted)
}

func TestRequestPublishSurfacesNotApproved(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusDraft, 1)
	env.queue.err = &jobs.NotApprovedError{Status: store.StatusDraft, JobType: store.JobTypePublish}

	_, err := env.service.RequestPublish(context.Background(), reviewer, report.ID, PublishInput{Target: "git"})
	status, code, _, _ := mapError(err)
	assert.Equal(t, 409, status)
	assert.Equal(t, CodeReportNotApproved, code)
}

func TestWithdrawJob(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusApproved, 1)
	job, err := env.service.RequestExport(context.Background(), editor, report.ID, ExportInput{Format: "html"})
	require.NoError(t, err)

	_, err = env.service.WithdrawJob(context.Background(), viewer, job.ID)
	require.ErrorIs(t, err, rbac.ErrForbidden)

	withdrawn, err := env.service.WithdrawJob(context.Background(), editor, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCancelled, withdrawn.Status)

	_, err = env.service.WithdrawJob(context.Background(), editor, job.ID)
	require.ErrorIs(t, err, store.ErrJobNotWithdrawable)
}

func TestPublishJobSuccessPublishesReport(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusApproved, 1)
	env.store.published[report.ID] = true

	job := store.Job{ID: "job_9", ReportID: report.ID, ReportVersion: 1, Type: store.JobTypePublish, ActorID: reviewer.ID}
	env.service.JobSucceeded(context.Background(), job, store.Asset{ID: "ast_1"})

	stored := env.store.reports[report.ID]
	assert.Equal(t, store.StatusPublished, stored.Status)
	assert.Equal(t, 2, stored.Version)
	require.Len(t, env.store.transitions, 1)
	assert.Equal(t, reviewer.ID, env.store.transitions[0].ActorID)
	assert.Equal(t, []string{
		webhook.PublishCompleted + ":" + report.ID,
		webhook.ReportPublished + ":" + report.ID,
	}, env.notifier.names())
}

func TestPublishJobSuccessSkipsReportNoLongerApproved(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusPublished, 1)

	env.service.JobSucceeded(context.Background(), store.Job{ID: "job_1", ReportID: report.ID, Type: store.JobTypePublish}, store.Asset{ID: "ast_1"})
	assert.Equal(t, 1, env.store.reports[report.ID].Version)
	assert.Empty(t, env.store.transitions)
}

func TestJobFailedNotifies(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusApproved, 1)
	message := "render failed"

	env.service.JobFailed(context.Background(), store.Job{ID: "job_1", ReportID: report.ID, Type: store.JobTypeExport, Error: &message})
	assert.Equal(t, []string{webhook.ExportFailed + ":" + report.ID}, env.notifier.names())
}

func TestAssetURL(t *testing.T) {
	env := newTestEnv(t)
	report := env.seedReport(store.StatusApproved, 1)
	env.store.assets["ast_pub"] = store.Asset{ID: "ast_pub", ReportID: report.ID, FileType: jobs.PublicationFileType, Locator: "git:v2"}
	env.store.assets["ast_pdf"] = store.Asset{ID: "ast_pdf", ReportID: report.ID, FileType: "pdf", Locator: "reports/rpt_1/v1.pdf"}

	_, err := env.service.AssetURL(context.Background(), viewer, "ast_pub", 0)
	status, _, _, _ := mapError(err)
	assert.Equal(t, 422, status)

	_, err = env.service.AssetURL(context.Background(), viewer, "ast_pdf", 0)
	status, code, _, _ := mapError(err)
	assert.Equal(t, 503, status)
	assert.Equal(t, "STORAGE_UNAVAILABLE", code)
}

func TestRenderPreview(t *testing.T) {
	env := newTestEnv(t)
	env.seedTemplate("Summary")
	report := env.seedReport(store.StatusDraft, 1)

	preview, err := env.service.RenderPreview(context.Background(), viewer, report.ID)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Q1 performance</h1>", preview.HTML)
	assert.Equal(t, "hash-"+report.ID, preview.ContentHash)
	assert.NotNil(t, preview.Diagnostics)
	assert.Equal(t, SliceSummary{Source: "inline", Rows: 1, Warnings: []slices.Warning{}}, preview.Slices["default"])
}

func TestCreateTemplateVersions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.service.CreateTemplate(ctx, editor, CreateTemplateInput{Name: "weekly"})
	require.ErrorIs(t, err, rbac.ErrForbidden)

	first, err := env.service.CreateTemplate(ctx, admin, CreateTemplateInput{Name: "weekly", Blocks: []string{"Intro"}})
	require.NoError(t, err)
	second, err := env.service.CreateTemplate(ctx, admin, CreateTemplateInput{Name: "weekly", Blocks: []string{"Intro", "Outro"}})
	require.NoError(t, err)

	assert.Equal(t, 1, first.Version)
	assert.Equal(t, 2, second.Version)
	assert.NotNil(t, second.Variables)
}

func TestAnnotations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	report := env.seedReport(store.StatusInReview, 1)

	_, err := env.service.CreateAnnotation(ctx, viewer, report.ID, AnnotationInput{SectionID: "sec_1", Body: "typo"})
	require.ErrorIs(t, err, rbac.ErrForbidden)

	_, err = env.service.CreateAnnotation(ctx, commenter, report.ID, AnnotationInput{SectionID: "sec_404", Body: "typo"})
	status, _, _, _ := mapError(err)
	assert.Equal(t, 404, status)

	created, err := env.service.CreateAnnotation(ctx, commenter, report.ID, AnnotationInput{SectionID: "sec_1", Body: " typo "})
	require.NoError(t, err)
	assert.Equal(t, "typo", created.Body)
	assert.Equal(t, store.AnnotationOpen, created.Status)

	resolved, err := env.service.ResolveAnnotation(ctx, commenter, report.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.AnnotationResolved, resolved.Status)

	// Annotations never block the lifecycle.
	view, err := env.service.Decide(ctx, reviewer, report.ID, DecisionInput{Version: 1, Decision: "approve"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, view.Status)
}

func TestSearchValidatesInput(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Search(context.Background(), viewer, SearchInput{Query: "  "})
	require.Error(t, err)

	_, err = env.service.Search(context.Background(), viewer, SearchInput{Query: "spend", Type: "chart"})
	require.Error(t, err)

	resp, err := env.service.Search(context.Background(), viewer, SearchInput{Query: "spend", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 20, env.search.last.Limit)
}

func TestBootstrapSeedsTemplatesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.Bootstrap(ctx))
	require.NoError(t, env.service.Bootstrap(ctx))

	templates, err := env.store.ListTemplates(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		names = append(names, tmpl.Name)
		assert.Equal(t, 1, tmpl.Version)
	}
	assert.Equal(t, []string{"campaign-performance", "executive-summary"}, names)
}

func TestPingPropagatesStoreError(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingErr = errors.New("down")
	require.Error(t, env.service.Ping(context.Background()))
}

type fakePublicationLog struct{}

func (fakePublicationLog) History(reportID string, _ int) ([]publish.Commit, error) {
	return []publish.Commit{{Hash: "abc1234", Message: "publish " + reportID}}, nil
}

func (fakePublicationLog) PublicationAt(reportID, revision string) (publish.Publication, error) {
	if revision != "v2" {
		return publish.Publication{}, fmt.Errorf("resolve revision %s: %w", revision, publish.ErrNoPublication)
	}
	return publish.Publication{ReportID: reportID, Version: 2}, nil
}

func TestPublications(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	report := env.seedReport(store.StatusPublished, 1)

	commits, err := env.service.ListPublications(ctx, viewer, report.ID)
	require.NoError(t, err)
	assert.Empty(t, commits)

	WithPublicationLog(fakePublicationLog{})(env.service)
	commits, err = env.service.ListPublications(ctx, viewer, report.ID)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "abc1234", commits[0].Hash)

	publication, err := env.service.GetPublication(ctx, viewer, report.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, 2, publication.Version)

	_, err = env.service.GetPublication(ctx, viewer, report.ID, "v9")
	status, _, _, _ := mapError(err)
	assert.Equal(t, 404, status)
}
