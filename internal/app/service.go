package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"reportkit/api/internal/assembly"
	"reportkit/api/internal/config"
	"reportkit/api/internal/jobs"
	"reportkit/api/internal/lifecycle"
	"reportkit/api/internal/publish"
	"reportkit/api/internal/rbac"
	"reportkit/api/internal/search"
	"reportkit/api/internal/session"
	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
	"reportkit/api/internal/util"
	"reportkit/api/internal/webhook"
)

type CreateTemplateInput struct {
	Name      string            `json:"name" validate:"required,max=120"`
	Blocks    []string          `json:"blocks" validate:"max=50,dive,required,max=200"`
	Variables map[string]string `json:"variables"`
}

type CreateReportInput struct {
	Title          string          `json:"title" validate:"required,max=300"`
	TemplateID     string          `json:"report_template_id" validate:"required"`
	SliceConfig    json.RawMessage `json:"slice_config"`
	TimeRangeStart *time.Time      `json:"time_range_start"`
	TimeRangeEnd   *time.Time      `json:"time_range_end"`
}

type UpdateReportInput struct {
	Version        int             `json:"version" validate:"required,min=1"`
	Title          string          `json:"title" validate:"required,max=300"`
	SliceConfig    json.RawMessage `json:"slice_config"`
	TimeRangeStart *time.Time      `json:"time_range_start"`
	TimeRangeEnd   *time.Time      `json:"time_range_end"`
}

type SectionInput struct {
	Version        int               `json:"version" validate:"required,min=1"`
	Title          string            `json:"title" validate:"max=300"`
	OrderIndex     *int              `json:"order_index" validate:"omitempty,min=0"`
	Content        string            `json:"content" validate:"max=200000"`
	Charts         []store.ChartSpec `json:"charts" validate:"max=20"`
	SourceSliceIDs []string          `json:"source_slice_ids" validate:"max=50,dive,required"`
}

// ReportView is a report with its ordered sections and the lifecycle
// actions available from its current status.
type ReportView struct {
	store.Report
	Sections       []store.Section    `json:"sections"`
	AllowedActions []lifecycle.Action `json:"allowed_actions"`
}

type SectionResult struct {
	Section       store.Section `json:"section"`
	ReportVersion int           `json:"report_version"`
}

// SliceSummary describes how one slice resolved during a preview render.
type SliceSummary struct {
	Source   string           `json:"source"`
	Rows     int              `json:"rows"`
	Warnings []slices.Warning `json:"warnings"`
}

type Preview struct {
	ReportID    string                  `json:"report_id"`
	Version     int                     `json:"version"`
	HTML        string                  `json:"html"`
	ContentHash string                  `json:"content_hash"`
	Diagnostics []assembly.Diagnostic   `json:"diagnostics"`
	Slices      map[string]SliceSummary `json:"slices"`
}

type SearchInput struct {
	Query  string
	Type   string
	Status string
	Limit  int
	Offset int
}

var chartTypes = map[string]bool{
	"":                  true,
	assembly.ChartBar:   true,
	assembly.ChartLine:  true,
	assembly.ChartPie:   true,
	assembly.ChartTable: true,
}

var reportStatuses = map[string]bool{
	store.StatusDraft:     true,
	store.StatusInReview:  true,
	store.StatusApproved:  true,
	store.StatusPublished: true,
}

// dataStore is the persistence the service needs; *store.PostgresStore
// satisfies it.
type dataStore interface {
	lifecycle.TxRunner
	Ping(context.Context) error
	InsertTemplate(context.Context, store.ReportTemplate) error
	GetTemplate(context.Context, string) (store.ReportTemplate, error)
	GetLatestTemplate(context.Context, string) (store.ReportTemplate, error)
	ListTemplates(context.Context) ([]store.ReportTemplate, error)
	GetReport(context.Context, string) (store.Report, error)
	ListReports(context.Context, string) ([]store.Report, error)
	UpdateReportContent(context.Context, store.Report, int) (store.Report, error)
	ListSections(context.Context, string) ([]store.Section, error)
	ListTransitions(context.Context, string) ([]store.TransitionRecord, error)
	ListJobs(context.Context, string) ([]store.Job, error)
	InsertAnnotation(context.Context, store.Annotation) error
	ListAnnotations(context.Context, string) ([]store.Annotation, error)
	ResolveAnnotation(context.Context, string, string, string) (store.Annotation, error)
	GetAsset(context.Context, string) (store.Asset, error)
	ListAssets(context.Context, string) ([]store.Asset, error)
}

type jobQueue interface {
	Submit(context.Context, jobs.SubmitRequest) (store.Job, error)
	Get(context.Context, string) (store.Job, error)
	Withdraw(context.Context, string) (store.Job, error)
	Targets() []string
}

type documentBuilder interface {
	Build(ctx context.Context, snapshot store.Snapshot, opts assembly.Options) (assembly.Document, map[string]slices.Result, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexReport(search.ReportRecord, []search.SectionRecord)
	DeleteSection(string)
}

type notifier interface {
	Dispatch(event string, summary webhook.ReportSummary, actorID string)
}

type urlSigner interface {
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, time.Duration, error)
}

type publicationLog interface {
	History(reportID string, limit int) ([]publish.Commit, error)
	PublicationAt(reportID, revision string) (publish.Publication, error)
}

type Service struct {
	cfg          config.Config
	store        dataStore
	machine      *lifecycle.Machine
	authz        rbac.Authorizer
	jobs         jobQueue
	builder      documentBuilder
	search       searchIndex
	notifier     notifier
	signer       urlSigner
	publications publicationLog
	revocations  session.Revocations
	validate     *validator.Validate
	logger       logrus.FieldLogger
	now          func() time.Time
}

type Option func(*Service)

func WithAuthorizer(authz rbac.Authorizer) Option {
	return func(s *Service) {
		if authz != nil {
			s.authz = authz
		}
	}
}

func WithBuilder(builder documentBuilder) Option {
	return func(s *Service) { s.builder = builder }
}

func WithSearch(index searchIndex) Option {
	return func(s *Service) { s.search = index }
}

func WithNotifier(n notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithSigner(signer urlSigner) Option {
	return func(s *Service) { s.signer = signer }
}

func WithPublicationLog(log publicationLog) Option {
	return func(s *Service) { s.publications = log }
}

func WithRevocations(r session.Revocations) Option {
	return func(s *Service) {
		if r != nil {
			s.revocations = r
		}
	}
}

func WithJobs(queue jobQueue) Option {
	return func(s *Service) { s.jobs = queue }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(cfg config.Config, st dataStore, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg,
		store:       st,
		authz:       rbac.Matrix{},
		revocations: session.NewMemoryStore(),
		validate:    newValidator(),
		logger:      logrus.StandardLogger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "app")
	s.machine = lifecycle.NewMachine(st, s.authz, s.logger)
	return s
}

// AttachJobs wires the job orchestrator after construction; the orchestrator
// itself takes the service as its hooks.
func (s *Service) AttachJobs(queue jobQueue) {
	s.jobs = queue
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Templates

func (s *Service) ListTemplates(ctx context.Context, actor rbac.Actor) ([]store.ReportTemplate, error) {
	if err := s.authorize(actor, rbac.ActionRead, "template", ""); err != nil {
		return nil, err
	}
	return s.store.ListTemplates(ctx)
}

func (s *Service) GetTemplate(ctx context.Context, actor rbac.Actor, templateID string) (store.ReportTemplate, error) {
	if err := s.authorize(actor, rbac.ActionRead, "template", templateID); err != nil {
		return store.ReportTemplate{}, err
	}
	return s.store.GetTemplate(ctx, templateID)
}

// CreateTemplate stores a new version of the named template. Existing
// versions are never modified.
func (s *Service) CreateTemplate(ctx context.Context, actor rbac.Actor, input CreateTemplateInput) (store.ReportTemplate, error) {
	if err := s.authorize(actor, rbac.ActionAdmin, "template", input.Name); err != nil {
		return store.ReportTemplate{}, err
	}
	input.Name = strings.TrimSpace(input.Name)
	if err := s.validate.Struct(input); err != nil {
		return store.ReportTemplate{}, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		version := 1
		latest, err := s.store.GetLatestTemplate(ctx, input.Name)
		switch {
		case err == nil:
			version = latest.Version + 1
		case !errors.Is(err, sql.ErrNoRows):
			return store.ReportTemplate{}, fmt.Errorf("load latest template: %w", err)
		}

		tmpl := store.ReportTemplate{
			ID:        util.NewID("tpl"),
			Name:      input.Name,
			Version:   version,
			Blocks:    trimAll(input.Blocks),
			Variables: input.Variables,
			CreatedAt: s.now(),
		}
		if tmpl.Variables == nil {
			tmpl.Variables = map[string]string{}
		}
		err = s.store.InsertTemplate(ctx, tmpl)
		if err == nil {
			s.logger.WithFields(logrus.Fields{"template_id": tmpl.ID, "name": tmpl.Name, "version": tmpl.Version}).Info("template version created")
			return tmpl, nil
		}
		if !errors.Is(err, store.ErrDuplicateTemplate) {
			return store.ReportTemplate{}, err
		}
	}
	return store.ReportTemplate{}, store.ErrDuplicateTemplate
}

// Reports

func (s *Service) ListReports(ctx context.Context, actor rbac.Actor, status string) ([]store.Report, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", ""); err != nil {
		return nil, err
	}
	status = strings.TrimSpace(status)
	if status != "" && !reportStatuses[status] {
		return nil, validationError("unknown status filter", map[string]any{"status": status})
	}
	return s.store.ListReports(ctx, status)
}

func (s *Service) GetReport(ctx context.Context, actor rbac.Actor, reportID string) (ReportView, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", reportID); err != nil {
		return ReportView{}, err
	}
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return ReportView{}, err
	}
	return s.view(ctx, report)
}

// CreateReport starts a draft from a template version, with one empty
// section per template block.
func (s *Service) CreateReport(ctx context.Context, actor rbac.Actor, input CreateReportInput) (ReportView, error) {
	if err := s.authorize(actor, rbac.ActionEdit, "report", ""); err != nil {
		return ReportView{}, err
	}
	input.Title = strings.TrimSpace(input.Title)
	if err := s.validate.Struct(input); err != nil {
		return ReportView{}, err
	}
	sliceConfig, err := normalizeSliceConfig(input.SliceConfig)
	if err != nil {
		return ReportView{}, err
	}
	if err := checkTimeRange(input.TimeRangeStart, input.TimeRangeEnd); err != nil {
		return ReportView{}, err
	}

	tmpl, err := s.store.GetTemplate(ctx, input.TemplateID)
	if errors.Is(err, sql.ErrNoRows) {
		return ReportView{}, validationError("report template does not exist", map[string]any{"report_template_id": input.TemplateID})
	}
	if err != nil {
		return ReportView{}, err
	}

	now := s.now()
	report := store.Report{
		ID:               util.NewID("rpt"),
		Title:            input.Title,
		ReportTemplateID: tmpl.ID,
		OwnerID:          actor.ID,
		SliceConfig:      sliceConfig,
		Status:           store.StatusDraft,
		Version:          1,
		TimeRangeStart:   utcTime(input.TimeRangeStart),
		TimeRangeEnd:     utcTime(input.TimeRangeEnd),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	sections := make([]store.Section, 0, len(tmpl.Blocks))
	for i, block := range tmpl.Blocks {
		sections = append(sections, store.Section{
			ID:             util.NewID("sec"),
			ReportID:       report.ID,
			Title:          block,
			OrderIndex:     i,
			Charts:         []store.ChartSpec{},
			SourceSliceIDs: []string{},
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertReport(ctx, report); err != nil {
			return err
		}
		for _, section := range sections {
			if err := tx.InsertSection(ctx, section); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ReportView{}, err
	}

	s.logger.WithFields(logrus.Fields{"report_id": report.ID, "template_id": tmpl.ID, "actor_id": actor.ID}).Info("report created")
	s.index(report, sections)
	return ReportView{Report: report, Sections: sections, AllowedActions: lifecycle.AllowedActions(report.Status)}, nil
}

// UpdateReport rewrites title, slice configuration and time range of a
// draft. The version must match and is incremented.
func (s *Service) UpdateReport(ctx context.Context, actor rbac.Actor, reportID string, input UpdateReportInput) (ReportView, error) {
	if err := s.authorize(actor, rbac.ActionEdit, "report", reportID); err != nil {
		return ReportView{}, err
	}
	input.Title = strings.TrimSpace(input.Title)
	if err := s.validate.Struct(input); err != nil {
		return ReportView{}, err
	}
	sliceConfig, err := normalizeSliceConfig(input.SliceConfig)
	if err != nil {
		return ReportView{}, err
	}
	if err := checkTimeRange(input.TimeRangeStart, input.TimeRangeEnd); err != nil {
		return ReportView{}, err
	}

	current, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return ReportView{}, err
	}
	if !lifecycle.Editable(current.Status) {
		return ReportView{}, reportLocked(current.Status)
	}

	current.Title = input.Title
	current.SliceConfig = sliceConfig
	current.TimeRangeStart = utcTime(input.TimeRangeStart)
	current.TimeRangeEnd = utcTime(input.TimeRangeEnd)
	updated, err := s.store.UpdateReportContent(ctx, current, input.Version)
	if err != nil {
		return ReportView{}, err
	}
	return s.viewAndIndex(ctx, updated)
}

func (s *Service) ListTransitions(ctx context.Context, actor rbac.Actor, reportID string) ([]store.TransitionRecord, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", reportID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, reportID)
}

// Sections

func (s *Service) AddSection(ctx context.Context, actor rbac.Actor, reportID string, input SectionInput) (SectionResult, error) {
	if err := s.checkSectionInput(actor, reportID, input); err != nil {
		return SectionResult{}, err
	}

	var result SectionResult
	err := s.editDraft(ctx, reportID, input.Version, func(tx store.Tx) error {
		existing, err := tx.ListSections(ctx, reportID)
		if err != nil {
			return err
		}
		order := nextOrderIndex(existing)
		if input.OrderIndex != nil {
			order = *input.OrderIndex
		}
		now := s.now()
		result.Section = store.Section{
			ID:             util.NewID("sec"),
			ReportID:       reportID,
			Title:          strings.TrimSpace(input.Title),
			OrderIndex:     order,
			Content:        input.Content,
			Charts:         normalizeCharts(input.Charts),
			SourceSliceIDs: trimAll(input.SourceSliceIDs),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.InsertSection(ctx, result.Section)
	}, &result.ReportVersion)
	if err != nil {
		return SectionResult{}, err
	}
	s.reindex(ctx, reportID)
	return result, nil
}

func (s *Service) UpdateSection(ctx context.Context, actor rbac.Actor, reportID, sectionID string, input SectionInput) (SectionResult, error) {
	if err := s.checkSectionInput(actor, reportID, input); err != nil {
		return SectionResult{}, err
	}

	var result SectionResult
	err := s.editDraft(ctx, reportID, input.Version, func(tx store.Tx) error {
		existing, err := tx.ListSections(ctx, reportID)
		if err != nil {
			return err
		}
		section, ok := findSection(existing, sectionID)
		if !ok {
			return notFound("section")
		}
		section.Title = strings.TrimSpace(input.Title)
		section.Content = input.Content
		section.Charts = normalizeCharts(input.Charts)
		section.SourceSliceIDs = trimAll(input.SourceSliceIDs)
		if input.OrderIndex != nil {
			section.OrderIndex = *input.OrderIndex
		}
		section.UpdatedAt = s.now()
		if err := tx.UpdateSection(ctx, section); err != nil {
			return err
		}
		result.Section = section
		return nil
	}, &result.ReportVersion)
	if err != nil {
		return SectionResult{}, err
	}
	s.reindex(ctx, reportID)
	return result, nil
}

func (s *Service) DeleteSection(ctx context.Context, actor rbac.Actor, reportID, sectionID string, version int) (int, error) {
	if err := s.authorize(actor, rbac.ActionEdit, "report", reportID); err != nil {
		return 0, err
	}
	if version < 1 {
		return 0, validationError("version is required", map[string]any{"field": "version"})
	}

	var reportVersion int
	err := s.editDraft(ctx, reportID, version, func(tx store.Tx) error {
		err := tx.DeleteSection(ctx, reportID, sectionID)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("section")
		}
		return err
	}, &reportVersion)
	if err != nil {
		return 0, err
	}
	if s.search != nil {
		s.search.DeleteSection(sectionID)
	}
	return reportVersion, nil
}

// editDraft runs fn inside a transaction that first checks the report is an
// editable draft at the expected version and afterwards bumps the version.
func (s *Service) editDraft(ctx context.Context, reportID string, expectedVersion int, fn func(store.Tx) error, versionOut *int) error {
	return s.store.RunInTx(ctx, func(tx store.Tx) error {
		report, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if report.Version != expectedVersion {
			return &store.VersionConflictError{Expected: expectedVersion, Current: report.Version}
		}
		if !lifecycle.Editable(report.Status) {
			return reportLocked(report.Status)
		}
		if err := fn(tx); err != nil {
			return err
		}
		updated, err := tx.BumpVersion(ctx, reportID, expectedVersion)
		if err != nil {
			return err
		}
		*versionOut = updated.Version
		return nil
	})
}

func (s *Service) checkSectionInput(actor rbac.Actor, reportID string, input SectionInput) error {
	if err := s.authorize(actor, rbac.ActionEdit, "report", reportID); err != nil {
		return err
	}
	if err := s.validate.Struct(input); err != nil {
		return err
	}
	for i, chart := range input.Charts {
		if !chartTypes[strings.ToLower(strings.TrimSpace(chart.ChartType))] {
			return validationError("unsupported chart type", map[string]any{"chart": i, "chart_type": chart.ChartType})
		}
		if strings.TrimSpace(chart.SourceSliceID) == "" {
			return validationError("chart source_slice_id is required", map[string]any{"chart": i})
		}
	}
	return nil
}

// Rendering

// RenderPreview assembles the current state of a report without creating a
// job. Broken slices and template errors show up as diagnostics.
func (s *Service) RenderPreview(ctx context.Context, actor rbac.Actor, reportID string) (Preview, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", reportID); err != nil {
		return Preview{}, err
	}
	if s.builder == nil {
		return Preview{}, errors.New("render preview: no document builder configured")
	}
	snapshot, err := s.snapshot(ctx, reportID)
	if err != nil {
		return Preview{}, err
	}
	doc, results, err := s.builder.Build(ctx, snapshot, assembly.Options{RenderedAt: s.now()})
	if err != nil {
		return Preview{}, fmt.Errorf("render preview: %w", err)
	}

	summaries := make(map[string]SliceSummary, len(results))
	for id, result := range results {
		warnings := result.Warnings
		if warnings == nil {
			warnings = []slices.Warning{}
		}
		summaries[id] = SliceSummary{Source: result.Metadata.Source, Rows: len(result.Table.Rows), Warnings: warnings}
	}
	diagnostics := doc.Diagnostics
	if diagnostics == nil {
		diagnostics = []assembly.Diagnostic{}
	}
	return Preview{
		ReportID:    snapshot.Report.ID,
		Version:     snapshot.Report.Version,
		HTML:        doc.HTML,
		ContentHash: doc.ContentHash,
		Diagnostics: diagnostics,
		Slices:      summaries,
	}, nil
}

func (s *Service) snapshot(ctx context.Context, reportID string) (store.Snapshot, error) {
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return store.Snapshot{}, err
	}
	sections, err := s.store.ListSections(ctx, reportID)
	if err != nil {
		return store.Snapshot{}, err
	}
	tmpl, err := s.store.GetTemplate(ctx, report.ReportTemplateID)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("load template %s: %w", report.ReportTemplateID, err)
	}
	return store.Snapshot{Report: report, Sections: sections, Template: tmpl}, nil
}

// Search

func (s *Service) Search(ctx context.Context, actor rbac.Actor, input SearchInput) (search.Response, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", ""); err != nil {
		return search.Response{}, err
	}
	input.Query = strings.TrimSpace(input.Query)
	if input.Query == "" {
		return search.Response{}, validationError("q is required", map[string]any{"field": "q"})
	}
	filterType := search.ResultType(strings.TrimSpace(input.Type))
	if filterType != "" && filterType != search.ResultReport && filterType != search.ResultSection {
		return search.Response{}, validationError("unknown result type", map[string]any{"type": input.Type})
	}
	if input.Status != "" && !reportStatuses[input.Status] {
		return search.Response{}, validationError("unknown status filter", map[string]any{"status": input.Status})
	}
	if input.Limit <= 0 || input.Limit > 100 {
		input.Limit = 20
	}
	if input.Offset < 0 {
		input.Offset = 0
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: input.Query}, nil
	}
	return s.search.Search(ctx, search.Query{
		Text:         input.Query,
		FilterType:   filterType,
		FilterStatus: input.Status,
		Limit:        input.Limit,
		Offset:       input.Offset,
	}), nil
}

// helpers

func (s *Service) view(ctx context.Context, report store.Report) (ReportView, error) {
	sections, err := s.store.ListSections(ctx, report.ID)
	if err != nil {
		return ReportView{}, err
	}
	return ReportView{Report: report, Sections: sortedSections(sections), AllowedActions: lifecycle.AllowedActions(report.Status)}, nil
}

func (s *Service) viewAndIndex(ctx context.Context, report store.Report) (ReportView, error) {
	view, err := s.view(ctx, report)
	if err != nil {
		return ReportView{}, err
	}
	s.index(view.Report, view.Sections)
	return view, nil
}

func (s *Service) reindex(ctx context.Context, reportID string) {
	if s.search == nil {
		return
	}
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		s.logger.WithError(err).WithField("report_id", reportID).Warn("reindex report")
		return
	}
	sections, err := s.store.ListSections(ctx, reportID)
	if err != nil {
		s.logger.WithError(err).WithField("report_id", reportID).Warn("reindex sections")
		return
	}
	s.index(report, sections)
}

func (s *Service) index(report store.Report, sections []store.Section) {
	if s.search == nil {
		return
	}
	records := make([]search.SectionRecord, 0, len(sections))
	for _, section := range sections {
		records = append(records, search.SectionRecord{
			ID:       section.ID,
			ReportID: report.ID,
			Title:    section.Title,
			Content:  section.Content,
			Status:   report.Status,
		})
	}
	s.search.IndexReport(search.ReportRecord{
		ID:      report.ID,
		Title:   report.Title,
		Status:  report.Status,
		OwnerID: report.OwnerID,
	}, records)
}

func reportLocked(status string) *DomainError {
	return domainError(http.StatusConflict, CodeReportLocked, "Only draft reports can be edited",
		map[string]any{"status": status, "editable_in": []string{store.StatusDraft}})
}

func normalizeSliceConfig(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, validationError("slice_config must be valid JSON", map[string]any{"field": "slice_config"})
	}
	return json.RawMessage(trimmed), nil
}

func checkTimeRange(start, end *time.Time) error {
	if start != nil && end != nil && end.Before(*start) {
		return validationError("time_range_end is before time_range_start", map[string]any{
			"time_range_start": start.UTC().Format(time.RFC3339),
			"time_range_end":   end.UTC().Format(time.RFC3339),
		})
	}
	return nil
}

func utcTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func normalizeCharts(charts []store.ChartSpec) []store.ChartSpec {
	out := make([]store.ChartSpec, 0, len(charts))
	for _, chart := range charts {
		chart.Title = strings.TrimSpace(chart.Title)
		chart.ChartType = strings.ToLower(strings.TrimSpace(chart.ChartType))
		chart.SourceSliceID = strings.TrimSpace(chart.SourceSliceID)
		chart.XField = strings.TrimSpace(chart.XField)
		chart.YFields = trimAll(chart.YFields)
		out = append(out, chart)
	}
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func nextOrderIndex(sections []store.Section) int {
	next := 0
	for _, section := range sections {
		if section.OrderIndex >= next {
			next = section.OrderIndex + 1
		}
	}
	return next
}

func findSection(sections []store.Section, sectionID string) (store.Section, bool) {
	for _, section := range sections {
		if section.ID == sectionID {
			return section, true
		}
	}
	return store.Section{}, false
}

func sortedSections(sections []store.Section) []store.Section {
	out := make([]store.Section, len(sections))
	copy(out, sections)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out
}
