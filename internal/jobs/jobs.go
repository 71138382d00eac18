// Package jobs runs export and publish work for approved reports. Submission
// is idempotent per (report, version, type, params); a worker pool claims due
// jobs, retries failures with exponential backoff and records one immutable
// asset per successful job.
package jobs

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"reportkit/api/internal/store"
	"reportkit/api/internal/util"
)

var (
	ErrInvalidParams     = errors.New("invalid job params")
	ErrReportNotApproved = errors.New("report is not approved")
)

// Export formats.
const (
	FormatPDF  = "pdf"
	FormatDOCX = "docx"
	FormatXLSX = "xlsx"
	FormatHTML = "html"
)

var exportFormats = map[string]bool{FormatPDF: true, FormatDOCX: true, FormatXLSX: true, FormatHTML: true}

// NotApprovedError reports the status that blocked a submission.
type NotApprovedError struct {
	Status  string
	JobType string
}

func (e *NotApprovedError) Error() string {
	return fmt.Sprintf("cannot %s a report in status %s", e.JobType, e.Status)
}

func (e *NotApprovedError) Is(target error) bool {
	return target == ErrReportNotApproved
}

// Store is the persistence the orchestrator needs.
type Store interface {
	GetReport(ctx context.Context, reportID string) (store.Report, error)
	ListSections(ctx context.Context, reportID string) ([]store.Section, error)
	GetTemplate(ctx context.Context, templateID string) (store.ReportTemplate, error)
	InsertJob(ctx context.Context, job store.Job) error
	GetJob(ctx context.Context, jobID string) (store.Job, error)
	GetActiveJobByKey(ctx context.Context, key string) (store.Job, error)
	ClaimJob(ctx context.Context, now time.Time) (store.Job, error)
	CompleteJob(ctx context.Context, jobID string, asset store.Asset) (store.Job, error)
	RetryJob(ctx context.Context, jobID string, nextAttemptAt time.Time, message string) (store.Job, error)
	FailJob(ctx context.Context, jobID, message string) (store.Job, error)
	CancelJob(ctx context.Context, jobID string) (store.Job, error)
	ReleaseJob(ctx context.Context, jobID string) (store.Job, error)
	RequeueStaleJobs(ctx context.Context, startedBefore time.Time, message string) ([]store.Job, error)
}

// Handler executes one job type against the snapshot captured at submission.
type Handler interface {
	Run(ctx context.Context, job store.Job, snapshot store.Snapshot) (store.Asset, error)
}

// Hooks observes terminal job outcomes.
type Hooks interface {
	JobSucceeded(ctx context.Context, job store.Job, asset store.Asset)
	JobFailed(ctx context.Context, job store.Job)
}

type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
	Workers      int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	return c
}

type Orchestrator struct {
	store    Store
	handlers map[string]Handler
	targets  map[string]bool
	hooks    Hooks
	cfg      Config
	logger   logrus.FieldLogger
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithHandler(jobType string, handler Handler) Option {
	return func(o *Orchestrator) { o.handlers[jobType] = handler }
}

// WithPublishTargets restricts publish submissions to the named targets.
func WithPublishTargets(targets ...string) Option {
	return func(o *Orchestrator) {
		for _, target := range targets {
			o.targets[target] = true
		}
	}
}

func WithHooks(hooks Hooks) Option {
	return func(o *Orchestrator) { o.hooks = hooks }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(s Store, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		handlers: map[string]Handler{},
		targets:  map[string]bool{},
		cfg:      cfg.withDefaults(),
		logger:   logrus.StandardLogger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type SubmitRequest struct {
	ReportID string
	Type     string
	Params   json.RawMessage
	ActorID  string
}

type ExportParams struct {
	Format string `json:"format"`
}

type PublishParams struct {
	Target string `json:"target"`
}

// Submit queues a job, or returns the active job already queued for the same
// report version, type and params.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (store.Job, error) {
	params, err := o.canonicalParams(req.Type, req.Params)
	if err != nil {
		return store.Job{}, err
	}

	report, err := o.store.GetReport(ctx, req.ReportID)
	if err != nil {
		return store.Job{}, err
	}
	if !submittable(req.Type, report.Status) {
		return store.Job{}, &NotApprovedError{Status: report.Status, JobType: req.Type}
	}

	key := IdempotencyKey(report.ID, report.Version, req.Type, params)
	if existing, err := o.store.GetActiveJobByKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Job{}, fmt.Errorf("lookup active job: %w", err)
	}

	snapshot, err := o.snapshot(ctx, report)
	if err != nil {
		return store.Job{}, err
	}

	log := o.logger.WithFields(logrus.Fields{"report_id": report.ID, "type": req.Type, "version": report.Version})
	for attempt := 0; attempt < 3; attempt++ {
		job := store.Job{
			ID:             util.NewID("job"),
			ReportID:       report.ID,
			ReportVersion:  report.Version,
			Type:           req.Type,
			Params:         params,
			IdempotencyKey: key,
			Status:         store.JobQueued,
			MaxAttempts:    o.cfg.MaxAttempts,
			NextAttemptAt:  o.now(),
			Snapshot:       snapshot,
			ActorID:        req.ActorID,
		}
		err := o.store.InsertJob(ctx, job)
		if err == nil {
			jobsSubmitted.WithLabelValues(req.Type).Inc()
			log.WithField("job_id", job.ID).Info("job queued")
			return o.store.GetJob(ctx, job.ID)
		}
		if !errors.Is(err, store.ErrDuplicateActiveJob) {
			return store.Job{}, err
		}
		// Another submission won the race; its job may already be terminal.
		existing, err := o.store.GetActiveJobByKey(ctx, key)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return store.Job{}, fmt.Errorf("lookup active job: %w", err)
		}
	}
	return store.Job{}, fmt.Errorf("submit job: idempotency key %s kept changing", key)
}

func (o *Orchestrator) Get(ctx context.Context, jobID string) (store.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// Withdraw cancels a job that has not started.
func (o *Orchestrator) Withdraw(ctx context.Context, jobID string) (store.Job, error) {
	job, err := o.store.CancelJob(ctx, jobID)
	if err != nil {
		return store.Job{}, err
	}
	o.logger.WithFields(logrus.Fields{"job_id": job.ID, "report_id": job.ReportID}).Info("job withdrawn")
	return job, nil
}

func (o *Orchestrator) canonicalParams(jobType string, raw json.RawMessage) (json.RawMessage, error) {
	switch jobType {
	case store.JobTypeExport:
		var params ExportParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		params.Format = strings.ToLower(strings.TrimSpace(params.Format))
		if !exportFormats[params.Format] {
			return nil, fmt.Errorf("%w: unsupported export format %q", ErrInvalidParams, params.Format)
		}
		return json.Marshal(params)
	case store.JobTypePublish:
		var params PublishParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		params.Target = strings.TrimSpace(params.Target)
		if !o.targets[params.Target] {
			return nil, fmt.Errorf("%w: unknown publish target %q (configured: %s)", ErrInvalidParams, params.Target, strings.Join(o.Targets(), ", "))
		}
		return json.Marshal(params)
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidParams, jobType)
	}
}

// Targets lists the configured publish targets.
func (o *Orchestrator) Targets() []string {
	out := make([]string, 0, len(o.targets))
	for target := range o.targets {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

func submittable(jobType, status string) bool {
	switch jobType {
	case store.JobTypePublish:
		return status == store.StatusApproved
	default:
		return status == store.StatusApproved || status == store.StatusPublished
	}
}

func (o *Orchestrator) snapshot(ctx context.Context, report store.Report) (json.RawMessage, error) {
	sections, err := o.store.ListSections(ctx, report.ID)
	if err != nil {
		return nil, err
	}
	tmpl, err := o.store.GetTemplate(ctx, report.ReportTemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", report.ReportTemplateID, err)
	}
	data, err := json.Marshal(store.Snapshot{Report: report, Sections: sections, Template: tmpl})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// IdempotencyKey is the blake2b-256 digest of the report id, report version,
// job type and canonical params.
func IdempotencyKey(reportID string, version int, jobType string, params []byte) string {
	h, _ := blake2b.New256(nil)
	for _, part := range [][]byte{[]byte(reportID), []byte(strconv.Itoa(version)), []byte(jobType), params} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
