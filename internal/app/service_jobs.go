package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/jobs"
	"reportkit/api/internal/publish"
	"reportkit/api/internal/rbac"
	"reportkit/api/internal/store"
	"reportkit/api/internal/webhook"
)

type ExportInput struct {
	Format string `json:"format" validate:"required"`
}

type PublishInput struct {
	Target string `json:"target" validate:"required"`
}

type AssetLink struct {
	AssetID   string    `json:"asset_id"`
	URL       string    `json:"url"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RequestExport queues an export of the report's current version. An
// identical request that is still queued or running returns that job.
func (s *Service) RequestExport(ctx context.Context, actor rbac.Actor, reportID string, input ExportInput) (store.Job, error) {
	if err := s.authorize(actor, rbac.ActionExport, "report", reportID); err != nil {
		return store.Job{}, err
	}
	input.Format = strings.ToLower(strings.TrimSpace(input.Format))
	if err := s.validate.Struct(input); err != nil {
		return store.Job{}, err
	}
	params, err := json.Marshal(jobs.ExportParams{Format: input.Format})
	if err != nil {
		return store.Job{}, fmt.Errorf("marshal export params: %w", err)
	}
	return s.submit(ctx, actor, reportID, store.JobTypeExport, params)
}

// RequestPublish queues delivery of the report to a configured target.
func (s *Service) RequestPublish(ctx context.Context, actor rbac.Actor, reportID string, input PublishInput) (store.Job, error) {
	if err := s.authorize(actor, rbac.ActionPublish, "report", reportID); err != nil {
		return store.Job{}, err
	}
	input.Target = strings.ToLower(strings.TrimSpace(input.Target))
	if err := s.validate.Struct(input); err != nil {
		return store.Job{}, err
	}
	params, err := json.Marshal(jobs.PublishParams{Target: input.Target})
	if err != nil {
		return store.Job{}, fmt.Errorf("marshal publish params: %w", err)
	}
	return s.submit(ctx, actor, reportID, store.JobTypePublish, params)
}

func (s *Service) submit(ctx context.Context, actor rbac.Actor, reportID, jobType string, params json.RawMessage) (store.Job, error) {
	if s.jobs == nil {
		return store.Job{}, errors.New("submit job: job orchestrator not configured")
	}
	return s.jobs.Submit(ctx, jobs.SubmitRequest{
		ReportID: reportID,
		Type:     jobType,
		Params:   params,
		ActorID:  actor.ID,
	})
}

func (s *Service) GetJob(ctx context.Context, actor rbac.Actor, jobID string) (store.Job, error) {
	if s.jobs == nil {
		return store.Job{}, errors.New("get job: job orchestrator not configured")
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return store.Job{}, err
	}
	if err := s.authorize(actor, rbac.ActionRead, "report", job.ReportID); err != nil {
		return store.Job{}, err
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, actor rbac.Actor, reportID string) ([]store.Job, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", reportID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	return s.store.ListJobs(ctx, reportID)
}

// WithdrawJob cancels a queued job. The caller needs the same permission
// that submitting the job required.
func (s *Service) WithdrawJob(ctx context.Context, actor rbac.Actor, jobID string) (store.Job, error) {
	job, err := s.GetJob(ctx, actor, jobID)
	if err != nil {
		return store.Job{}, err
	}
	permission := rbac.ActionExport
	if job.Type == store.JobTypePublish {
		permission = rbac.ActionPublish
	}
	if err := s.authorize(actor, permission, "report", job.ReportID); err != nil {
		return store.Job{}, err
	}
	return s.jobs.Withdraw(ctx, jobID)
}

// Assets

func (s *Service) ListAssets(ctx context.Context, actor rbac.Actor, reportID string) ([]store.Asset, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", reportID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	return s.store.ListAssets(ctx, reportID)
}

// AssetURL returns a time-limited download link for an exported file.
// Publication assets only carry a reference to the target and have no file.
func (s *Service) AssetURL(ctx context.Context, actor rbac.Actor, assetID string, expiry time.Duration) (AssetLink, error) {
	asset, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return AssetLink{}, err
	}
	if err := s.authorize(actor, rbac.ActionRead, "report", asset.ReportID); err != nil {
		return AssetLink{}, err
	}
	if asset.FileType == jobs.PublicationFileType {
		return AssetLink{}, validationError("publication assets have no downloadable file", map[string]any{"locator": asset.Locator})
	}
	if s.signer == nil {
		return AssetLink{}, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage is not configured", nil)
	}
	url, granted, err := s.signer.SignedURL(ctx, asset.Locator, expiry)
	if err != nil {
		return AssetLink{}, err
	}
	return AssetLink{
		AssetID:   asset.ID,
		URL:       url,
		ExpiresIn: int(granted / time.Second),
		ExpiresAt: s.now().Add(granted),
	}, nil
}

// JobSucceeded implements jobs.Hooks.
func (s *Service) JobSucceeded(ctx context.Context, job store.Job, asset store.Asset) {
	summary := s.jobSummary(ctx, job)
	summary.AssetID = asset.ID
	switch job.Type {
	case store.JobTypeExport:
		s.notify(webhook.ExportCompleted, summary, job.ActorID)
	case store.JobTypePublish:
		s.notify(webhook.PublishCompleted, summary, job.ActorID)
		s.markPublished(ctx, job)
	}
}

// JobFailed implements jobs.Hooks.
func (s *Service) JobFailed(ctx context.Context, job store.Job) {
	summary := s.jobSummary(ctx, job)
	if job.Error != nil {
		summary.Error = *job.Error
	}
	event := webhook.ExportFailed
	if job.Type == store.JobTypePublish {
		event = webhook.PublishFailed
	}
	s.notify(event, summary, job.ActorID)
}

func (s *Service) jobSummary(ctx context.Context, job store.Job) webhook.ReportSummary {
	summary := webhook.ReportSummary{ID: job.ReportID, Version: job.ReportVersion, JobID: job.ID}
	report, err := s.store.GetReport(ctx, job.ReportID)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"report_id": job.ReportID, "job_id": job.ID}).Warn("load report for job event")
		return summary
	}
	summary.Title = report.Title
	summary.Status = report.Status
	return summary
}

// ListPublications returns the published revisions of a report, newest
// first. Without git publishing the list is empty.
func (s *Service) ListPublications(ctx context.Context, actor rbac.Actor, reportID string) ([]publish.Commit, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", reportID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetReport(ctx, reportID); err != nil {
		return nil, err
	}
	if s.publications == nil {
		return []publish.Commit{}, nil
	}
	return s.publications.History(reportID, 50)
}

// GetPublication reads the metadata recorded with one published revision,
// addressed by tag (v<version>) or commit hash.
func (s *Service) GetPublication(ctx context.Context, actor rbac.Actor, reportID, revision string) (publish.Publication, error) {
	if err := s.authorize(actor, rbac.ActionRead, "report", reportID); err != nil {
		return publish.Publication{}, err
	}
	if s.publications == nil {
		return publish.Publication{}, notFound("publication")
	}
	publication, err := s.publications.PublicationAt(reportID, revision)
	if errors.Is(err, publish.ErrNoPublication) {
		return publish.Publication{}, notFound("publication")
	}
	return publication, err
}
