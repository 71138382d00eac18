package app

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/lifecycle"
	"reportkit/api/internal/rbac"
	"reportkit/api/internal/store"
	"reportkit/api/internal/webhook"
)

type TransitionInput struct {
	Version int    `json:"version" validate:"required,min=1"`
	Comment string `json:"comment" validate:"max=2000"`
}

type DecisionInput struct {
	Version  int    `json:"version" validate:"required,min=1"`
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Comment  string `json:"comment" validate:"max=2000"`
}

type StatusTransitionInput struct {
	Version int    `json:"version" validate:"required,min=1"`
	Status  string `json:"status" validate:"required"`
	Comment string `json:"comment" validate:"max=2000"`
}

type ForkInput struct {
	Title string `json:"title" validate:"max=300"`
}

var transitionEvents = map[string]string{
	string(lifecycle.ActionSubmit):  webhook.ReportSubmitted,
	string(lifecycle.ActionApprove): webhook.ReportApproved,
	string(lifecycle.ActionReject):  webhook.ReportRejected,
	string(lifecycle.ActionPublish): webhook.ReportPublished,
}

// Submit sends a draft to review. It needs at least one section.
func (s *Service) Submit(ctx context.Context, actor rbac.Actor, reportID string, input TransitionInput) (ReportView, error) {
	if err := s.validate.Struct(input); err != nil {
		return ReportView{}, err
	}
	return s.apply(ctx, lifecycle.Request{
		ReportID:        reportID,
		Action:          lifecycle.ActionSubmit,
		ExpectedVersion: input.Version,
		Actor:           actor,
		Comment:         input.Comment,
	})
}

// Decide approves or rejects a report under review.
func (s *Service) Decide(ctx context.Context, actor rbac.Actor, reportID string, input DecisionInput) (ReportView, error) {
	input.Decision = strings.ToLower(strings.TrimSpace(input.Decision))
	if err := s.validate.Struct(input); err != nil {
		return ReportView{}, err
	}
	action := lifecycle.ActionApprove
	if input.Decision == "reject" {
		action = lifecycle.ActionReject
	}
	return s.apply(ctx, lifecycle.Request{
		ReportID:        reportID,
		Action:          action,
		ExpectedVersion: input.Version,
		Actor:           actor,
		Comment:         input.Comment,
	})
}

// Transition moves a report to the requested status through whichever action
// the transition table defines for it.
func (s *Service) Transition(ctx context.Context, actor rbac.Actor, reportID string, input StatusTransitionInput) (ReportView, error) {
	input.Status = strings.ToLower(strings.TrimSpace(input.Status))
	if err := s.validate.Struct(input); err != nil {
		return ReportView{}, err
	}
	if !reportStatuses[input.Status] {
		return ReportView{}, validationError("unknown status", map[string]any{"status": input.Status})
	}
	out, err := s.machine.Transition(ctx, reportID, input.Version, input.Status, actor, input.Comment)
	if err != nil {
		return ReportView{}, err
	}
	return s.afterTransition(ctx, out, actor.ID)
}

// Fork copies an approved or published report into a new draft.
func (s *Service) Fork(ctx context.Context, actor rbac.Actor, reportID string, input ForkInput) (ReportView, error) {
	if err := s.validate.Struct(input); err != nil {
		return ReportView{}, err
	}
	forked, sections, err := s.machine.Fork(ctx, reportID, actor, input.Title)
	if err != nil {
		return ReportView{}, err
	}
	s.notify(webhook.ReportForked, reportSummary(forked), actor.ID)
	s.index(forked, sections)
	return ReportView{Report: forked, Sections: sortedSections(sections), AllowedActions: lifecycle.AllowedActions(forked.Status)}, nil
}

func (s *Service) apply(ctx context.Context, req lifecycle.Request) (ReportView, error) {
	out, err := s.machine.Apply(ctx, req)
	if err != nil {
		return ReportView{}, err
	}
	return s.afterTransition(ctx, out, req.Actor.ID)
}

func (s *Service) afterTransition(ctx context.Context, out lifecycle.Outcome, actorID string) (ReportView, error) {
	if event, ok := transitionEvents[out.Record.Action]; ok {
		s.notify(event, reportSummary(out.Report), actorID)
	}
	return s.viewAndIndex(ctx, out.Report)
}

// markPublished moves an approved report to published once one of its
// publish jobs has succeeded. The requester of the job is recorded as the
// actor; they were authorized to publish when the job was submitted.
func (s *Service) markPublished(ctx context.Context, job store.Job) {
	log := s.logger.WithFields(logrus.Fields{"report_id": job.ReportID, "job_id": job.ID})
	actor := rbac.Actor{ID: job.ActorID, Role: rbac.RoleAdmin}
	if actor.ID == "" {
		actor.ID = "system"
	}

	for attempt := 0; attempt < 2; attempt++ {
		report, err := s.store.GetReport(ctx, job.ReportID)
		if err != nil {
			log.WithError(err).Error("load report for publish transition")
			return
		}
		if report.Status != store.StatusApproved {
			log.WithField("status", report.Status).Info("report not approved; publish transition skipped")
			return
		}
		out, err := s.machine.Apply(ctx, lifecycle.Request{
			ReportID:        report.ID,
			Action:          lifecycle.ActionPublish,
			ExpectedVersion: report.Version,
			Actor:           actor,
			Comment:         "published by job " + job.ID,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			log.WithError(err).Error("publish transition failed")
			return
		}
		if _, err := s.afterTransition(ctx, out, actor.ID); err != nil {
			log.WithError(err).Warn("refresh published report")
		}
		return
	}
	log.Warn("publish transition kept conflicting; giving up")
}

func (s *Service) notify(event string, summary webhook.ReportSummary, actorID string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(event, summary, actorID)
}

func reportSummary(report store.Report) webhook.ReportSummary {
	return webhook.ReportSummary{
		ID:      report.ID,
		Title:   report.Title,
		Status:  report.Status,
		Version: report.Version,
	}
}
