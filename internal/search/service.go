package search

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Loader reads every searchable record for a full reindex.
type Loader interface {
	LoadAllRecords(ctx context.Context) ([]ReportRecord, []SectionRecord, error)
}

// Service is the facade that tries the primary index first and falls back
// to the database searcher.
type Service struct {
	primary  Index
	fallback Searcher
	logger   logrus.FieldLogger
}

// NewService creates a search service. primary may be nil when Meilisearch
// is not configured.
func NewService(primary Index, fallback Searcher, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{primary: primary, fallback: fallback, logger: logger.WithField("component", "search")}
}

// Search tries the primary index if healthy, otherwise the fallback. Errors
// are logged and produce an empty response.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryReady() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.WithError(err).Warn("primary search failed, falling back to postgres")
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.WithError(err).Error("fallback search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexReport pushes a report and its sections to the primary index in the
// background.
func (s *Service) IndexReport(report ReportRecord, sections []SectionRecord) {
	if !s.primaryReady() {
		return
	}
	go func() {
		log := s.logger.WithField("report_id", report.ID)
		if err := s.primary.IndexReports([]ReportRecord{report}); err != nil {
			log.WithError(err).Warn("index report")
		}
		if err := s.primary.IndexSections(sections); err != nil {
			log.WithError(err).Warn("index sections")
		}
	}()
}

// DeleteSection removes a section from the primary index in the background.
func (s *Service) DeleteSection(id string) {
	if !s.primaryReady() {
		return
	}
	go func() {
		if err := s.primary.DeleteSection(id); err != nil {
			s.logger.WithError(err).WithField("section_id", id).Warn("delete section from index")
		}
	}()
}

// ReindexAll reloads every record and pushes it to the primary index.
func (s *Service) ReindexAll(ctx context.Context, loader Loader) {
	if !s.primaryReady() || loader == nil {
		return
	}
	reports, sections, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.WithError(err).Error("reindex load failed")
		return
	}
	if err := s.primary.IndexReports(reports); err != nil {
		s.logger.WithError(err).Warn("reindex reports")
	}
	if err := s.primary.IndexSections(sections); err != nil {
		s.logger.WithError(err).Warn("reindex sections")
	}
	s.logger.WithFields(logrus.Fields{"reports": len(reports), "sections": len(sections)}).Info("search index rebuilt")
}

func (s *Service) primaryReady() bool {
	return s.primary != nil && s.primary.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
