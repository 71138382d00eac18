package export

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/assembly"
	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
)

// Builder assembles a snapshot into a document and returns the slices it
// materialized along the way.
type Builder interface {
	Build(ctx context.Context, snapshot store.Snapshot, opts assembly.Options) (assembly.Document, map[string]slices.Result, error)
}

// Service provides report export functionality
type Service struct {
	builder Builder
	logger  logrus.FieldLogger
	now     func() time.Time

	pdf  func(ctx context.Context, html, title string) (*Result, error)
	docx func(ctx context.Context, html, title string) (*Result, error)
}

// NewService creates a new export service
func NewService(builder Builder, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{
		builder: builder,
		logger:  logger.WithField("component", "export"),
		now:     time.Now,
		pdf:     exportPDF,
		docx:    exportDOCX,
	}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, snapshot store.Snapshot, format Format) (*Result, error) {
	format = Format(strings.ToLower(strings.TrimSpace(string(format))))
	switch format {
	case FormatPDF, FormatDOCX, FormatXLSX, FormatHTML:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	doc, results, err := s.builder.Build(ctx, snapshot, assembly.Options{RenderedAt: s.now()})
	if err != nil {
		return nil, fmt.Errorf("assemble report: %w", err)
	}
	if len(doc.Diagnostics) > 0 {
		s.logger.WithFields(logrus.Fields{
			"report_id":   snapshot.Report.ID,
			"format":      format,
			"diagnostics": len(doc.Diagnostics),
		}).Warn("report exported with render diagnostics")
	}

	title := snapshot.Report.Title
	switch format {
	case FormatPDF:
		return s.pdf(ctx, doc.HTML, title)
	case FormatDOCX:
		return s.docx(ctx, doc.HTML, title)
	case FormatXLSX:
		return exportXLSX(snapshot, results)
	default:
		return &Result{
			Data:     []byte(doc.HTML),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	}
}

// Render satisfies the job runner's renderer contract.
func (s *Service) Render(ctx context.Context, snapshot store.Snapshot, format string) ([]byte, string, error) {
	result, err := s.Export(ctx, snapshot, Format(format))
	if err != nil {
		return nil, "", err
	}
	return result.Data, result.MimeType, nil
}
