// Package assembly turns a report snapshot and its materialized slices into
// one HTML document. Section bodies are evaluated by the templating package,
// converted from markdown with goldmark and composed into an embedded
// html/template skeleton.
package assembly

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/crypto/blake2b"

	"reportkit/api/internal/slices"
	"reportkit/api/internal/store"
	"reportkit/api/internal/templating"
)

// Diagnostic kinds added on top of the templating ones.
const (
	KindMissingSlice = "missing_slice"
	KindSliceError   = "slice_error"
	KindSliceWarning = "slice_warning"
	KindChart        = "chart"
	KindMarkdown     = "markdown"
)

// Diagnostic is a non-fatal rendering problem attributed to a section.
type Diagnostic struct {
	SectionID string `json:"section_id"`
	Kind      string `json:"kind"`
	Line      int    `json:"line,omitempty"`
	Message   string `json:"message"`
}

// Document is an assembled report. HTML differs between renders of the same
// snapshot only inside the rendered_at footer stamp.
type Document struct {
	HTML        string       `json:"html"`
	Body        string       `json:"body"`
	ContentHash string       `json:"content_hash"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

type Options struct {
	// RenderedAt is stamped into the footer when non-zero.
	RenderedAt time.Time
}

type Assembler struct {
	markdown goldmark.Markdown
	logger   logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Assembler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Assembler{
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.Table, extension.Strikethrough),
		),
		logger: logger.WithField("component", "assembly"),
	}
}

// Assemble renders every section in order_index order. Problems with slices,
// charts or placeholders are reported as diagnostics; the only error returned
// is a failure of the skeleton template itself.
func (a *Assembler) Assemble(snapshot store.Snapshot, results map[string]slices.Result, opts Options) (Document, error) {
	sections := append([]store.Section(nil), snapshot.Sections...)
	sort.SliceStable(sections, func(i, j int) bool {
		if sections[i].OrderIndex != sections[j].OrderIndex {
			return sections[i].OrderIndex < sections[j].OrderIndex
		}
		return sections[i].ID < sections[j].ID
	})

	base := baseContext(snapshot, results)
	diagnostics := []Diagnostic{}
	rendered := make([]renderedSection, 0, len(sections))
	var body strings.Builder
	for i, section := range sections {
		html, diags := a.renderSection(section, i+1, base, results)
		diagnostics = append(diagnostics, diags...)
		rendered = append(rendered, renderedSection{ID: section.ID, Title: section.Title, Body: html})
		body.WriteString(html)
	}

	data := skeletonData{
		ReportID:        snapshot.Report.ID,
		Title:           snapshot.Report.Title,
		Owner:           snapshot.Report.OwnerID,
		Status:          snapshot.Report.Status,
		Version:         snapshot.Report.Version,
		TimeRange:       timeRange(snapshot.Report),
		TemplateName:    snapshot.Template.Name,
		TemplateVersion: snapshot.Template.Version,
		Sections:        rendered,
	}
	stable, err := renderSkeleton(data)
	if err != nil {
		return Document{}, fmt.Errorf("render skeleton: %w", err)
	}
	sum := blake2b.Sum256([]byte(stable))
	data.ContentHash = hex.EncodeToString(sum[:])
	if !opts.RenderedAt.IsZero() {
		data.RenderedAt = opts.RenderedAt.UTC().Format(time.RFC3339)
	}
	final, err := renderSkeleton(data)
	if err != nil {
		return Document{}, fmt.Errorf("render skeleton: %w", err)
	}

	if len(diagnostics) > 0 {
		a.logger.WithFields(logrus.Fields{
			"report_id":   snapshot.Report.ID,
			"diagnostics": len(diagnostics),
		}).Debug("report assembled with diagnostics")
	}
	return Document{
		HTML:        final,
		Body:        body.String(),
		ContentHash: data.ContentHash,
		Diagnostics: diagnostics,
	}, nil
}

func (a *Assembler) renderSection(section store.Section, index int, base templating.Context, results map[string]slices.Result) (string, []Diagnostic) {
	var diagnostics []Diagnostic
	report := func(kind string, line int, message string) {
		diagnostics = append(diagnostics, Diagnostic{SectionID: section.ID, Kind: kind, Line: line, Message: message})
	}

	trusted := newFragments(section)
	tables := map[string]any{}
	var tableOrder []string
	for _, id := range section.SourceSliceIDs {
		result, ok := results[id]
		switch {
		case !ok:
			report(KindMissingSlice, 0, fmt.Sprintf("slice %q is not defined", id))
			continue
		case !result.Resolved():
			report(KindSliceError, 0, fmt.Sprintf("slice %q could not be materialized: %s", id, warningText(result.Warnings)))
			continue
		}
		for _, w := range result.Warnings {
			report(KindSliceWarning, 0, fmt.Sprintf("slice %q: %s", id, w.Message))
		}
		if _, seen := tables[id]; seen {
			continue
		}
		tables[id] = templating.Fragment(trusted.add(tableFragment(result.Table)))
		tableOrder = append(tableOrder, id)
	}

	charts := map[string]any{}
	var chartOrder []string
	for i, spec := range section.Charts {
		result, ok := results[spec.SourceSliceID]
		if !ok {
			report(KindMissingSlice, 0, fmt.Sprintf("chart %q: slice %q is not defined", spec.Title, spec.SourceSliceID))
			continue
		}
		if !result.Resolved() {
			report(KindSliceError, 0, fmt.Sprintf("chart %q: slice %q could not be materialized", spec.Title, spec.SourceSliceID))
			continue
		}
		markup, err := chartFragment(spec, result.Table)
		if err != nil {
			report(KindChart, 0, err.Error())
			continue
		}
		position := strconv.Itoa(i + 1)
		placeholder := templating.Fragment(trusted.add(markup))
		charts[position] = placeholder
		chartOrder = append(chartOrder, position)
		if s := slug(spec.Title); s != "" {
			if _, taken := charts[s]; !taken {
				charts[s] = placeholder
			}
		}
	}

	var text string
	if strings.TrimSpace(section.Content) == "" {
		parts := make([]string, 0, len(tableOrder)+len(chartOrder))
		for _, id := range tableOrder {
			parts = append(parts, string(tables[id].(templating.Fragment)))
		}
		for _, position := range chartOrder {
			parts = append(parts, string(charts[position].(templating.Fragment)))
		}
		text = strings.Join(parts, "\n\n")
	} else {
		ctx := make(templating.Context, len(base)+3)
		for k, v := range base {
			ctx[k] = v
		}
		ctx["tables"] = tables
		ctx["charts"] = charts
		ctx["section"] = map[string]any{"id": section.ID, "title": section.Title, "index": index}
		var diags []templating.Diagnostic
		text, diags = templating.Render(section.Content, ctx)
		for _, d := range diags {
			report(d.Kind, d.Line, d.Message)
		}
	}

	var buf bytes.Buffer
	if err := a.markdown.Convert([]byte(text), &buf); err != nil {
		report(KindMarkdown, 0, err.Error())
		return "", diagnostics
	}
	return trusted.expand(buf.String()), diagnostics
}

// fragments holds generated table and chart markup while a section body goes
// through markdown, which drops raw HTML. The body carries an inert
// placeholder per fragment until expand swaps the markup back in.
type fragments struct {
	prefix string
	markup []string
}

func newFragments(section store.Section) *fragments {
	sum := blake2b.Sum256([]byte(section.ID + "\x00" + section.Content))
	return &fragments{prefix: "rkfrag" + hex.EncodeToString(sum[:8])}
}

func (f *fragments) add(markup string) string {
	f.markup = append(f.markup, markup)
	return f.placeholder(len(f.markup) - 1)
}

func (f *fragments) placeholder(i int) string {
	return f.prefix + "i" + strconv.Itoa(i) + "z"
}

// expand replaces each placeholder, unwrapping the paragraph markdown puts
// around one that stood alone.
func (f *fragments) expand(rendered string) string {
	if len(f.markup) == 0 {
		return rendered
	}
	pairs := make([]string, 0, 4*len(f.markup))
	for i, markup := range f.markup {
		placeholder := f.placeholder(i)
		pairs = append(pairs, "<p>"+placeholder+"</p>", markup, placeholder, markup)
	}
	return strings.NewReplacer(pairs...).Replace(rendered)
}

// baseContext holds the lookups shared by every section.
func baseContext(snapshot store.Snapshot, results map[string]slices.Result) templating.Context {
	report := snapshot.Report
	reportCtx := map[string]any{
		"id":      report.ID,
		"title":   report.Title,
		"owner":   report.OwnerID,
		"status":  report.Status,
		"version": report.Version,
	}
	if report.TimeRangeStart != nil {
		reportCtx["start"] = report.TimeRangeStart.UTC().Format(time.DateOnly)
	}
	if report.TimeRangeEnd != nil {
		reportCtx["end"] = report.TimeRangeEnd.UTC().Format(time.DateOnly)
	}

	vars := make(map[string]any, len(snapshot.Template.Variables))
	for k, v := range snapshot.Template.Variables {
		vars[k] = v
	}

	totals := map[string]decimal.Decimal{}
	sums := map[string]any{}
	rows := map[string]any{}
	for id, result := range results {
		if !result.Resolved() {
			continue
		}
		rows[id] = len(result.Table.Rows)
		perSlice := columnSums(result.Table)
		sliceSums := make(map[string]any, len(perSlice))
		for column, sum := range perSlice {
			sliceSums[column] = sum
			totals[column] = totals[column].Add(sum)
		}
		sums[id] = sliceSums
	}
	totalsCtx := make(map[string]any, len(totals))
	for column, sum := range totals {
		totalsCtx[column] = sum
	}

	return templating.Context{
		"report":   reportCtx,
		"template": map[string]any{"name": snapshot.Template.Name, "version": snapshot.Template.Version},
		"vars":     vars,
		"totals":   totalsCtx,
		"sums":     sums,
		"rows":     rows,
	}
}

// columnSums adds up every column holding at least one numeric cell.
func columnSums(table slices.Table) map[string]decimal.Decimal {
	sums := map[string]decimal.Decimal{}
	for _, row := range table.Rows {
		for _, column := range table.Columns {
			if d, ok := numeric(row[column]); ok {
				sums[column] = sums[column].Add(d)
			}
		}
	}
	return sums
}

func timeRange(report store.Report) string {
	var start, end string
	if report.TimeRangeStart != nil {
		start = report.TimeRangeStart.UTC().Format(time.DateOnly)
	}
	if report.TimeRangeEnd != nil {
		end = report.TimeRangeEnd.UTC().Format(time.DateOnly)
	}
	switch {
	case start != "" && end != "":
		return start + " to " + end
	case start != "":
		return "from " + start
	case end != "":
		return "until " + end
	}
	return ""
}

func warningText(warnings []slices.Warning) string {
	if len(warnings) == 0 {
		return "unknown error"
	}
	messages := make([]string, 0, len(warnings))
	for _, w := range warnings {
		messages = append(messages, w.Message)
	}
	return strings.Join(messages, "; ")
}

// slug lowercases a chart title and joins its alphanumeric runs with "-".
func slug(title string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

// Materializer resolves a snapshot's slice configuration.
type Materializer interface {
	MaterializeAll(ctx context.Context, cfg slices.Config) map[string]slices.Result
}

// Pipeline materializes a snapshot's slices and assembles the document.
type Pipeline struct {
	materializer Materializer
	assembler    *Assembler
}

func NewPipeline(materializer Materializer, assembler *Assembler) *Pipeline {
	return &Pipeline{materializer: materializer, assembler: assembler}
}

func (p *Pipeline) Build(ctx context.Context, snapshot store.Snapshot, opts Options) (Document, map[string]slices.Result, error) {
	results := p.materializer.MaterializeAll(ctx, slices.Parse(snapshot.Report.SliceConfig))
	doc, err := p.assembler.Assemble(snapshot, results, opts)
	if err != nil {
		return Document{}, nil, err
	}
	return doc, results, nil
}
