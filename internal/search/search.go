// Package search indexes reports and their sections. Meilisearch is used when
// reachable; PostgreSQL full-text search is the fallback.
package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultReport  ResultType = "report"
	ResultSection ResultType = "section"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	ReportID string     `json:"report_id"`
	Status   string     `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterType   ResultType // empty = all types
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a searcher that can also receive records.
type Index interface {
	Searcher
	IndexReports(reports []ReportRecord) error
	IndexSections(sections []SectionRecord) error
	DeleteSection(id string) error
}

// ReportRecord is the data we index for a report.
type ReportRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	OwnerID string `json:"owner_id"`
}

// SectionRecord is the data we index for a section.
type SectionRecord struct {
	ID       string `json:"id"`
	ReportID string `json:"report_id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Status   string `json:"status"`
}
