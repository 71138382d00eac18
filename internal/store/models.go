package store

import (
	"encoding/json"
	"time"
)

// Report statuses.
const (
	StatusDraft     = "draft"
	StatusInReview  = "in_review"
	StatusApproved  = "approved"
	StatusPublished = "published"
)

// Job types and statuses.
const (
	JobTypeExport  = "export"
	JobTypePublish = "publish"

	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

const (
	AnnotationOpen     = "open"
	AnnotationResolved = "resolved"
)

type ReportTemplate struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Version   int               `json:"version"`
	Blocks    []string          `json:"blocks"`
	Variables map[string]string `json:"variables"`
	CreatedAt time.Time         `json:"created_at"`
}

type Report struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	ReportTemplateID string          `json:"report_template_id"`
	OwnerID          string          `json:"owner_id"`
	SliceConfig      json.RawMessage `json:"slice_config"`
	Status           string          `json:"status"`
	Version          int             `json:"version"`
	ForkedFrom       *string         `json:"forked_from"`
	TimeRangeStart   *time.Time      `json:"time_range_start"`
	TimeRangeEnd     *time.Time      `json:"time_range_end"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type ChartSpec struct {
	Title         string   `json:"title"`
	ChartType     string   `json:"chart_type"`
	SourceSliceID string   `json:"source_slice_id"`
	XField        string   `json:"x_field"`
	YFields       []string `json:"y_fields"`
}

type Section struct {
	ID             string      `json:"id"`
	ReportID       string      `json:"report_id"`
	Title          string      `json:"title"`
	OrderIndex     int         `json:"order_index"`
	Content        string      `json:"content"`
	Charts         []ChartSpec `json:"charts"`
	SourceSliceIDs []string    `json:"source_slice_ids"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Snapshot is the frozen input of an export or publish job.
type Snapshot struct {
	Report   Report         `json:"report"`
	Sections []Section      `json:"sections"`
	Template ReportTemplate `json:"template"`
}

type Annotation struct {
	ID         string     `json:"id"`
	ReportID   string     `json:"report_id"`
	SectionID  string     `json:"section_id"`
	AuthorID   string     `json:"author_id"`
	Body       string     `json:"body"`
	Anchor     string     `json:"anchor"`
	Status     string     `json:"status"`
	ResolvedBy *string    `json:"resolved_by"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
}

type Job struct {
	ID             string          `json:"id"`
	ReportID       string          `json:"report_id"`
	ReportVersion  int             `json:"report_version"`
	Type           string          `json:"type"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	ResultAssetID  *string         `json:"result_asset_id"`
	Error          *string         `json:"error"`
	Snapshot       json.RawMessage `json:"-"`
	ActorID        string          `json:"actor_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at"`
}

// Terminal reports whether the job can no longer change state.
func (j Job) Terminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed || j.Status == JobCancelled
}

type Asset struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	ReportID  string    `json:"report_id"`
	FileType  string    `json:"file_type"`
	Locator   string    `json:"locator"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// TransitionRecord is an append-only entry of a report's lifecycle history.
type TransitionRecord struct {
	ID           string    `json:"id"`
	ReportID     string    `json:"report_id"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	Action       string    `json:"action"`
	ActorID      string    `json:"actor_id"`
	Comment      string    `json:"comment"`
	VersionAfter int       `json:"version_after"`
	CreatedAt    time.Time `json:"created_at"`
}
