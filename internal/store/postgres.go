package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrVersionConflict     = errors.New("version conflict")
	ErrDuplicateActiveJob  = errors.New("duplicate active job")
	ErrDuplicateOrderIndex = errors.New("duplicate section order index")
	ErrDuplicateTemplate   = errors.New("duplicate template version")
	ErrJobNotWithdrawable  = errors.New("job is not withdrawable")
)

// VersionConflictError reports a compare-and-swap miss on a report.
type VersionConflictError struct {
	Expected int
	Current  int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current)
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// JobStateError reports that a job was not in the state an operation required.
type JobStateError struct {
	Status string
}

func (e *JobStateError) Error() string {
	return fmt.Sprintf("job is %s", e.Status)
}

func (e *JobStateError) Is(target error) bool {
	return target == ErrJobNotWithdrawable
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the set of operations available inside RunInTx.
type Tx interface {
	GetReport(ctx context.Context, reportID string) (Report, error)
	ListSections(ctx context.Context, reportID string) ([]Section, error)
	CountSections(ctx context.Context, reportID string) (int, error)
	HasSucceededPublishJob(ctx context.Context, reportID string) (bool, error)
	CompareAndSetStatus(ctx context.Context, reportID string, expectedVersion int, status string) (Report, error)
	BumpVersion(ctx context.Context, reportID string, expectedVersion int) (Report, error)
	InsertReport(ctx context.Context, report Report) error
	InsertSection(ctx context.Context, section Section) error
	UpdateSection(ctx context.Context, section Section) error
	DeleteSection(ctx context.Context, reportID, sectionID string) error
	InsertTransition(ctx context.Context, record TransitionRecord) error
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx runs fn in one transaction, committing only when fn returns nil.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t pgTx) GetReport(ctx context.Context, reportID string) (Report, error) {
	return getReport(ctx, t.q, reportID, true)
}

func (t pgTx) ListSections(ctx context.Context, reportID string) ([]Section, error) {
	return listSections(ctx, t.q, reportID)
}

func (t pgTx) CountSections(ctx context.Context, reportID string) (int, error) {
	var count int
	if err := t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM report_sections WHERE report_id=$1`, reportID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sections: %w", err)
	}
	return count, nil
}

func (t pgTx) HasSucceededPublishJob(ctx context.Context, reportID string) (bool, error) {
	var exists bool
	err := t.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM jobs WHERE report_id=$1 AND type='publish' AND status='succeeded')
	`, reportID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check publish job: %w", err)
	}
	return exists, nil
}

func (t pgTx) CompareAndSetStatus(ctx context.Context, reportID string, expectedVersion int, status string) (Report, error) {
	row := t.q.QueryRowContext(ctx, `
		UPDATE reports
		SET status=$3, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+reportColumns, reportID, expectedVersion, status)
	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, versionMiss(ctx, t.q, reportID, expectedVersion)
	}
	if err != nil {
		return Report{}, fmt.Errorf("update report status: %w", err)
	}
	return report, nil
}

func (t pgTx) BumpVersion(ctx context.Context, reportID string, expectedVersion int) (Report, error) {
	return bumpVersion(ctx, t.q, reportID, expectedVersion)
}

func (t pgTx) InsertReport(ctx context.Context, report Report) error {
	return insertReport(ctx, t.q, report)
}

func (t pgTx) InsertSection(ctx context.Context, section Section) error {
	return insertSection(ctx, t.q, section)
}

func (t pgTx) UpdateSection(ctx context.Context, section Section) error {
	charts, sliceIDs, err := encodeSectionJSON(section)
	if err != nil {
		return err
	}
	result, err := t.q.ExecContext(ctx, `
		UPDATE report_sections
		SET title=$3, order_index=$4, content=$5, charts=$6::jsonb, source_slice_ids=$7::jsonb, updated_at=NOW()
		WHERE report_id=$1 AND id=$2
	`, section.ReportID, section.ID, section.Title, section.OrderIndex, section.Content, charts, sliceIDs)
	if isUniqueViolation(err, "report_sections_report_order_key") {
		return ErrDuplicateOrderIndex
	}
	if err != nil {
		return fmt.Errorf("update section: %w", err)
	}
	return requireAffected(result, "update section")
}

func (t pgTx) DeleteSection(ctx context.Context, reportID, sectionID string) error {
	result, err := t.q.ExecContext(ctx, `DELETE FROM report_sections WHERE report_id=$1 AND id=$2`, reportID, sectionID)
	if err != nil {
		return fmt.Errorf("delete section: %w", err)
	}
	return requireAffected(result, "delete section")
}

func (t pgTx) InsertTransition(ctx context.Context, record TransitionRecord) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO report_transitions (id, report_id, from_status, to_status, action, actor_id, comment, version_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.ReportID, record.FromStatus, record.ToStatus, record.Action, record.ActorID, record.Comment, record.VersionAfter)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Templates

func (s *PostgresStore) InsertTemplate(ctx context.Context, tmpl ReportTemplate) error {
	blocks, err := json.Marshal(nonNilStrings(tmpl.Blocks))
	if err != nil {
		return fmt.Errorf("marshal template blocks: %w", err)
	}
	variables := tmpl.Variables
	if variables == nil {
		variables = map[string]string{}
	}
	vars, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("marshal template variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_templates (id, name, version, blocks, variables)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
	`, tmpl.ID, tmpl.Name, tmpl.Version, string(blocks), string(vars))
	if isUniqueViolation(err, "report_templates_name_version_key") {
		return ErrDuplicateTemplate
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

const templateColumns = `id, name, version, blocks, variables, created_at`

func (s *PostgresStore) GetTemplate(ctx context.Context, templateID string) (ReportTemplate, error) {
	return scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM report_templates WHERE id=$1`, templateID))
}

func (s *PostgresStore) GetLatestTemplate(ctx context.Context, name string) (ReportTemplate, error) {
	return scanTemplate(s.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM report_templates
		WHERE name=$1
		ORDER BY version DESC
		LIMIT 1
	`, name))
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]ReportTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM report_templates ORDER BY name ASC, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	items := make([]ReportTemplate, 0)
	for rows.Next() {
		item, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return items, nil
}

func scanTemplate(row rowScanner) (ReportTemplate, error) {
	var (
		item      ReportTemplate
		blocks    []byte
		variables []byte
	)
	if err := row.Scan(&item.ID, &item.Name, &item.Version, &blocks, &variables, &item.CreatedAt); err != nil {
		return ReportTemplate{}, err
	}
	if err := json.Unmarshal(blocks, &item.Blocks); err != nil {
		return ReportTemplate{}, fmt.Errorf("decode template blocks: %w", err)
	}
	if err := json.Unmarshal(variables, &item.Variables); err != nil {
		return ReportTemplate{}, fmt.Errorf("decode template variables: %w", err)
	}
	return item, nil
}

// Reports

const reportColumns = `id, title, report_template_id, owner_id, slice_config, status, version, forked_from, time_range_start, time_range_end, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (Report, error) {
	return getReport(ctx, s.db, reportID, false)
}

func (s *PostgresStore) ListReports(ctx context.Context, status string) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	items := make([]Report, 0)
	for rows.Next() {
		item, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return items, nil
}

// UpdateReportContent rewrites the editable report fields when the stored
// version still equals expectedVersion, and increments the version.
func (s *PostgresStore) UpdateReportContent(ctx context.Context, report Report, expectedVersion int) (Report, error) {
	sliceConfig := report.SliceConfig
	if len(sliceConfig) == 0 {
		sliceConfig = json.RawMessage(`{}`)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE reports
		SET title=$3, slice_config=$4::json, time_range_start=$5, time_range_end=$6, version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+reportColumns,
		report.ID, expectedVersion, report.Title, string(sliceConfig), nullTime(report.TimeRangeStart), nullTime(report.TimeRangeEnd))
	updated, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, versionMiss(ctx, s.db, report.ID, expectedVersion)
	}
	if err != nil {
		return Report{}, fmt.Errorf("update report: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ListSections(ctx context.Context, reportID string) ([]Section, error) {
	return listSections(ctx, s.db, reportID)
}

func (s *PostgresStore) ListTransitions(ctx context.Context, reportID string) ([]TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, from_status, to_status, action, actor_id, comment, version_after, created_at
		FROM report_transitions
		WHERE report_id=$1
		ORDER BY created_at ASC, version_after ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	items := make([]TransitionRecord, 0)
	for rows.Next() {
		var item TransitionRecord
		if err := rows.Scan(&item.ID, &item.ReportID, &item.FromStatus, &item.ToStatus, &item.Action, &item.ActorID, &item.Comment, &item.VersionAfter, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return items, nil
}

func getReport(ctx context.Context, q querier, reportID string, forUpdate bool) (Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanReport(q.QueryRowContext(ctx, query, reportID))
}

func scanReport(row rowScanner) (Report, error) {
	var (
		item        Report
		sliceConfig []byte
		forkedFrom  sql.NullString
		start       sql.NullTime
		end         sql.NullTime
	)
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.ReportTemplateID,
		&item.OwnerID,
		&sliceConfig,
		&item.Status,
		&item.Version,
		&forkedFrom,
		&start,
		&end,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Report{}, err
	}
	item.SliceConfig = json.RawMessage(sliceConfig)
	if forkedFrom.Valid {
		item.ForkedFrom = &forkedFrom.String
	}
	if start.Valid {
		item.TimeRangeStart = &start.Time
	}
	if end.Valid {
		item.TimeRangeEnd = &end.Time
	}
	return item, nil
}

func insertReport(ctx context.Context, q querier, report Report) error {
	sliceConfig := report.SliceConfig
	if len(sliceConfig) == 0 {
		sliceConfig = json.RawMessage(`{}`)
	}
	status := report.Status
	if status == "" {
		status = StatusDraft
	}
	version := report.Version
	if version == 0 {
		version = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO reports (id, title, report_template_id, owner_id, slice_config, status, version, forked_from, time_range_start, time_range_end)
		VALUES ($1, $2, $3, $4, $5::json, $6, $7, $8, $9, $10)
	`, report.ID, report.Title, report.ReportTemplateID, report.OwnerID, string(sliceConfig), status, version,
		nullString(report.ForkedFrom), nullTime(report.TimeRangeStart), nullTime(report.TimeRangeEnd))
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func bumpVersion(ctx context.Context, q querier, reportID string, expectedVersion int) (Report, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE reports
		SET version=version+1, updated_at=NOW()
		WHERE id=$1 AND version=$2
		RETURNING `+reportColumns, reportID, expectedVersion)
	report, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, versionMiss(ctx, q, reportID, expectedVersion)
	}
	if err != nil {
		return Report{}, fmt.Errorf("bump report version: %w", err)
	}
	return report, nil
}

// versionMiss distinguishes a missing report from a stale version.
func versionMiss(ctx context.Context, q querier, reportID string, expectedVersion int) error {
	var current int
	err := q.QueryRowContext(ctx, `SELECT version FROM reports WHERE id=$1`, reportID).Scan(&current)
	if err != nil {
		return err
	}
	return &VersionConflictError{Expected: expectedVersion, Current: current}
}

// Sections

const sectionColumns = `id, report_id, title, order_index, content, charts, source_slice_ids, created_at, updated_at`

func listSections(ctx context.Context, q querier, reportID string) ([]Section, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+sectionColumns+`
		FROM report_sections
		WHERE report_id=$1
		ORDER BY order_index ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0)
	for rows.Next() {
		var (
			item     Section
			charts   []byte
			sliceIDs []byte
		)
		if err := rows.Scan(&item.ID, &item.ReportID, &item.Title, &item.OrderIndex, &item.Content, &charts, &sliceIDs, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		if err := json.Unmarshal(charts, &item.Charts); err != nil {
			return nil, fmt.Errorf("decode section charts: %w", err)
		}
		if err := json.Unmarshal(sliceIDs, &item.SourceSliceIDs); err != nil {
			return nil, fmt.Errorf("decode section slice ids: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

func insertSection(ctx context.Context, q querier, section Section) error {
	charts, sliceIDs, err := encodeSectionJSON(section)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO report_sections (id, report_id, title, order_index, content, charts, source_slice_ids)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)
	`, section.ID, section.ReportID, section.Title, section.OrderIndex, section.Content, charts, sliceIDs)
	if isUniqueViolation(err, "report_sections_report_order_key") {
		return ErrDuplicateOrderIndex
	}
	if err != nil {
		return fmt.Errorf("insert section: %w", err)
	}
	return nil
}

func encodeSectionJSON(section Section) (string, string, error) {
	charts := section.Charts
	if charts == nil {
		charts = []ChartSpec{}
	}
	chartsJSON, err := json.Marshal(charts)
	if err != nil {
		return "", "", fmt.Errorf("marshal section charts: %w", err)
	}
	sliceIDsJSON, err := json.Marshal(nonNilStrings(section.SourceSliceIDs))
	if err != nil {
		return "", "", fmt.Errorf("marshal section slice ids: %w", err)
	}
	return string(chartsJSON), string(sliceIDsJSON), nil
}

// Annotations

func (s *PostgresStore) InsertAnnotation(ctx context.Context, annotation Annotation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, report_id, section_id, author_id, body, anchor, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'open')
	`, annotation.ID, annotation.ReportID, annotation.SectionID, annotation.AuthorID, annotation.Body, annotation.Anchor)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

const annotationColumns = `id, report_id, section_id, author_id, body, anchor, status, resolved_by, created_at, resolved_at`

func (s *PostgresStore) ListAnnotations(ctx context.Context, reportID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE report_id=$1
		ORDER BY created_at ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// ResolveAnnotation marks an open annotation resolved. Resolving an already
// resolved annotation returns it unchanged.
func (s *PostgresStore) ResolveAnnotation(ctx context.Context, reportID, annotationID, resolvedBy string) (Annotation, error) {
	item, err := scanAnnotation(s.db.QueryRowContext(ctx, `
		UPDATE annotations
		SET status='resolved', resolved_by=$3, resolved_at=NOW()
		WHERE report_id=$1 AND id=$2 AND status='open'
		RETURNING `+annotationColumns, reportID, annotationID, resolvedBy))
	if errors.Is(err, sql.ErrNoRows) {
		return scanAnnotation(s.db.QueryRowContext(ctx, `
			SELECT `+annotationColumns+` FROM annotations WHERE report_id=$1 AND id=$2
		`, reportID, annotationID))
	}
	if err != nil {
		return Annotation{}, fmt.Errorf("resolve annotation: %w", err)
	}
	return item, nil
}

func scanAnnotation(row rowScanner) (Annotation, error) {
	var (
		item       Annotation
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.ReportID, &item.SectionID, &item.AuthorID, &item.Body, &item.Anchor, &item.Status, &resolvedBy, &item.CreatedAt, &resolvedAt); err != nil {
		return Annotation{}, err
	}
	if resolvedBy.Valid {
		item.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		item.ResolvedAt = &resolvedAt.Time
	}
	return item, nil
}

// helpers

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return *value
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
