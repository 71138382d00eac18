package slices

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

// Metadata sources.
const (
	SourceInline   = "inline"
	SourceLong     = "long"
	SourceExternal = "external"
	SourceError    = "error"
)

type WarningKind string

const (
	// WarningDataShape marks a malformed row or record that was skipped.
	WarningDataShape WarningKind = "data_shape"
	// WarningMaterialization marks a delegated fetch that failed.
	WarningMaterialization WarningKind = "materialization"
)

type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
}

// Table is an ordered column list plus rows keyed by column.
type Table struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

type Metadata struct {
	Source   string         `json:"source"`
	Dataset  string         `json:"dataset,omitempty"`
	RowCount int            `json:"row_count"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Result is a materialized slice.
type Result struct {
	ID       string    `json:"id"`
	Table    Table     `json:"table"`
	Metadata Metadata  `json:"metadata"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Resolved reports whether the slice produced usable data.
func (r Result) Resolved() bool {
	return r.Metadata.Source != SourceError
}

// Query is the request shape sent to the external dataset service. Raw
// carries the untouched value of a Raw slice.
type Query struct {
	Dataset    string         `json:"dataset,omitempty"`
	Dimensions []string       `json:"dimensions,omitempty"`
	Metrics    []string       `json:"metrics,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
	TimeRange  any            `json:"time_range,omitempty"`
	Raw        any            `json:"raw,omitempty"`
}

// DataSource resolves External and Raw slices.
type DataSource interface {
	Query(ctx context.Context, q Query) (Table, Metadata, error)
}

// Cache stores delegated results. Implementations must not store results
// whose source is SourceError.
type Cache interface {
	GetOrLoad(ctx context.Context, key string, load func(context.Context) Result) Result
}

type Materializer struct {
	source      DataSource
	cache       Cache
	timeout     time.Duration
	concurrency int
	logger      logrus.FieldLogger
}

type Option func(*Materializer)

func WithCache(cache Cache) Option {
	return func(m *Materializer) { m.cache = cache }
}

func WithTimeout(timeout time.Duration) Option {
	return func(m *Materializer) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

func WithConcurrency(n int) Option {
	return func(m *Materializer) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Materializer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMaterializer builds a Materializer. source may be nil, in which case
// External and Raw slices resolve to error results.
func NewMaterializer(source DataSource, opts ...Option) *Materializer {
	m := &Materializer{
		source:      source,
		timeout:     30 * time.Second,
		concurrency: 4,
		logger:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaterializeAll resolves every slice of cfg concurrently and waits for all
// of them. A failing slice never affects the others.
func (m *Materializer) MaterializeAll(ctx context.Context, cfg Config) map[string]Result {
	ids := cfg.IDs()
	results := make([]Result, len(ids))

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = m.Materialize(ctx, id, cfg.Slices[id])
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]Result, len(ids))
	for i, id := range ids {
		out[id] = results[i]
	}
	return out
}

// Materialize resolves one slice definition.
func (m *Materializer) Materialize(ctx context.Context, id string, def Def) Result {
	var result Result
	switch typed := def.(type) {
	case DataRoot:
		result = materializeDataRoot(typed)
	case InlineRows:
		result = materializeInlineRows(typed)
	case RowsLong:
		result = materializeRowsLong(typed)
	case External:
		result = m.delegate(ctx, id, Query{
			Dataset:    typed.Dataset,
			Dimensions: typed.Dimensions,
			Metrics:    typed.Metrics,
			Filters:    typed.Filters,
			TimeRange:  typed.TimeRange,
		})
	case Raw:
		result = m.delegate(ctx, id, Query{Raw: typed.Value})
	default:
		result = errorResult(fmt.Sprintf("unsupported slice definition %T", def))
	}
	result.ID = id
	result.Metadata.RowCount = len(result.Table.Rows)
	return result
}

func materializeDataRoot(def DataRoot) Result {
	result := Result{
		Table:    Table{Columns: append([]string(nil), def.Columns...), Rows: make([]map[string]any, 0, len(def.Rows))},
		Metadata: Metadata{Source: SourceInline},
	}
	for i, raw := range def.Rows {
		values, ok := raw.([]any)
		if !ok {
			result.Warnings = append(result.Warnings, Warning{
				Kind:    WarningDataShape,
				Message: fmt.Sprintf("row %d: expected a list of values, got %T", i, raw),
			})
			continue
		}
		if len(values) != len(def.Columns) {
			result.Warnings = append(result.Warnings, Warning{
				Kind:    WarningDataShape,
				Message: fmt.Sprintf("row %d: has %d values for %d columns", i, len(values), len(def.Columns)),
			})
			continue
		}
		row := make(map[string]any, len(values))
		for c, column := range def.Columns {
			row[column] = values[c]
		}
		result.Table.Rows = append(result.Table.Rows, row)
	}
	return result
}

func materializeInlineRows(def InlineRows) Result {
	columns := rowColumns(def.Rows, def.Columns)

	rows := make([]map[string]any, 0, len(def.Rows))
	for _, row := range def.Rows {
		filled := make(map[string]any, len(columns))
		for _, column := range columns {
			filled[column] = row[column]
		}
		rows = append(rows, filled)
	}
	return Result{
		Table:    Table{Columns: columns, Rows: rows},
		Metadata: Metadata{Source: SourceInline},
	}
}

func materializeRowsLong(def RowsLong) Result {
	result := Result{Metadata: Metadata{Source: SourceLong}}

	declared := make(map[string]struct{}, len(def.Metrics))
	for _, metric := range def.Metrics {
		declared[metric] = struct{}{}
	}
	metrics := append([]string(nil), def.Metrics...)
	metricSeen := make(map[string]struct{}, len(metrics))
	for _, metric := range metrics {
		metricSeen[metric] = struct{}{}
	}

	type group struct {
		dims   []any
		values map[string]any
	}
	groups := make([]*group, 0)
	index := make(map[string]*group)

	for i, record := range def.Records {
		dims, err := dimensionValues(record, def.Dimensions)
		if err != nil {
			result.Warnings = append(result.Warnings, Warning{
				Kind:    WarningDataShape,
				Message: fmt.Sprintf("record %d: %v", i, err),
			})
			continue
		}
		metric, ok := record["metric"].(string)
		if !ok || metric == "" {
			result.Warnings = append(result.Warnings, Warning{
				Kind:    WarningDataShape,
				Message: fmt.Sprintf("record %d: missing metric name", i),
			})
			continue
		}
		if len(declared) > 0 {
			if _, ok := declared[metric]; !ok {
				result.Warnings = append(result.Warnings, Warning{
					Kind:    WarningDataShape,
					Message: fmt.Sprintf("record %d: metric %q is not declared", i, metric),
				})
				continue
			}
		} else if _, ok := metricSeen[metric]; !ok {
			metricSeen[metric] = struct{}{}
			metrics = append(metrics, metric)
		}

		key := tupleKey(dims)
		g, ok := index[key]
		if !ok {
			g = &group{dims: dims, values: make(map[string]any)}
			index[key] = g
			groups = append(groups, g)
		}
		// Later records overwrite earlier ones for the same tuple and metric.
		g.values[metric] = record["value"]
	}

	columns := make([]string, 0, len(def.Dimensions)+len(metrics))
	columns = append(columns, def.Dimensions...)
	columns = append(columns, metrics...)

	rows := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		row := make(map[string]any, len(columns))
		for d, dimension := range def.Dimensions {
			row[dimension] = g.dims[d]
		}
		for _, metric := range metrics {
			row[metric] = g.values[metric]
		}
		rows = append(rows, row)
	}
	result.Table = Table{Columns: columns, Rows: rows}
	return result
}

// dimensionValues reads a record's dimension tuple from a positional dim/dims
// list or from fields named after each dimension.
func dimensionValues(record map[string]any, dimensions []string) ([]any, error) {
	for _, key := range []string{"dim", "dims"} {
		raw, ok := record[key]
		if !ok {
			continue
		}
		switch typed := raw.(type) {
		case []any:
			if len(typed) != len(dimensions) {
				return nil, fmt.Errorf("has %d dimension values for %d dimensions", len(typed), len(dimensions))
			}
			return typed, nil
		case map[string]any:
			values := make([]any, len(dimensions))
			for i, dimension := range dimensions {
				value, ok := typed[dimension]
				if !ok {
					return nil, fmt.Errorf("missing dimension %q", dimension)
				}
				values[i] = value
			}
			return values, nil
		default:
			if len(dimensions) == 1 {
				return []any{typed}, nil
			}
			return nil, fmt.Errorf("unsupported %s value %T", key, raw)
		}
	}

	values := make([]any, len(dimensions))
	for i, dimension := range dimensions {
		value, ok := record[dimension]
		if !ok {
			return nil, fmt.Errorf("missing dimension %q", dimension)
		}
		values[i] = value
	}
	return values, nil
}

func tupleKey(values []any) string {
	encoded, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprint(values...)
	}
	return string(encoded)
}

func (m *Materializer) delegate(ctx context.Context, id string, q Query) Result {
	if m.source == nil {
		return errorResult("no external data source is configured")
	}

	load := func(ctx context.Context) Result {
		queryCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		table, meta, err := m.source.Query(queryCtx, q)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"component": "slices",
				"slice_id":  id,
				"dataset":   q.Dataset,
			}).WithError(err).Warn("external slice query failed")
			return errorResult(fmt.Sprintf("external query failed: %v", err))
		}
		if meta.Source == "" || meta.Source == SourceError {
			meta.Source = SourceExternal
		}
		if meta.Dataset == "" {
			meta.Dataset = q.Dataset
		}
		table = normalizeTable(table)
		meta.RowCount = len(table.Rows)
		return Result{Table: table, Metadata: meta}
	}

	if m.cache == nil {
		return load(ctx)
	}
	return m.cache.GetOrLoad(ctx, QueryKey(q), load)
}

// QueryKey derives a stable cache key for a delegated query.
func QueryKey(q Query) string {
	encoded, err := json.Marshal(q)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%#v", q))
	}
	sum := blake2b.Sum256(encoded)
	return "slice:" + hex.EncodeToString(sum[:])
}

// rowColumns starts from known and appends any row key it does not list.
// Keys of a row missing from known are taken in sorted order.
func rowColumns(rows []map[string]any, known []string) []string {
	columns := make([]string, 0, len(known))
	seen := make(map[string]struct{}, len(known))
	for _, column := range known {
		if _, ok := seen[column]; ok {
			continue
		}
		seen[column] = struct{}{}
		columns = append(columns, column)
	}
	for _, row := range rows {
		missing := make([]string, 0)
		for key := range row {
			if _, ok := seen[key]; !ok {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)
		for _, key := range missing {
			seen[key] = struct{}{}
			columns = append(columns, key)
		}
	}
	return columns
}

// normalizeTable fills in missing columns so every row carries the full column set.
func normalizeTable(table Table) Table {
	if len(table.Columns) == 0 && len(table.Rows) > 0 {
		return materializeInlineRows(InlineRows{Rows: table.Rows}).Table
	}
	rows := make([]map[string]any, 0, len(table.Rows))
	for _, row := range table.Rows {
		filled := make(map[string]any, len(table.Columns))
		for _, column := range table.Columns {
			filled[column] = row[column]
		}
		rows = append(rows, filled)
	}
	return Table{Columns: table.Columns, Rows: rows}
}

func errorResult(message string) Result {
	return Result{
		Table:    Table{Columns: []string{}, Rows: []map[string]any{}},
		Metadata: Metadata{Source: SourceError},
		Warnings: []Warning{{Kind: WarningMaterialization, Message: message}},
	}
}
