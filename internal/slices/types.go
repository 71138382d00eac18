// Package slices normalizes report slice configuration into a closed set of
// canonical definitions and materializes them into row tables.
package slices

import (
	"encoding/json"
	"sort"
)

// Kind tags a canonical slice definition.
type Kind string

const (
	KindDataRoot   Kind = "data_root"
	KindInlineRows Kind = "inline_rows"
	KindRowsLong   Kind = "rows_long"
	KindExternal   Kind = "external"
	KindRaw        Kind = "raw"
)

// DefaultID names the slice produced when the input holds a single dataset.
const DefaultID = "default"

// Def is one canonical slice definition. The set of implementations is closed:
// DataRoot, InlineRows, RowsLong, External and Raw.
type Def interface {
	Kind() Kind
	sealed()
}

// DataRoot is a column header plus positional rows. Rows keep their original
// shape so malformed entries can be reported during materialization.
type DataRoot struct {
	Columns []string `json:"columns"`
	Rows    []any    `json:"rows"`
}

// InlineRows holds rows that are already field maps. Columns is the union
// of the row keys in first-seen order.
type InlineRows struct {
	Columns []string         `json:"columns,omitempty"`
	Rows    []map[string]any `json:"rows"`
}

// RowsLong is long-format data: one record per (dimension tuple, metric).
type RowsLong struct {
	Records    []map[string]any `json:"records"`
	Dimensions []string         `json:"dimensions"`
	Metrics    []string         `json:"metrics"`
}

// External references a dataset served by the external query service.
type External struct {
	Dataset    string         `json:"dataset"`
	Dimensions []string       `json:"dimensions,omitempty"`
	Metrics    []string       `json:"metrics,omitempty"`
	Filters    map[string]any `json:"filters,omitempty"`
	TimeRange  any            `json:"time_range,omitempty"`
}

// Raw carries an unrecognized value untouched.
type Raw struct {
	Value any `json:"value"`
}

func (DataRoot) Kind() Kind   { return KindDataRoot }
func (InlineRows) Kind() Kind { return KindInlineRows }
func (RowsLong) Kind() Kind   { return KindRowsLong }
func (External) Kind() Kind   { return KindExternal }
func (Raw) Kind() Kind        { return KindRaw }

func (DataRoot) sealed()   {}
func (InlineRows) sealed() {}
func (RowsLong) sealed()   {}
func (External) sealed()   {}
func (Raw) sealed()        {}

func (d DataRoot) MarshalJSON() ([]byte, error) {
	type alias DataRoot
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{KindDataRoot, alias(d)})
}

func (d InlineRows) MarshalJSON() ([]byte, error) {
	type alias InlineRows
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{KindInlineRows, alias(d)})
}

func (d RowsLong) MarshalJSON() ([]byte, error) {
	type alias RowsLong
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{KindRowsLong, alias(d)})
}

func (d External) MarshalJSON() ([]byte, error) {
	type alias External
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{KindExternal, alias(d)})
}

func (d Raw) MarshalJSON() ([]byte, error) {
	type alias Raw
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		alias
	}{KindRaw, alias(d)})
}

// Config is the canonical form of a report's slice configuration.
type Config struct {
	Slices map[string]Def
}

func (c Config) MarshalJSON() ([]byte, error) {
	slices := c.Slices
	if slices == nil {
		slices = map[string]Def{}
	}
	return json.Marshal(struct {
		Slices map[string]Def `json:"slices"`
	}{slices})
}

// IDs returns the slice ids in sorted order.
func (c Config) IDs() []string {
	ids := make([]string, 0, len(c.Slices))
	for id := range c.Slices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func single(def Def) Config {
	return Config{Slices: map[string]Def{DefaultID: def}}
}
