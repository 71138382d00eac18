package slices

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Canonicalize normalizes any accepted slice configuration shape into a
// Config. It never fails: values it cannot classify become a Raw slice named
// "default" carrying the original value.
//
// Go maps carry no key order, so inline row columns built here are sorted per
// row. Parse keeps the order the keys appear in the document.
func Canonicalize(v any) Config {
	return canonicalize(v, nil)
}

func canonicalize(v any, order keyOrder) Config {
	switch typed := v.(type) {
	case Config:
		return typed
	case *Config:
		if typed == nil {
			return Config{Slices: map[string]Def{}}
		}
		return *typed
	case json.RawMessage:
		return Parse(typed)
	case []byte:
		return Parse(typed)
	case nil:
		return Config{Slices: map[string]Def{}}
	}

	if obj, ok := asObject(v); ok {
		if entries, present := obj["slices"]; present {
			if named, ok := asObject(entries); ok {
				return fromCanonicalEntries(named, order)
			}
			return single(Raw{Value: v})
		}
		if def, ok := tableDef(obj); ok {
			return single(def)
		}
		if data, present := obj["data"]; present && len(obj) == 1 {
			if inner, ok := asObject(data); ok {
				if def, ok := tableDef(inner); ok {
					return single(def)
				}
			}
		}
		if def, ok := longDef(obj); ok {
			return single(def)
		}
		if cfg, ok := namedDefs(obj, order); ok {
			return cfg
		}
		return single(Raw{Value: v})
	}

	if rows, ok := rowObjects(v); ok && len(rows) > 0 {
		return single(order.inlineRows(rows, at()))
	}
	return single(Raw{Value: v})
}

// Parse decodes stored slice_config bytes and canonicalizes the result.
// Numbers are kept as json.Number. Malformed JSON yields a Raw default slice.
func Parse(data []byte) Config {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Config{Slices: map[string]Def{}}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	order := keyOrder{}
	decoded, _, err := decodeOrdered(dec, at(), order)
	if err != nil {
		return single(Raw{Value: string(trimmed)})
	}
	return canonicalize(decoded, order)
}

// keyOrder maps the path of each JSON array of objects in a parsed document
// to the union of its member names in first-seen order.
type keyOrder map[string][]string

// at builds a keyOrder path from member names and array indexes.
func at(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteByte(0)
		b.WriteString(part)
	}
	return b.String()
}

func (o keyOrder) inlineRows(rows []map[string]any, path string) InlineRows {
	return InlineRows{Columns: rowColumns(rows, o[path]), Rows: rows}
}

// decodeOrdered reads one value from dec into the same shapes json.Unmarshal
// produces, recording object key order for arrays of objects. For an object
// it also returns its member names in document order.
func decodeOrdered(dec *json.Decoder, path string, order keyOrder) (any, []string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil, nil
	}

	switch delim {
	case '{':
		obj := make(map[string]any)
		keys := make([]string, 0)
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, nil, err
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, nil, fmt.Errorf("object key %v is not a string", keyTok)
			}
			value, _, err := decodeOrdered(dec, path+at(key), order)
			if err != nil {
				return nil, nil, err
			}
			if _, dup := obj[key]; !dup {
				keys = append(keys, key)
			}
			obj[key] = value
		}
		if _, err := dec.Token(); err != nil {
			return nil, nil, err
		}
		return obj, keys, nil
	case '[':
		list := make([]any, 0)
		columns := make([]string, 0)
		seen := make(map[string]struct{})
		objects := true
		for dec.More() {
			value, keys, err := decodeOrdered(dec, path+at(strconv.Itoa(len(list))), order)
			if err != nil {
				return nil, nil, err
			}
			if _, ok := value.(map[string]any); !ok {
				objects = false
			}
			for _, key := range keys {
				if _, ok := seen[key]; ok {
					continue
				}
				seen[key] = struct{}{}
				columns = append(columns, key)
			}
			list = append(list, value)
		}
		if _, err := dec.Token(); err != nil {
			return nil, nil, err
		}
		if objects && len(list) > 0 {
			order[path] = columns
		}
		return list, nil, nil
	}
	return nil, nil, fmt.Errorf("unexpected delimiter %v", delim)
}

func fromCanonicalEntries(entries map[string]any, order keyOrder) Config {
	cfg := Config{Slices: make(map[string]Def, len(entries))}
	for id, entry := range entries {
		cfg.Slices[id] = entryDef(entry, at("slices", id), order)
	}
	return cfg
}

func entryDef(entry any, path string, order keyOrder) Def {
	obj, ok := asObject(entry)
	if !ok {
		if rows, ok := rowObjects(entry); ok {
			return order.inlineRows(rows, path)
		}
		return Raw{Value: entry}
	}

	if kind, ok := obj["kind"].(string); ok {
		switch Kind(kind) {
		case KindDataRoot:
			return DataRoot{Columns: stringList(obj["columns"]), Rows: anyList(obj["rows"])}
		case KindInlineRows:
			rows, _ := rowObjects(obj["rows"])
			columns := stringList(obj["columns"])
			if columns == nil {
				columns = order[path+at("rows")]
			}
			return InlineRows{Columns: rowColumns(rows, columns), Rows: rows}
		case KindRowsLong:
			records, _ := rowObjects(obj["records"])
			return RowsLong{
				Records:    records,
				Dimensions: stringList(obj["dimensions"]),
				Metrics:    stringList(obj["metrics"]),
			}
		case KindExternal:
			if def, ok := externalDef(obj); ok {
				return def
			}
		case KindRaw:
			return Raw{Value: obj["value"]}
		}
	}

	if def, ok := tableDef(obj); ok {
		return def
	}
	if def, ok := longDef(obj); ok {
		return def
	}
	if def, ok := externalDef(obj); ok {
		return def
	}
	return Raw{Value: entry}
}

// namedDefs accepts a map whose every value is a table, a list of row
// objects, or a dataset reference.
func namedDefs(obj map[string]any, order keyOrder) (Config, bool) {
	if len(obj) == 0 {
		return Config{}, false
	}
	// A lone dataset reference at the top level is handed to the data source as Raw.
	if _, ok := obj["dataset"]; ok {
		return Config{}, false
	}
	cfg := Config{Slices: make(map[string]Def, len(obj))}
	for id, value := range obj {
		if rows, ok := rowObjects(value); ok {
			cfg.Slices[id] = order.inlineRows(rows, at(id))
			continue
		}
		entry, ok := asObject(value)
		if !ok {
			return Config{}, false
		}
		if def, ok := tableDef(entry); ok {
			cfg.Slices[id] = def
			continue
		}
		if data, present := entry["data"]; present {
			if inner, ok := asObject(data); ok {
				if def, ok := tableDef(inner); ok {
					cfg.Slices[id] = def
					continue
				}
			}
		}
		if def, ok := externalDef(entry); ok {
			cfg.Slices[id] = def
			continue
		}
		return Config{}, false
	}
	return cfg, true
}

func tableDef(obj map[string]any) (Def, bool) {
	columns, hasColumns := obj["columns"]
	rows, hasRows := obj["rows"]
	if !hasColumns || !hasRows {
		return nil, false
	}
	if _, ok := columns.([]any); !ok {
		if _, ok := columns.([]string); !ok {
			return nil, false
		}
	}
	rowList, ok := rows.([]any)
	if !ok {
		return nil, false
	}
	return DataRoot{Columns: stringList(columns), Rows: rowList}, true
}

func longDef(obj map[string]any) (Def, bool) {
	raw, ok := obj["records"]
	if !ok {
		return nil, false
	}
	_, hasDims := obj["dimensions"]
	_, hasMetrics := obj["metrics"]
	if !hasDims && !hasMetrics {
		return nil, false
	}
	records, ok := rowObjects(raw)
	if !ok {
		return nil, false
	}
	return RowsLong{
		Records:    records,
		Dimensions: stringList(obj["dimensions"]),
		Metrics:    stringList(obj["metrics"]),
	}, true
}

func externalDef(obj map[string]any) (Def, bool) {
	dataset, ok := obj["dataset"].(string)
	if !ok || strings.TrimSpace(dataset) == "" {
		return nil, false
	}
	def := External{
		Dataset:    dataset,
		Dimensions: stringList(obj["dimensions"]),
		Metrics:    stringList(obj["metrics"]),
		TimeRange:  obj["time_range"],
	}
	if filters, ok := asObject(obj["filters"]); ok && len(filters) > 0 {
		def.Filters = filters
	}
	return def, true
}

func asObject(v any) (map[string]any, bool) {
	obj, ok := v.(map[string]any)
	return obj, ok
}

// rowObjects reports whether v is a list made only of objects.
func rowObjects(v any) ([]map[string]any, bool) {
	switch typed := v.(type) {
	case []map[string]any:
		return typed, true
	case []any:
		rows := make([]map[string]any, 0, len(typed))
		for _, item := range typed {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			rows = append(rows, row)
		}
		return rows, true
	}
	return nil, false
}

func anyList(v any) []any {
	list, _ := v.([]any)
	return list
}

func stringList(v any) []string {
	switch typed := v.(type) {
	case []string:
		if len(typed) == 0 {
			return nil
		}
		out := make([]string, len(typed))
		copy(out, typed)
		return out
	case []any:
		if len(typed) == 0 {
			return nil
		}
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}
