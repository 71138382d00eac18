// Package datasource queries the external dataset service that backs
// delegated report slices.
package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"reportkit/api/internal/slices"
)

const maxResponseBytes = 32 << 20

// ErrNotConfigured is returned when no service URL is set.
var ErrNotConfigured = errors.New("data source not configured")

// Client POSTs slice queries as JSON to the dataset service.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	logger     logrus.FieldLogger
}

func New(url, token string, timeout time.Duration, logger logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		url:   strings.TrimRight(url, "/"),
		token: token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: 10},
		},
		logger: logger.WithField("component", "datasource"),
	}
}

// response accepts rows either as objects keyed by column or as positional
// arrays matching columns.
type response struct {
	Columns  []string          `json:"columns"`
	Rows     []json.RawMessage `json:"rows"`
	Metadata struct {
		Dataset string         `json:"dataset"`
		Extra   map[string]any `json:"extra"`
	} `json:"metadata"`
}

func (c *Client) Query(ctx context.Context, q slices.Query) (slices.Table, slices.Metadata, error) {
	if c.url == "" {
		return slices.Table{}, slices.Metadata{}, ErrNotConfigured
	}

	body, err := json.Marshal(q)
	if err != nil {
		return slices.Table{}, slices.Metadata{}, fmt.Errorf("marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return slices.Table{}, slices.Metadata{}, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return slices.Table{}, slices.Metadata{}, fmt.Errorf("query %s: %w", q.Dataset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return slices.Table{}, slices.Metadata{}, fmt.Errorf("query %s: status %d: %s", q.Dataset, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	dec.UseNumber()
	var out response
	if err := dec.Decode(&out); err != nil {
		return slices.Table{}, slices.Metadata{}, fmt.Errorf("decode query response: %w", err)
	}

	table, skipped, err := decodeRows(out.Columns, out.Rows)
	if err != nil {
		return slices.Table{}, slices.Metadata{}, err
	}
	c.logger.WithFields(logrus.Fields{
		"dataset":  q.Dataset,
		"rows":     len(table.Rows),
		"skipped":  skipped,
		"duration": time.Since(started).String(),
	}).Debug("external slice fetched")

	meta := slices.Metadata{
		Source:   slices.SourceExternal,
		Dataset:  out.Metadata.Dataset,
		RowCount: len(table.Rows),
		Extra:    out.Metadata.Extra,
	}
	if skipped > 0 {
		if meta.Extra == nil {
			meta.Extra = map[string]any{}
		}
		meta.Extra["skipped_rows"] = skipped
	}
	return table, meta, nil
}

func decodeRows(columns []string, raw []json.RawMessage) (slices.Table, int, error) {
	table := slices.Table{Columns: columns, Rows: make([]map[string]any, 0, len(raw))}
	if table.Columns == nil {
		table.Columns = []string{}
	}
	skipped := 0
	for _, item := range raw {
		row, ok := decodeRow(columns, item)
		if !ok {
			skipped++
			continue
		}
		table.Rows = append(table.Rows, row)
	}
	if len(raw) > 0 && skipped == len(raw) {
		return slices.Table{}, skipped, fmt.Errorf("decode query response: no usable rows")
	}
	return table, skipped, nil
}

func decodeRow(columns []string, item json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(item))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, false
	}
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case []any:
		if len(typed) != len(columns) {
			return nil, false
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = typed[i]
		}
		return row, true
	}
	return nil, false
}
