package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reportkit/api/internal/assembly"
	"reportkit/api/internal/store"
)

// WikiPublisher creates or updates one wiki page per report.
type WikiPublisher struct {
	baseURL string
	token   string
	builder Builder
	client  *http.Client
	now     func() time.Time
}

func NewWikiPublisher(baseURL, token string, builder Builder, timeout time.Duration) *WikiPublisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WikiPublisher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		builder: builder,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type wikiPage struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	HTML        string `json:"html"`
	ReportID    string `json:"report_id"`
	Version     int    `json:"version"`
	ContentHash string `json:"content_hash"`
}

type wikiResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Publish PUTs the page at /pages/<report id>. The returned reference is the
// page URL when the wiki reports one, otherwise "wiki:<page id>".
func (w *WikiPublisher) Publish(ctx context.Context, snapshot store.Snapshot, _ string) (string, error) {
	doc, _, err := w.builder.Build(ctx, snapshot, assembly.Options{RenderedAt: w.now()})
	if err != nil {
		return "", fmt.Errorf("assemble report: %w", err)
	}

	body, err := json.Marshal(wikiPage{
		Slug:        snapshot.Report.ID,
		Title:       snapshot.Report.Title,
		HTML:        doc.HTML,
		ReportID:    snapshot.Report.ID,
		Version:     snapshot.Report.Version,
		ContentHash: doc.ContentHash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal wiki page: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, w.baseURL+"/pages/"+snapshot.Report.ID, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build wiki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("wiki request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read wiki response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("wiki returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out wikiResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return "", fmt.Errorf("decode wiki response: %w", err)
		}
	}
	switch {
	case out.URL != "":
		return out.URL, nil
	case out.ID != "":
		return "wiki:" + out.ID, nil
	}
	return "wiki:" + snapshot.Report.ID, nil
}
