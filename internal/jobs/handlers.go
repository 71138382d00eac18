package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"reportkit/api/internal/store"
	"reportkit/api/internal/util"
)

// PublicationFileType marks assets that reference a published copy instead
// of a stored file.
const PublicationFileType = "publication"

// Renderer turns a report snapshot into a file of the given format.
type Renderer interface {
	Render(ctx context.Context, snapshot store.Snapshot, format string) ([]byte, string, error)
}

// ObjectStore keeps rendered files.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Publisher delivers a report snapshot to a named target and returns a
// reference to the published copy.
type Publisher interface {
	Publish(ctx context.Context, snapshot store.Snapshot, target string) (string, error)
}

type ExportHandler struct {
	Renderer Renderer
	Objects  ObjectStore
}

func (h ExportHandler) Run(ctx context.Context, job store.Job, snapshot store.Snapshot) (store.Asset, error) {
	var params ExportParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return store.Asset{}, fmt.Errorf("decode export params: %w", err)
	}
	data, contentType, err := h.Renderer.Render(ctx, snapshot, params.Format)
	if err != nil {
		return store.Asset{}, fmt.Errorf("render %s: %w", params.Format, err)
	}

	assetID := util.NewID("ast")
	key := fmt.Sprintf("reports/%s/v%d/%s.%s", job.ReportID, job.ReportVersion, assetID, params.Format)
	if err := h.Objects.Put(ctx, key, data, contentType); err != nil {
		return store.Asset{}, fmt.Errorf("store %s: %w", key, err)
	}
	return store.Asset{
		ID:        assetID,
		FileType:  params.Format,
		Locator:   key,
		SizeBytes: int64(len(data)),
	}, nil
}

type PublishHandler struct {
	Publisher Publisher
}

func (h PublishHandler) Run(ctx context.Context, job store.Job, snapshot store.Snapshot) (store.Asset, error) {
	var params PublishParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return store.Asset{}, fmt.Errorf("decode publish params: %w", err)
	}
	ref, err := h.Publisher.Publish(ctx, snapshot, params.Target)
	if err != nil {
		return store.Asset{}, fmt.Errorf("publish to %s: %w", params.Target, err)
	}
	return store.Asset{FileType: PublicationFileType, Locator: ref}, nil
}
