package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// Importer loads a staged export document into the link store.
type Importer struct {
	store model.LinkWriter
}

var _ ImportRunner = (*Importer)(nil)

// NewImporter returns an importer writing to store.
func NewImporter(store model.LinkWriter) *Importer {
	return &Importer{store: store}
}

// ImportJSON reads the document at path and upserts its links by URL. Links
// without a URL are skipped.
func (im *Importer) ImportJSON(ctx context.Context, path string) <-chan model.ProgressEvent {
	return run(ctx, func(e emitter) {
		if !e.send(model.Loading("Reading backup file...")) {
			return
		}
		data, err := os.ReadFile(path)
		if err != nil {
			e.send(model.Failure(fmt.Errorf("import: read %s: %w: %w", path, model.ErrPipeline, err)))
			return
		}

		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			e.send(model.Failure(fmt.Errorf("import: decode: %w: %w", model.ErrPipeline, err)))
			return
		}
		if doc.Version > DocumentVersion {
			e.send(model.Failure(fmt.Errorf("import: unsupported document version %d: %w", doc.Version, model.ErrPipeline)))
			return
		}

		links := make([]model.Link, 0, len(doc.Links))
		for _, l := range doc.Links {
			if strings.TrimSpace(l.URL) == "" {
				continue
			}
			links = append(links, l)
		}
		if !e.send(model.Loading(fmt.Sprintf("Importing %d links...", len(links)))) {
			return
		}
		n, err := im.store.UpsertLinks(ctx, links)
		if err != nil {
			e.send(model.Failure(fmt.Errorf("import: upsert links: %w: %w", model.ErrPipeline, err)))
			return
		}
		e.send(model.Success(fmt.Sprintf("%d links imported", n)))
	})
}
