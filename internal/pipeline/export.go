package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juju/clock"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// Exporter serialises the link collection.
type Exporter struct {
	store model.LinkReader
	clock clock.Clock
}

var _ ExportRunner = (*Exporter)(nil)

// NewExporter returns an exporter over store. A nil clk means the wall clock.
func NewExporter(store model.LinkReader, clk clock.Clock) *Exporter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Exporter{store: store, clock: clk}
}

// ExportJSON reads every link and emits the JSON document as the Success payload.
func (x *Exporter) ExportJSON(ctx context.Context) <-chan model.ProgressEvent {
	return run(ctx, func(e emitter) {
		if !e.send(model.Loading("Reading links...")) {
			return
		}
		links, err := x.store.ListLinks(ctx)
		if err != nil {
			e.send(model.Failure(fmt.Errorf("export: list links: %w: %w", model.ErrPipeline, err)))
			return
		}
		if links == nil {
			links = []model.Link{}
		}

		if !e.send(model.Loading(fmt.Sprintf("Serialising %d links...", len(links)))) {
			return
		}
		data, err := json.Marshal(Document{
			Version:    DocumentVersion,
			ExportedAt: x.clock.Now().UTC(),
			Links:      links,
		})
		if err != nil {
			e.send(model.Failure(fmt.Errorf("export: encode: %w: %w", model.ErrPipeline, err)))
			return
		}
		e.send(model.Success(string(data)))
	})
}
