// Package pipeline produces and consumes the export document as a stream of
// progress events.
//
// Every run returns a channel that carries zero or more Loading events and
// then exactly one Success or Failure, after which it is closed. Cancelling
// the context stops the producer and closes the channel without a terminal
// event.
package pipeline

import (
	"context"
	"time"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// DocumentVersion is the export document format written by Exporter.
const DocumentVersion = 1

// Document is the export format carried as the snapshot payload.
type Document struct {
	Version    int          `json:"version"`
	ExportedAt time.Time    `json:"exported_at"`
	Links      []model.Link `json:"links"`
}

// ExportRunner produces an export payload.
type ExportRunner interface {
	ExportJSON(ctx context.Context) <-chan model.ProgressEvent
}

// ImportRunner consumes a staged export payload.
type ImportRunner interface {
	ImportJSON(ctx context.Context, path string) <-chan model.ProgressEvent
}

type emitter struct {
	ctx context.Context
	ch  chan<- model.ProgressEvent
}

// send delivers ev unless the consumer went away.
func (e emitter) send(ev model.ProgressEvent) bool {
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// run starts fn on its own goroutine and returns the channel it feeds.
func run(ctx context.Context, fn func(e emitter)) <-chan model.ProgressEvent {
	ch := make(chan model.ProgressEvent, 1)
	go func() {
		defer close(ch)
		fn(emitter{ctx: ctx, ch: ch})
	}()
	return ch
}
