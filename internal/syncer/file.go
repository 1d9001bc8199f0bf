package syncer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// ExportToFile writes the export document to a local file. No token or
// remote is involved.
func (s *Syncer) ExportToFile(ctx context.Context, path string, sink model.ProgressSink) (out model.Outcome) {
	log := s.log.WithFields(logrus.Fields{"category": model.CategoryBackup, "path": path})
	defer recoverOutcome(log, &out)

	if strings.TrimSpace(path) == "" {
		return model.OutcomeFailed(fmt.Errorf("export: file path is required: %w", model.ErrConfig))
	}

	payload, stop := s.drain(ctx, "export", sink, s.exporter.ExportJSON)
	if stop != nil {
		return *stop
	}
	if err := ctx.Err(); err != nil {
		return model.OutcomeCancelledBy(err)
	}

	sink.Emit("Writing export file...")
	if err := writeFileAtomic(path, []byte(payload)); err != nil {
		return model.OutcomeFailed(fmt.Errorf("export: %w: %w", model.ErrLocalIO, err))
	}
	log.Info("links exported to file")
	return model.OutcomeOK()
}

// ImportFromFile upserts the links of a local export document.
func (s *Syncer) ImportFromFile(ctx context.Context, path string, sink model.ProgressSink) (out model.Outcome) {
	log := s.log.WithFields(logrus.Fields{"category": model.CategoryRestore, "path": path})
	defer recoverOutcome(log, &out)

	if strings.TrimSpace(path) == "" {
		return model.OutcomeFailed(fmt.Errorf("import: file path is required: %w", model.ErrConfig))
	}
	if err := ctx.Err(); err != nil {
		return model.OutcomeCancelledBy(err)
	}

	_, stop := s.drain(ctx, "import", sink, func(ctx context.Context) <-chan model.ProgressEvent {
		return s.importer.ImportJSON(ctx, path)
	})
	if stop != nil {
		return *stop
	}
	log.Info("links imported from file")
	return model.OutcomeOK()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
