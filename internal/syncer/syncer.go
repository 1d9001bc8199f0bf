// Package syncer reconciles the local export with the single remote snapshot.
//
// PerformBackup and PerformRestore never return an error or panic: every
// failure is folded into a model.Outcome at the boundary.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/snapsync/internal/journal"
	"github.com/tinytelemetry/snapsync/internal/model"
	"github.com/tinytelemetry/snapsync/internal/pipeline"
	"github.com/tinytelemetry/snapsync/internal/snapshot"
)

// SettingsStore is the persisted config accessor.
type SettingsStore interface {
	Settings() model.Settings
	Update(ctx context.Context, mutate func(*model.Settings)) error
	SetSnapshotID(ctx context.Context, id string) error
}

// IntentJournal records remote creates until their id is durable.
type IntentJournal interface {
	Append(in journal.Intent) (uint64, error)
	Commit(seq uint64) error
}

// Deps are the collaborators of a Syncer. Journal, Logger and Clock are
// optional.
type Deps struct {
	Prefs      SettingsStore
	Remote     snapshot.Client
	Exporter   pipeline.ExportRunner
	Importer   pipeline.ImportRunner
	Journal    IntentJournal
	Logger     logrus.FieldLogger
	Clock      clock.Clock
	Backend    string
	StagingDir string
}

// Syncer runs backups and restores against one remote snapshot.
type Syncer struct {
	prefs      SettingsStore
	remote     snapshot.Client
	exporter   pipeline.ExportRunner
	importer   pipeline.ImportRunner
	journal    IntentJournal
	log        logrus.FieldLogger
	clock      clock.Clock
	backend    string
	stagingDir string
}

// New wires a Syncer. Prefs, Remote, Exporter and Importer are required.
func New(d Deps) (*Syncer, error) {
	if d.Prefs == nil || d.Remote == nil || d.Exporter == nil || d.Importer == nil {
		return nil, fmt.Errorf("syncer: prefs, remote, exporter and importer are required: %w", model.ErrConfig)
	}
	log := d.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	backend := d.Backend
	if backend == "" {
		backend = snapshot.BackendGist
	}
	return &Syncer{
		prefs:      d.Prefs,
		remote:     d.Remote,
		exporter:   d.Exporter,
		importer:   d.Importer,
		journal:    d.Journal,
		log:        log.WithField("component", "syncer"),
		clock:      clk,
		backend:    backend,
		stagingDir: d.StagingDir,
	}, nil
}

// PerformBackup exports the local data set and creates or updates the remote
// snapshot. Background triggers are a no-op while auto-backup is disabled.
func (s *Syncer) PerformBackup(ctx context.Context, trigger model.Trigger, sink model.ProgressSink) (out model.Outcome) {
	log := s.log.WithFields(logrus.Fields{"category": model.CategoryBackup, "trigger": trigger})
	defer recoverOutcome(log, &out)

	settings := s.prefs.Settings()
	if !settings.HasToken() {
		return model.OutcomeFailed(fmt.Errorf("backup: token is not set: %w", model.ErrConfig))
	}
	if trigger.Background() && !settings.AutoBackupEnabled {
		log.Debug("auto-backup disabled, skipping")
		return model.OutcomeOK()
	}

	payload, stop := s.drain(ctx, "export", sink, s.exporter.ExportJSON)
	if stop != nil {
		return *stop
	}

	if err := ctx.Err(); err != nil {
		return model.OutcomeCancelledBy(err)
	}

	req := snapshot.Request{
		Filename: model.SnapshotFilename,
		Content:  payload,
	}
	if settings.HasSnapshot() {
		sink.Emit("Updating remote snapshot...")
		req.Description = model.UpdateDescription
		if _, err := s.remote.Update(ctx, settings.Token, settings.SnapshotID, req); err != nil {
			return s.remoteOutcome(ctx, log, "update", err)
		}
		log.WithField("snapshot_id", settings.SnapshotID).Info("remote snapshot updated")
		return model.OutcomeOK()
	}

	sink.Emit("Creating remote snapshot...")
	req.Description = model.CreateDescription
	return s.create(ctx, log, settings.Token, req)
}

func (s *Syncer) create(ctx context.Context, log logrus.FieldLogger, token string, req snapshot.Request) model.Outcome {
	var seq uint64
	if s.journal != nil {
		var err error
		seq, err = s.journal.Append(journal.Intent{Op: journal.OpCreate, Backend: s.backend, StartedAt: s.clock.Now().UTC()})
		if err != nil {
			return model.OutcomeRetryAfter(fmt.Errorf("backup: journal create intent: %w: %w", model.ErrLocalIO, err))
		}
	}

	created, err := s.remote.Create(ctx, token, req)
	if err != nil {
		// A rejected create made nothing remotely. A transport failure may
		// have, so its intent stays pending.
		if errors.Is(err, model.ErrRemoteAPI) {
			s.commitIntent(log, seq)
		}
		return s.remoteOutcome(ctx, log, "create", err)
	}
	if created == nil || strings.TrimSpace(created.ID) == "" {
		s.commitIntent(log, seq)
		return model.OutcomeRetryAfter(fmt.Errorf("backup: create returned no id: %w", model.ErrRemoteAPI))
	}

	// The remote object exists now; persist its id even if the job was
	// cancelled meanwhile.
	if err := s.prefs.SetSnapshotID(context.WithoutCancel(ctx), created.ID); err != nil {
		log.WithField("snapshot_id", created.ID).WithError(err).
			Error("remote snapshot created but its id could not be saved")
		return model.OutcomeRetryAfter(fmt.Errorf("backup: persist snapshot id: %w: %w", model.ErrLocalIO, err))
	}
	s.commitIntent(log, seq)

	log.WithField("snapshot_id", created.ID).Info("remote snapshot created")
	return model.OutcomeOK()
}

func (s *Syncer) commitIntent(log logrus.FieldLogger, seq uint64) {
	if s.journal == nil || seq == 0 {
		return
	}
	if err := s.journal.Commit(seq); err != nil {
		log.WithError(err).Warn("commit create intent")
	}
}

// PerformRestore fetches the remote snapshot and imports its payload file.
func (s *Syncer) PerformRestore(ctx context.Context, sink model.ProgressSink) (out model.Outcome) {
	log := s.log.WithField("category", model.CategoryRestore)
	defer recoverOutcome(log, &out)

	settings := s.prefs.Settings()
	if !settings.HasToken() {
		return model.OutcomeFailed(fmt.Errorf("restore: token is not set: %w", model.ErrConfig))
	}
	if !settings.HasSnapshot() {
		return model.OutcomeFailed(fmt.Errorf("restore: snapshot id is not set: %w", model.ErrConfig))
	}
	if err := ctx.Err(); err != nil {
		return model.OutcomeCancelledBy(err)
	}

	sink.Emit("Fetching remote snapshot...")
	snap, err := s.remote.Get(ctx, settings.Token, settings.SnapshotID)
	if err != nil {
		return s.remoteOutcome(ctx, log, "get", err)
	}
	file, ok := snap.FirstFile()
	if !ok {
		return model.OutcomeFailed(fmt.Errorf("restore: snapshot %s: %w", settings.SnapshotID, model.ErrEmptySnapshot))
	}

	staged, err := s.stage(file.Content)
	if err != nil {
		return model.OutcomeFailed(err)
	}
	defer func() {
		if rerr := os.Remove(staged); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			log.WithError(rerr).Warn("remove staging file")
		}
	}()

	_, stop := s.drain(ctx, "import", sink, func(ctx context.Context) <-chan model.ProgressEvent {
		return s.importer.ImportJSON(ctx, staged)
	})
	if stop != nil {
		return *stop
	}
	log.WithField("snapshot_id", settings.SnapshotID).Info("snapshot restored")
	return model.OutcomeOK()
}

// stage writes content to a temp file in the staging dir.
func (s *Syncer) stage(content string) (string, error) {
	f, err := os.CreateTemp(s.stagingDir, "snapsync-restore-*.json")
	if err != nil {
		return "", fmt.Errorf("restore: create staging file: %w: %w", model.ErrLocalIO, err)
	}
	name := f.Name()
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("restore: write staging file: %w: %w", model.ErrLocalIO, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("restore: close staging file: %w: %w", model.ErrLocalIO, err)
	}
	return name, nil
}

// drain consumes a pipeline run to its terminal event, forwarding Loading
// messages to sink. A non-nil outcome means the caller must stop. The run is
// cancelled when drain returns.
func (s *Syncer) drain(ctx context.Context, stage string, sink model.ProgressSink, start func(context.Context) <-chan model.ProgressEvent) (string, *model.Outcome) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := start(runCtx)
	for {
		select {
		case <-ctx.Done():
			out := model.OutcomeCancelledBy(ctx.Err())
			return "", &out
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					out := model.OutcomeCancelledBy(err)
					return "", &out
				}
				out := model.OutcomeFailed(fmt.Errorf("%s: ended without a result: %w", stage, model.ErrPipeline))
				return "", &out
			}
			switch ev.Kind {
			case model.EventLoading:
				sink.Emit(ev.Message)
			case model.EventSuccess:
				return ev.Payload, nil
			case model.EventFailure:
				err := ev.Err
				if err == nil {
					err = errors.New("unknown failure")
				}
				if !errors.Is(err, model.ErrPipeline) {
					err = fmt.Errorf("%s: %w: %w", stage, model.ErrPipeline, err)
				}
				out := model.OutcomeFailed(err)
				return "", &out
			}
		}
	}
}

// remoteOutcome maps a client error to Retry, or to Cancelled when the job
// context ended.
func (s *Syncer) remoteOutcome(ctx context.Context, log logrus.FieldLogger, op string, err error) model.Outcome {
	if ctx.Err() != nil {
		return model.OutcomeCancelledBy(ctx.Err())
	}
	log.WithError(err).Warnf("remote %s failed", op)
	return model.OutcomeRetryAfter(err)
}

func recoverOutcome(log logrus.FieldLogger, out *model.Outcome) {
	if r := recover(); r != nil {
		log.Errorf("orchestrator panicked: %v\n%s", r, debug.Stack())
		*out = model.OutcomeRetryAfter(fmt.Errorf("panic: %v", r))
	}
}
