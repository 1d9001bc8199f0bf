package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/snapsync/internal/jobguard"
	"github.com/tinytelemetry/snapsync/internal/model"
	"github.com/tinytelemetry/snapsync/internal/scheduler"
)

type fakeSyncer struct {
	mu        sync.Mutex
	settings  model.Settings
	backup    func(ctx context.Context, sink model.ProgressSink) model.Outcome
	restore   func(ctx context.Context, sink model.ProgressSink) model.Outcome
	saveErr   error
	triggers  []model.Trigger
	pausedSaw bool
	guard     *jobguard.Guard
	files     []string
}

func (f *fakeSyncer) PerformBackup(ctx context.Context, trigger model.Trigger, sink model.ProgressSink) model.Outcome {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	f.mu.Unlock()
	if f.backup != nil {
		return f.backup(ctx, sink)
	}
	sink.Emit("Uploading...")
	return model.OutcomeOK()
}

func (f *fakeSyncer) PerformRestore(ctx context.Context, sink model.ProgressSink) model.Outcome {
	f.pausedSaw = f.guard.Paused()
	if f.restore != nil {
		return f.restore(ctx, sink)
	}
	return model.OutcomeOK()
}

func (f *fakeSyncer) ExportToFile(_ context.Context, path string, sink model.ProgressSink) model.Outcome {
	f.mu.Lock()
	f.files = append(f.files, "export:"+path)
	f.mu.Unlock()
	sink.Emit("Writing export file...")
	return model.OutcomeOK()
}

func (f *fakeSyncer) ImportFromFile(_ context.Context, path string, _ model.ProgressSink) model.Outcome {
	f.mu.Lock()
	f.files = append(f.files, "import:"+path)
	f.mu.Unlock()
	f.pausedSaw = f.guard.Paused()
	if path == "" {
		return model.OutcomeFailed(model.ErrConfig)
	}
	return model.OutcomeOK()
}

func (f *fakeSyncer) SaveSettings(_ context.Context, u model.SettingsUpdate) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u.Apply(&f.settings)
	return nil
}

func (f *fakeSyncer) SetSnapshotID(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings.SnapshotID = id
	return nil
}

func (f *fakeSyncer) Settings() model.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

type memLinks struct {
	mu      sync.Mutex
	links   []model.Link
	deleted bool
}

func (m *memLinks) ListLinks(context.Context) ([]model.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Link(nil), m.links...), nil
}

func (m *memLinks) CountLinks(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.links)), nil
}

func (m *memLinks) AddLink(_ context.Context, l model.Link) (model.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = int64(len(m.links) + 1)
	m.links = append(m.links, l)
	return l, nil
}

func (m *memLinks) UpsertLinks(_ context.Context, links []model.Link) (int, error) {
	return len(links), nil
}

func (m *memLinks) DeleteAllLinks(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.links))
	m.links = nil
	m.deleted = true
	return n, nil
}

func newController(t *testing.T, s *fakeSyncer, links *memLinks, safety SafetyCopier) (*Controller, *jobguard.Guard) {
	t.Helper()
	log, _ := test.NewNullLogger()
	g := jobguard.New(log)
	s.guard = g
	c, err := New(Deps{
		Syncer: s,
		Guard:  g,
		Links:  links,
		Safety: safety,
		Logger: log,
		Clock:  testclock.NewClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	return c, g
}

func TestBackup_RecordsProgressAndLastOutcome(t *testing.T) {
	s := &fakeSyncer{settings: model.Settings{Token: "secret", AutoBackupEnabled: false}}
	c, _ := newController(t, s, &memLinks{}, nil)

	var streamed []string
	res := c.Backup(context.Background(), func(msg string) { streamed = append(streamed, msg) })

	assert.True(t, res.OK())
	assert.Equal(t, []string{"Uploading..."}, res.Progress)
	assert.Equal(t, res.Progress, streamed)
	assert.Equal(t, []model.Trigger{model.TriggerUser}, s.triggers)

	st := c.Status(context.Background())
	assert.Equal(t, "success", st.Last[model.CategoryBackup].Outcome)
	assert.Equal(t, "********", st.Settings.Token)
}

func TestRestore_RunsPaused(t *testing.T) {
	s := &fakeSyncer{}
	c, g := newController(t, s, &memLinks{}, nil)

	res := c.Restore(context.Background(), nil)
	assert.True(t, res.OK())
	assert.True(t, s.pausedSaw)
	assert.False(t, g.Paused())
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	s := &fakeSyncer{backup: func(ctx context.Context, _ model.ProgressSink) model.Outcome {
		close(started)
		<-ctx.Done()
		return model.OutcomeCancelledBy(ctx.Err())
	}}
	c, _ := newController(t, s, &memLinks{}, nil)

	_, err := c.Cancel("nonsense")
	assert.ErrorIs(t, err, ErrInvalidCategory)

	done := make(chan JobResult)
	go func() { done <- c.Backup(context.Background(), nil) }()
	<-started

	ok, err := c.Cancel("backup")
	require.NoError(t, err)
	assert.True(t, ok)
	res := <-done
	assert.Equal(t, "cancelled", res.Outcome)
}

func TestSaveSettings_PartialUpdate(t *testing.T) {
	s := &fakeSyncer{settings: model.Settings{Token: "tok", Interval: "daily", AutoBackupEnabled: true}}
	c, _ := newController(t, s, &memLinks{}, nil)

	interval := "hourly"
	got, err := c.SaveSettings(context.Background(), SettingsUpdate{Interval: &interval})
	require.NoError(t, err)
	assert.Equal(t, "hourly", got.Interval)
	assert.True(t, got.AutoBackupEnabled)
	assert.Equal(t, "tok", s.settings.Token)

	s.saveErr = model.ErrConfig
	_, err = c.SaveSettings(context.Background(), SettingsUpdate{})
	assert.ErrorIs(t, err, model.ErrConfig)

	got, err = c.SetSnapshotID(context.Background(), "g9")
	require.NoError(t, err)
	assert.Equal(t, "g9", got.SnapshotID)
}

func TestWipeLinks(t *testing.T) {
	links := &memLinks{links: []model.Link{{URL: "a"}, {URL: "b"}}}
	var pausedDuringCopy bool
	var g *jobguard.Guard
	safety := SafetyCopyFunc(func(context.Context) (string, error) {
		pausedDuringCopy = g.Paused()
		return "/tmp/copy.duckdb", nil
	})
	c, guard := newController(t, &fakeSyncer{}, links, safety)
	g = guard

	res, err := c.WipeLinks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Deleted)
	assert.Equal(t, "/tmp/copy.duckdb", res.SafetyCopy)
	assert.True(t, pausedDuringCopy)
	assert.False(t, g.Paused())
}

func TestWipeLinks_SafetyCopyFailureKeepsData(t *testing.T) {
	links := &memLinks{links: []model.Link{{URL: "a"}}}
	c, g := newController(t, &fakeSyncer{}, links, SafetyCopyFunc(func(context.Context) (string, error) {
		return "", errors.New("disk full")
	}))

	_, err := c.WipeLinks(context.Background())
	assert.Error(t, err)
	assert.False(t, links.deleted)
	assert.False(t, g.Paused())
}

func TestAddLink_RequiresURL(t *testing.T) {
	c, _ := newController(t, &fakeSyncer{}, &memLinks{}, nil)
	_, err := c.AddLink(context.Background(), model.Link{Title: "x"})
	assert.Error(t, err)

	l, err := c.AddLink(context.Background(), model.Link{URL: "https://go.dev"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.ID)
}

// runScheduled fires one loop tick and one host job against the controller's
// guard and reports the dispositions seen.
func runScheduled(t *testing.T, ctx context.Context, s *fakeSyncer, g *jobguard.Guard) (model.Outcome, scheduler.Disposition) {
	t.Helper()
	log, _ := test.NewNullLogger()
	loop, err := scheduler.NewLoop(scheduler.LoopConfig{Backup: s, Settings: s, Guard: g, Logger: log})
	require.NoError(t, err)
	job := &scheduler.BackupJob{Backup: s, Settings: s, Guard: g}
	return loop.RunOnce(ctx), job.Run(ctx)
}

func TestScheduledBackupsStayAwayFromDestructiveOps(t *testing.T) {
	enabled := model.Settings{Token: "tok", AutoBackupEnabled: true}

	t.Run("wipe", func(t *testing.T) {
		s := &fakeSyncer{settings: enabled}
		links := &memLinks{links: []model.Link{{URL: "a"}}}
		var g *jobguard.Guard
		var loopOut model.Outcome
		var jobOut scheduler.Disposition
		safety := SafetyCopyFunc(func(ctx context.Context) (string, error) {
			loopOut, jobOut = runScheduled(t, ctx, s, g)
			return "/tmp/copy.duckdb", nil
		})
		c, guard := newController(t, s, links, safety)
		g = guard

		_, err := c.WipeLinks(context.Background())
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeSuccess, loopOut.Kind, "loop skips the tick")
		assert.Equal(t, scheduler.DispositionRetry, jobOut, "host job asks to run later")
		assert.Empty(t, s.triggers)

		runScheduled(t, context.Background(), s, g)
		assert.Equal(t, []model.Trigger{model.TriggerScheduler, model.TriggerHostJob}, s.triggers)
	})

	t.Run("restore", func(t *testing.T) {
		s := &fakeSyncer{settings: enabled}
		var loopOut model.Outcome
		var jobOut scheduler.Disposition
		s.restore = func(ctx context.Context, _ model.ProgressSink) model.Outcome {
			loopOut, jobOut = runScheduled(t, ctx, s, s.guard)
			return model.OutcomeOK()
		}
		c, _ := newController(t, s, &memLinks{}, nil)

		res := c.Restore(context.Background(), nil)
		assert.True(t, res.OK())
		assert.Equal(t, model.OutcomeSuccess, loopOut.Kind)
		assert.Equal(t, scheduler.DispositionRetry, jobOut)
		assert.Empty(t, s.triggers)
	})
}

func TestExportAndImportFile(t *testing.T) {
	s := &fakeSyncer{}
	c, g := newController(t, s, &memLinks{}, nil)

	res := c.ExportFile(context.Background(), "/tmp/links.json", nil)
	assert.True(t, res.OK())
	assert.Equal(t, model.CategoryBackup, res.Category)
	assert.Equal(t, []string{"Writing export file..."}, res.Progress)

	res = c.ImportFile(context.Background(), "/tmp/links.json", nil)
	assert.True(t, res.OK())
	assert.Equal(t, model.CategoryRestore, res.Category)
	assert.True(t, s.pausedSaw, "import runs with background syncs paused")
	assert.False(t, g.Paused())

	res = c.ImportFile(context.Background(), "", nil)
	assert.Equal(t, "failure", res.Outcome)
	assert.Equal(t, []string{"export:/tmp/links.json", "import:/tmp/links.json", "import:"}, s.files)

	st := c.Status(context.Background())
	assert.Equal(t, "failure", st.Last[model.CategoryRestore].Outcome)
}
