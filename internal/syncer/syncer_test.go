package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tinytelemetry/snapsync/internal/jobguard"
	"github.com/tinytelemetry/snapsync/internal/journal"
	"github.com/tinytelemetry/snapsync/internal/model"
	"github.com/tinytelemetry/snapsync/internal/prefs"
	"github.com/tinytelemetry/snapsync/internal/snapshot"
	"github.com/tinytelemetry/snapsync/internal/snapshot/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memKV struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func (m *memKV) AllPreferences(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *memKV) SetPreferences(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *memKV) failWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// scriptedExporter replays events; when block is set it waits for the run
// context to end before closing.
type scriptedExporter struct {
	mu     sync.Mutex
	events []model.ProgressEvent
	block  chan struct{}
	calls  int
}

func (e *scriptedExporter) ExportJSON(ctx context.Context) <-chan model.ProgressEvent {
	e.mu.Lock()
	e.calls++
	events := append([]model.ProgressEvent(nil), e.events...)
	block := e.block
	e.mu.Unlock()

	ch := make(chan model.ProgressEvent)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if block != nil {
			close(block)
			<-ctx.Done()
		}
	}()
	return ch
}

func (e *scriptedExporter) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// capturingImporter records the staged file content and path.
type capturingImporter struct {
	mu      sync.Mutex
	path    string
	content string
	fail    error
}

func (im *capturingImporter) ImportJSON(ctx context.Context, path string) <-chan model.ProgressEvent {
	ch := make(chan model.ProgressEvent, 3)
	go func() {
		defer close(ch)
		data, err := os.ReadFile(path)
		im.mu.Lock()
		im.path = path
		im.content = string(data)
		fail := im.fail
		im.mu.Unlock()
		ch <- model.Loading("Importing...")
		switch {
		case err != nil:
			ch <- model.Failure(err)
		case fail != nil:
			ch <- model.Failure(fail)
		default:
			ch <- model.Success("")
		}
	}()
	return ch
}

// memRemote is a stateful in-memory snapshot store.
type memRemote struct {
	mu      sync.Mutex
	snaps   map[string]*model.Snapshot
	creates int
	updates int
}

func (r *memRemote) Get(_ context.Context, _ string, id string) (*model.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snaps[id]
	if !ok {
		return nil, &snapshot.APIError{Op: "get", StatusCode: 404}
	}
	return s, nil
}

func (r *memRemote) Create(_ context.Context, _ string, req snapshot.Request) (*model.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	id := "snap-" + string(rune('0'+r.creates))
	s := &model.Snapshot{ID: id, Files: map[string]model.SnapshotFile{req.Filename: {Filename: req.Filename, Content: req.Content}}}
	r.snaps[id] = s
	return s, nil
}

func (r *memRemote) Update(_ context.Context, _ string, id string, req snapshot.Request) (*model.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	s := &model.Snapshot{ID: id, Files: map[string]model.SnapshotFile{req.Filename: {Filename: req.Filename, Content: req.Content}}}
	r.snaps[id] = s
	return s, nil
}

type fixture struct {
	kv       *memKV
	prefs    *prefs.Store
	exporter *scriptedExporter
	importer *capturingImporter
	journal  *journal.Journal
	staging  string
}

func newFixture(t *testing.T, settings model.Settings) *fixture {
	t.Helper()
	kv := &memKV{values: map[string]string{}}
	p := prefs.New(kv)
	require.NoError(t, p.Load(context.Background()))
	require.NoError(t, p.Save(context.Background(), settings))

	j, err := journal.Open(filepath.Join(t.TempDir(), "sync.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	return &fixture{
		kv:    kv,
		prefs: p,
		exporter: &scriptedExporter{events: []model.ProgressEvent{
			model.Loading("Reading links..."),
			model.Success(`{"version":1,"links":[]}`),
		}},
		importer: &capturingImporter{},
		journal:  j,
		staging:  t.TempDir(),
	}
}

func (f *fixture) syncer(t *testing.T, remote snapshot.Client) *Syncer {
	t.Helper()
	log, _ := test.NewNullLogger()
	s, err := New(Deps{
		Prefs:      f.prefs,
		Remote:     remote,
		Exporter:   f.exporter,
		Importer:   f.importer,
		Journal:    f.journal,
		Logger:     log,
		Clock:      testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		StagingDir: f.staging,
	})
	require.NoError(t, err)
	return s
}

func enabled(token, id string) model.Settings {
	return model.Settings{Token: token, SnapshotID: id, AutoBackupEnabled: true, Interval: "daily"}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestPerformBackup_BlankTokenShortCircuits(t *testing.T) {
	f := newFixture(t, enabled("  ", ""))
	remote := new(mocks.MockClient)

	out := f.syncer(t, remote).PerformBackup(context.Background(), model.TriggerUser, nil)

	assert.Equal(t, model.OutcomeFailure, out.Kind)
	assert.True(t, out.Is(model.ErrConfig))
	assert.Zero(t, f.exporter.Calls())
	remote.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	remote.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestPerformBackup_AutoBackupFlag(t *testing.T) {
	settings := enabled("tok", "g1")
	settings.AutoBackupEnabled = false
	f := newFixture(t, settings)
	remote := new(mocks.MockClient)
	remote.On("Update", mock.Anything, "tok", "g1", mock.Anything).Return(&model.Snapshot{ID: "g1"}, nil).Once()
	s := f.syncer(t, remote)

	for _, trig := range []model.Trigger{model.TriggerScheduler, model.TriggerHostJob} {
		out := s.PerformBackup(context.Background(), trig, nil)
		assert.Equal(t, model.OutcomeSuccess, out.Kind)
	}
	assert.Zero(t, f.exporter.Calls(), "background triggers are a no-op while disabled")

	out := s.PerformBackup(context.Background(), model.TriggerUser, nil)
	assert.Equal(t, model.OutcomeSuccess, out.Kind, "user triggers ignore the flag")
	remote.AssertExpectations(t)
}

func TestPerformBackup_IdempotentUpsert(t *testing.T) {
	f := newFixture(t, enabled("tok", "g1"))
	remote := new(mocks.MockClient)
	remote.On("Update", mock.Anything, "tok", "g1", snapshot.Request{
		Description: model.UpdateDescription,
		Filename:    model.SnapshotFilename,
		Content:     `{"version":1,"links":[]}`,
	}).Return(&model.Snapshot{ID: "g1"}, nil)
	s := f.syncer(t, remote)

	var progress []string
	sink := func(msg string) { progress = append(progress, msg) }
	for i := 0; i < 3; i++ {
		out := s.PerformBackup(context.Background(), model.TriggerScheduler, sink)
		require.Equal(t, model.OutcomeSuccess, out.Kind, out.Message())
	}

	remote.AssertNumberOfCalls(t, "Update", 3)
	remote.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	assert.Contains(t, progress, "Reading links...")
}

func TestPerformBackup_CreateThenPersist(t *testing.T) {
	f := newFixture(t, enabled("tok", ""))
	remote := new(mocks.MockClient)
	remote.On("Create", mock.Anything, "tok", mock.MatchedBy(func(r snapshot.Request) bool {
		return r.Description == model.CreateDescription && r.Filename == model.SnapshotFilename
	})).Return(&model.Snapshot{ID: "new-id"}, nil).Once()
	remote.On("Update", mock.Anything, "tok", "new-id", mock.Anything).Return(&model.Snapshot{ID: "new-id"}, nil).Once()
	s := f.syncer(t, remote)

	out := s.PerformBackup(context.Background(), model.TriggerUser, nil)
	require.Equal(t, model.OutcomeSuccess, out.Kind, out.Message())
	assert.Equal(t, "new-id", f.prefs.Settings().SnapshotID)
	assert.Equal(t, "new-id", f.kv.values[model.PrefSnapshotID], "id is durable before return")
	assert.Empty(t, f.journal.Pending())

	out = s.PerformBackup(context.Background(), model.TriggerUser, nil)
	require.Equal(t, model.OutcomeSuccess, out.Kind)
	remote.AssertExpectations(t)
}

func TestPerformBackup_PersistFailureLeavesIntentPending(t *testing.T) {
	f := newFixture(t, enabled("tok", ""))
	remote := new(mocks.MockClient)
	remote.On("Create", mock.Anything, "tok", mock.Anything).Return(&model.Snapshot{ID: "orphan"}, nil)
	s := f.syncer(t, remote)
	f.kv.failWrites(errors.New("disk full"))

	out := s.PerformBackup(context.Background(), model.TriggerUser, nil)

	assert.Equal(t, model.OutcomeRetry, out.Kind)
	assert.True(t, out.Is(model.ErrLocalIO))
	assert.Empty(t, f.prefs.Settings().SnapshotID)
	pending := f.journal.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, journal.OpCreate, pending[0].Op)
	assert.Equal(t, snapshot.BackendGist, pending[0].Backend)
}

func TestPerformBackup_PipelineFailureMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t, enabled("tok", "g1"))
	f.exporter.events = []model.ProgressEvent{
		model.Loading("Reading links..."),
		model.Failure(errors.New("database locked")),
	}
	remote := new(mocks.MockClient)

	out := f.syncer(t, remote).PerformBackup(context.Background(), model.TriggerUser, nil)

	assert.Equal(t, model.OutcomeFailure, out.Kind)
	assert.True(t, out.Is(model.ErrPipeline))
	assert.Empty(t, remote.Calls)
}

func TestPerformBackup_RemoteErrorsRetry(t *testing.T) {
	f := newFixture(t, enabled("tok", "g1"))
	remote := new(mocks.MockClient)
	remote.On("Update", mock.Anything, "tok", "g1", mock.Anything).
		Return(nil, &snapshot.APIError{Op: "update", StatusCode: 502})

	out := f.syncer(t, remote).PerformBackup(context.Background(), model.TriggerUser, nil)

	assert.Equal(t, model.OutcomeRetry, out.Kind)
	assert.True(t, out.Is(model.ErrRemoteAPI))
}

func TestPerformBackup_RejectedCreateCommitsIntent(t *testing.T) {
	f := newFixture(t, enabled("tok", ""))
	remote := new(mocks.MockClient)
	remote.On("Create", mock.Anything, "tok", mock.Anything).
		Return(nil, &snapshot.APIError{Op: "create", StatusCode: 422})

	out := f.syncer(t, remote).PerformBackup(context.Background(), model.TriggerUser, nil)

	assert.Equal(t, model.OutcomeRetry, out.Kind)
	assert.Empty(t, f.journal.Pending())
}

func TestPerformBackup_PanicBecomesRetry(t *testing.T) {
	f := newFixture(t, enabled("tok", "g1"))
	remote := new(mocks.MockClient)
	remote.On("Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("transport exploded") })

	out := f.syncer(t, remote).PerformBackup(context.Background(), model.TriggerUser, nil)

	assert.Equal(t, model.OutcomeRetry, out.Kind)
}

func TestPerformBackup_CancelledDuringExport(t *testing.T) {
	f := newFixture(t, enabled("tok", "g1"))
	f.exporter.events = []model.ProgressEvent{model.Loading("Reading links...")}
	f.exporter.block = make(chan struct{})
	remote := new(mocks.MockClient)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.exporter.block
		cancel()
	}()
	out := f.syncer(t, remote).PerformBackup(ctx, model.TriggerUser, nil)

	assert.Equal(t, model.OutcomeCancelled, out.Kind)
	assert.Empty(t, remote.Calls)
}

func TestPerformBackup_SingleFlightSupersession(t *testing.T) {
	f := newFixture(t, enabled("tok", "g1"))
	f.exporter.events = []model.ProgressEvent{model.Loading("Reading links...")}
	f.exporter.block = make(chan struct{})
	remote := &memRemote{snaps: map[string]*model.Snapshot{}}
	s := f.syncer(t, remote)
	log, _ := test.NewNullLogger()
	guard := jobguard.New(log)

	var mu sync.Mutex
	var callbacks []model.Outcome
	record := func(out model.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		callbacks = append(callbacks, out)
	}

	firstDone := make(chan model.Outcome)
	block := f.exporter.block
	go func() {
		firstDone <- guard.Run(context.Background(), model.CategoryBackup, func(ctx context.Context) model.Outcome {
			return s.PerformBackup(ctx, model.TriggerScheduler, nil)
		}, record)
	}()
	<-block

	f.exporter.mu.Lock()
	f.exporter.events = []model.ProgressEvent{model.Success(`{"version":1}`)}
	f.exporter.block = nil
	f.exporter.mu.Unlock()

	second := guard.Run(context.Background(), model.CategoryBackup, func(ctx context.Context) model.Outcome {
		return s.PerformBackup(ctx, model.TriggerUser, nil)
	}, record)
	first := <-firstDone

	assert.Equal(t, model.OutcomeCancelled, first.Kind)
	assert.Equal(t, model.OutcomeSuccess, second.Kind)
	assert.Equal(t, 1, remote.updates+remote.creates, "at most one network write")
	mu.Lock()
	assert.Len(t, callbacks, 2, "each job reports exactly once")
	mu.Unlock()
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t, enabled("tok", ""))
	payload := `{"version":1,"exported_at":"2026-01-01T00:00:00Z","links":[{"id":1,"title":"Go","url":"https://go.dev","created_at":"2026-01-01T00:00:00Z"}]}`
	f.exporter.events = []model.ProgressEvent{model.Success(payload)}
	remote := &memRemote{snaps: map[string]*model.Snapshot{}}
	s := f.syncer(t, remote)

	require.Equal(t, model.OutcomeSuccess, s.PerformBackup(context.Background(), model.TriggerUser, nil).Kind)
	out := s.PerformRestore(context.Background(), nil)
	require.Equal(t, model.OutcomeSuccess, out.Kind, out.Message())

	assert.Equal(t, payload, f.importer.content)
	_, err := os.Stat(f.importer.path)
	assert.ErrorIs(t, err, os.ErrNotExist, "staging file removed")
}

func TestPerformRestore_Preconditions(t *testing.T) {
	for name, settings := range map[string]model.Settings{
		"blank token": enabled("", "g1"),
		"blank id":    enabled("tok", ""),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, settings)
			remote := new(mocks.MockClient)
			out := f.syncer(t, remote).PerformRestore(context.Background(), nil)
			assert.Equal(t, model.OutcomeFailure, out.Kind)
			assert.True(t, out.Is(model.ErrConfig))
			assert.Empty(t, remote.Calls)
		})
	}
}

func TestPerformRestore_Failures(t *testing.T) {
	t.Run("get error retries", func(t *testing.T) {
		f := newFixture(t, enabled("tok", "g1"))
		remote := new(mocks.MockClient)
		remote.On("Get", mock.Anything, "tok", "g1").Return(nil, errors.Join(model.ErrNetwork, errors.New("reset")))
		out := f.syncer(t, remote).PerformRestore(context.Background(), nil)
		assert.Equal(t, model.OutcomeRetry, out.Kind)
	})

	t.Run("empty snapshot", func(t *testing.T) {
		f := newFixture(t, enabled("tok", "g1"))
		remote := new(mocks.MockClient)
		remote.On("Get", mock.Anything, "tok", "g1").Return(&model.Snapshot{ID: "g1"}, nil)
		out := f.syncer(t, remote).PerformRestore(context.Background(), nil)
		assert.Equal(t, model.OutcomeFailure, out.Kind)
		assert.True(t, out.Is(model.ErrEmptySnapshot))
	})

	t.Run("staging failure", func(t *testing.T) {
		f := newFixture(t, enabled("tok", "g1"))
		f.staging = filepath.Join(f.staging, "missing", "dir")
		remote := new(mocks.MockClient)
		remote.On("Get", mock.Anything, "tok", "g1").Return(&model.Snapshot{ID: "g1", Files: map[string]model.SnapshotFile{
			"a.json": {Content: "{}"},
		}}, nil)
		out := f.syncer(t, remote).PerformRestore(context.Background(), nil)
		assert.Equal(t, model.OutcomeFailure, out.Kind)
		assert.True(t, out.Is(model.ErrLocalIO))
	})

	t.Run("import failure releases staging file", func(t *testing.T) {
		f := newFixture(t, enabled("tok", "g1"))
		f.importer.fail = errors.New("bad document")
		remote := new(mocks.MockClient)
		remote.On("Get", mock.Anything, "tok", "g1").Return(&model.Snapshot{ID: "g1", Files: map[string]model.SnapshotFile{
			"b.json": {Content: "second"},
			"a.json": {Content: "first"},
		}}, nil)
		out := f.syncer(t, remote).PerformRestore(context.Background(), nil)
		assert.Equal(t, model.OutcomeFailure, out.Kind)
		assert.True(t, out.Is(model.ErrPipeline))
		assert.Equal(t, "first", f.importer.content, "first file by name is the payload")

		entries, err := os.ReadDir(f.staging)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestSaveSettingsAndSnapshotID(t *testing.T) {
	f := newFixture(t, enabled("old", "g1"))
	s := f.syncer(t, new(mocks.MockClient))
	ctx := context.Background()

	token, interval, off := "tok", "fortnightly", false
	assert.ErrorIs(t, s.SaveSettings(ctx, model.SettingsUpdate{Token: &token, Interval: &interval}), model.ErrConfig)

	token, interval = " new ", "hourly"
	require.NoError(t, s.SaveSettings(ctx, model.SettingsUpdate{Token: &token, Interval: &interval, AutoBackupEnabled: &off}))
	got := s.Settings()
	assert.Equal(t, "new", got.Token)
	assert.Equal(t, "hourly", got.Interval)
	assert.False(t, got.AutoBackupEnabled)
	assert.Equal(t, "g1", got.SnapshotID)

	require.NoError(t, s.SetSnapshotID(ctx, " g2 "))
	assert.Equal(t, "g2", s.Settings().SnapshotID)

	f.kv.failWrites(errors.New("read-only"))
	assert.ErrorIs(t, s.SetSnapshotID(ctx, "g3"), model.ErrLocalIO)
	assert.Equal(t, "g2", s.Settings().SnapshotID)
}

// racingPrefs persists a snapshot id the first time settings are touched,
// the way a backup finishing its create would.
type racingPrefs struct {
	*prefs.Store
	once sync.Once
	t    *testing.T
}

func (r *racingPrefs) persistCreate() {
	r.once.Do(func() {
		require.NoError(r.t, r.Store.SetSnapshotID(context.Background(), "snap-created"))
	})
}

func (r *racingPrefs) Settings() model.Settings {
	r.persistCreate()
	return r.Store.Settings()
}

func (r *racingPrefs) Update(ctx context.Context, mutate func(*model.Settings)) error {
	r.persistCreate()
	return r.Store.Update(ctx, mutate)
}

func TestSaveSettings_KeepsSnapshotIDPersistedMeanwhile(t *testing.T) {
	f := newFixture(t, model.Settings{Token: "tok", Interval: "daily"})
	log, _ := test.NewNullLogger()
	p := &racingPrefs{Store: f.prefs, t: t}
	s, err := New(Deps{
		Prefs:    p,
		Remote:   new(mocks.MockClient),
		Exporter: f.exporter,
		Importer: f.importer,
		Logger:   log,
	})
	require.NoError(t, err)

	on := true
	require.NoError(t, s.SaveSettings(context.Background(), model.SettingsUpdate{AutoBackupEnabled: &on}))

	got := f.prefs.Settings()
	assert.True(t, got.AutoBackupEnabled)
	assert.Equal(t, "snap-created", got.SnapshotID)
	assert.Equal(t, "snap-created", f.kv.values[model.PrefSnapshotID])
}
