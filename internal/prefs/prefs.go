// Package prefs is the single accessor for persisted sync settings.
//
// Every write goes to the durable backend first and only then replaces the
// in-memory mirror, under one mutex. Readers therefore see the latest committed
// value and there is never a second, independently updated copy.
package prefs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// Store caches model.Settings on top of a model.PreferenceKV backend.
type Store struct {
	mu      sync.RWMutex
	kv      model.PreferenceKV
	current model.Settings
	loaded  bool
}

// New returns a Store over kv. Call Load before reading.
func New(kv model.PreferenceKV) *Store {
	return &Store{kv: kv}
}

// Load reads all settings from the backend into the mirror.
func (s *Store) Load(ctx context.Context) error {
	values, err := s.kv.AllPreferences(ctx)
	if err != nil {
		return fmt.Errorf("prefs: load: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = fromValues(values)
	s.loaded = true
	return nil
}

// Seed writes defaults for keys that have never been stored. It is used to
// apply config-file values on first start without clobbering later edits.
func (s *Store) Seed(ctx context.Context, defaults model.Settings) error {
	values, err := s.kv.AllPreferences(ctx)
	if err != nil {
		return fmt.Errorf("prefs: seed: %w", err)
	}

	missing := make(map[string]string)
	for k, v := range toValues(defaults) {
		if _, ok := values[k]; !ok {
			missing[k] = v
		}
	}
	if len(missing) == 0 {
		return s.Load(ctx)
	}
	if err := s.kv.SetPreferences(ctx, missing); err != nil {
		return fmt.Errorf("prefs: seed: %w", err)
	}
	return s.Load(ctx)
}

// Settings returns the latest committed settings.
func (s *Store) Settings() model.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Loaded reports whether Load has completed at least once.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Save replaces all settings.
func (s *Store) Save(ctx context.Context, settings model.Settings) error {
	return s.update(ctx, func(cur *model.Settings) { *cur = settings })
}

// Update applies mutate to the current settings and persists the keys it
// changed. The read and the write happen under one lock, so a concurrent
// SetSnapshotID is never overwritten with a stale id.
func (s *Store) Update(ctx context.Context, mutate func(*model.Settings)) error {
	return s.update(ctx, mutate)
}

// SetSnapshotID persists the remote snapshot id. It returns once the id is
// durable.
func (s *Store) SetSnapshotID(ctx context.Context, id string) error {
	return s.update(ctx, func(cur *model.Settings) { cur.SnapshotID = strings.TrimSpace(id) })
}

func (s *Store) SetToken(ctx context.Context, token string) error {
	return s.update(ctx, func(cur *model.Settings) { cur.Token = strings.TrimSpace(token) })
}

func (s *Store) SetAutoBackup(ctx context.Context, enabled bool) error {
	return s.update(ctx, func(cur *model.Settings) { cur.AutoBackupEnabled = enabled })
}

func (s *Store) SetInterval(ctx context.Context, interval string) error {
	return s.update(ctx, func(cur *model.Settings) { cur.Interval = strings.TrimSpace(interval) })
}

func (s *Store) update(ctx context.Context, mutate func(*model.Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	mutate(&next)

	changed := diff(toValues(s.current), toValues(next))
	if !s.loaded {
		changed = toValues(next)
	}
	if len(changed) == 0 {
		return nil
	}
	if err := s.kv.SetPreferences(ctx, changed); err != nil {
		return fmt.Errorf("prefs: write: %w", err)
	}
	s.current = next
	s.loaded = true
	return nil
}

func toValues(st model.Settings) map[string]string {
	return map[string]string{
		model.PrefToken:      st.Token,
		model.PrefSnapshotID: st.SnapshotID,
		model.PrefAutoBackup: strconv.FormatBool(st.AutoBackupEnabled),
		model.PrefInterval:   st.Interval,
	}
}

func fromValues(values map[string]string) model.Settings {
	enabled, _ := strconv.ParseBool(values[model.PrefAutoBackup])
	interval := values[model.PrefInterval]
	if interval == "" {
		interval = model.DefaultInterval
	}
	return model.Settings{
		Token:             values[model.PrefToken],
		SnapshotID:        values[model.PrefSnapshotID],
		AutoBackupEnabled: enabled,
		Interval:          interval,
	}
}

func diff(before, after map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range after {
		if before[k] != v {
			out[k] = v
		}
	}
	return out
}
