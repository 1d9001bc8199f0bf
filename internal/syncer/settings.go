package syncer

import (
	"context"
	"fmt"
	"strings"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// SaveSettings applies u to the token, interval and auto-backup flag. The
// known snapshot id is kept even if a backup persists a new one meanwhile.
func (s *Syncer) SaveSettings(ctx context.Context, u model.SettingsUpdate) error {
	if u.Interval != nil {
		if iv := strings.TrimSpace(*u.Interval); iv != "" {
			if _, ok := model.ParseInterval(iv); !ok {
				return fmt.Errorf("syncer: invalid interval %q: %w", iv, model.ErrConfig)
			}
		}
	}

	if err := s.prefs.Update(ctx, u.Apply); err != nil {
		return fmt.Errorf("syncer: save settings: %w: %w", model.ErrLocalIO, err)
	}
	cur := s.prefs.Settings()
	s.log.WithField("auto_backup", cur.AutoBackupEnabled).WithField("interval", cur.Interval).Info("settings saved")
	return nil
}

// SetSnapshotID points future backups and restores at an existing snapshot.
// A blank id makes the next backup create a new one.
func (s *Syncer) SetSnapshotID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if err := s.prefs.SetSnapshotID(ctx, id); err != nil {
		return fmt.Errorf("syncer: set snapshot id: %w: %w", model.ErrLocalIO, err)
	}
	s.log.WithField("snapshot_id", id).Info("snapshot id set")
	return nil
}

// Settings returns the current configuration.
func (s *Syncer) Settings() model.Settings {
	return s.prefs.Settings()
}
