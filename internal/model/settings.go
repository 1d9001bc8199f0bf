package model

import (
	"strings"
	"time"
)

// Preference keys in the persisted store.
const (
	PrefToken      = "token"
	PrefSnapshotID = "snapshotId"
	PrefAutoBackup = "autoBackupEnabled"
	PrefInterval   = "interval"
)

// Settings is the sync configuration. It is read through prefs.Store, which
// owns the only in-memory copy.
type Settings struct {
	Token             string `json:"token" yaml:"token"`
	SnapshotID        string `json:"snapshot_id" yaml:"snapshot_id"`
	AutoBackupEnabled bool   `json:"auto_backup_enabled" yaml:"auto_backup_enabled"`
	Interval          string `json:"interval" yaml:"interval"`
}

// SettingsUpdate changes some of the user-editable settings. A nil field
// keeps the current value. The snapshot id is never touched.
type SettingsUpdate struct {
	Token             *string `json:"token,omitempty" yaml:"token,omitempty"`
	Interval          *string `json:"interval,omitempty" yaml:"interval,omitempty"`
	AutoBackupEnabled *bool   `json:"auto_backup_enabled,omitempty" yaml:"auto_backup_enabled,omitempty"`
}

// Apply writes the set fields of u into s. A blank interval keeps the current
// one.
func (u SettingsUpdate) Apply(s *Settings) {
	if u.Token != nil {
		s.Token = strings.TrimSpace(*u.Token)
	}
	if u.Interval != nil {
		if iv := strings.TrimSpace(*u.Interval); iv != "" {
			s.Interval = iv
		}
	}
	if u.AutoBackupEnabled != nil {
		s.AutoBackupEnabled = *u.AutoBackupEnabled
	}
}

// HasToken reports whether a non-blank token is configured.
func (s Settings) HasToken() bool { return strings.TrimSpace(s.Token) != "" }

// HasSnapshot reports whether a remote snapshot id is known.
func (s Settings) HasSnapshot() bool { return strings.TrimSpace(s.SnapshotID) != "" }

// Redacted returns a copy safe to log or return over an API.
func (s Settings) Redacted() Settings {
	if s.HasToken() {
		s.Token = "********"
	}
	return s
}

// ParseInterval maps an interval token to a period. Known tokens are hourly,
// daily and weekly; anything time.ParseDuration accepts also works. Blank,
// unknown or non-positive values yield FallbackInterval and ok=false.
func ParseInterval(token string) (d time.Duration, ok bool) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "hourly":
		return time.Hour, true
	case "daily":
		return 24 * time.Hour, true
	case "weekly":
		return 7 * 24 * time.Hour, true
	case "":
		return FallbackInterval, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(token))
	if err != nil || d <= 0 {
		return FallbackInterval, false
	}
	return d, true
}
