package model

import (
	"sort"
	"time"
)

// Link is one bookmark row. It is the unit of data carried by an export.
type Link struct {
	ID        int64     `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	URL       string    `json:"url" yaml:"url"`
	Note      string    `json:"note,omitempty" yaml:"note,omitempty"`
	Folder    string    `json:"folder,omitempty" yaml:"folder,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// SnapshotFile is a single logical file inside a remote snapshot.
type SnapshotFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Snapshot is the remote backup object. Only single-file snapshots are produced.
type Snapshot struct {
	ID          string                  `json:"id"`
	Description string                  `json:"description,omitempty"`
	Files       map[string]SnapshotFile `json:"files"`
}

// FirstFile returns the payload file of the snapshot. Filenames are ordered
// lexically so the choice is stable across fetches.
func (s *Snapshot) FirstFile() (SnapshotFile, bool) {
	if s == nil || len(s.Files) == 0 {
		return SnapshotFile{}, false
	}
	names := make([]string, 0, len(s.Files))
	for name := range s.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	f := s.Files[names[0]]
	if f.Filename == "" {
		f.Filename = names[0]
	}
	return f, true
}

// Category identifies a job class. At most one job per category runs at a time.
type Category string

const (
	CategoryBackup  Category = "export/backup"
	CategoryRestore Category = "import/restore"
)

// ParseCategory accepts the full category name or its short alias.
func ParseCategory(s string) (Category, bool) {
	switch s {
	case string(CategoryBackup), "backup", "export":
		return CategoryBackup, true
	case string(CategoryRestore), "restore", "import":
		return CategoryRestore, true
	}
	return "", false
}

// Trigger records who started a sync.
type Trigger string

const (
	TriggerUser      Trigger = "user"
	TriggerScheduler Trigger = "scheduler"
	TriggerHostJob   Trigger = "host-job"
)

// Background reports whether the trigger respects the auto-backup flag.
func (t Trigger) Background() bool {
	return t == TriggerScheduler || t == TriggerHostJob
}
