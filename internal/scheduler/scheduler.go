// Package scheduler triggers background backups, either from a periodic loop
// or as a retryable job dispatched by a host runner.
package scheduler

import (
	"context"

	"github.com/tinytelemetry/snapsync/internal/jobguard"
	"github.com/tinytelemetry/snapsync/internal/model"
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

// Backuper runs one backup.
type Backuper interface {
	PerformBackup(ctx context.Context, trigger model.Trigger, sink model.ProgressSink) model.Outcome
}

// SettingsSource returns the latest committed settings.
type SettingsSource interface {
	Settings() model.Settings
}

// Guard is the single-flight and pause coordination the scheduler defers to.
type Guard interface {
	Paused() bool
	Run(ctx context.Context, category model.Category, fn func(context.Context) model.Outcome, onComplete jobguard.CompletionFunc) model.Outcome
}
