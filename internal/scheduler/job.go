package scheduler

import (
	"context"

	"github.com/tinytelemetry/snapsync/internal/jobguard"
	"github.com/tinytelemetry/snapsync/internal/model"
)

// Disposition is what a host job scheduler does after one job run.
type Disposition int

const (
	DispositionSuccess Disposition = iota
	DispositionRetry
	DispositionFailure
)

func (d Disposition) String() string {
	switch d {
	case DispositionSuccess:
		return "success"
	case DispositionRetry:
		return "retry"
	case DispositionFailure:
		return "failure"
	}
	return "unknown"
}

// RetryableJob is one host-dispatched unit of work.
type RetryableJob interface {
	Run(ctx context.Context) Disposition
}

// BackupJob is the host-managed form of a scheduled backup.
type BackupJob struct {
	Backup   Backuper
	Settings SettingsSource
	// Guard is optional; when set the backup runs through its backup category.
	Guard Guard
	// OnComplete receives the outcome of guarded runs.
	OnComplete jobguard.CompletionFunc
}

var _ RetryableJob = (*BackupJob)(nil)

// Run performs one backup and maps its outcome to a disposition. A disabled
// auto-backup satisfies the job without running it; a blank token fails it
// for good. A paused guard asks the host to retry later.
func (j *BackupJob) Run(ctx context.Context) Disposition {
	settings := j.Settings.Settings()
	if !settings.AutoBackupEnabled {
		return DispositionSuccess
	}
	if !settings.HasToken() {
		return DispositionFailure
	}

	if j.Guard != nil && j.Guard.Paused() {
		return DispositionRetry
	}

	run := func(jctx context.Context) model.Outcome {
		// A destructive section may have started since the check above.
		if j.Guard != nil && j.Guard.Paused() {
			return model.OutcomeRetryAfter(model.ErrPaused)
		}
		return j.Backup.PerformBackup(jctx, model.TriggerHostJob, nil)
	}
	var out model.Outcome
	if j.Guard != nil {
		out = j.Guard.Run(ctx, model.CategoryBackup, run, j.OnComplete)
	} else {
		out = run(ctx)
	}
	return DispositionFor(out)
}

// DispositionFor maps an outcome to a host disposition. Cancelled jobs are
// retried.
func DispositionFor(out model.Outcome) Disposition {
	switch out.Kind {
	case model.OutcomeSuccess:
		return DispositionSuccess
	case model.OutcomeRetry, model.OutcomeCancelled:
		return DispositionRetry
	default:
		return DispositionFailure
	}
}
