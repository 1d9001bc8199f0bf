// Package control is the command surface shared by the HTTP API and the
// socket RPC server. It runs every job through the guard and remembers the
// last outcome per category.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/snapsync/internal/jobguard"
	"github.com/tinytelemetry/snapsync/internal/model"
)

// Syncer is the orchestrator surface used by the controller.
type Syncer interface {
	PerformBackup(ctx context.Context, trigger model.Trigger, sink model.ProgressSink) model.Outcome
	PerformRestore(ctx context.Context, sink model.ProgressSink) model.Outcome
	ExportToFile(ctx context.Context, path string, sink model.ProgressSink) model.Outcome
	ImportFromFile(ctx context.Context, path string, sink model.ProgressSink) model.Outcome
	SaveSettings(ctx context.Context, u model.SettingsUpdate) error
	SetSnapshotID(ctx context.Context, id string) error
	Settings() model.Settings
}

// SafetyCopier takes a local copy of the data set before it is wiped.
type SafetyCopier interface {
	SafetyCopy(ctx context.Context) (string, error)
}

// SafetyCopyFunc adapts a function to SafetyCopier.
type SafetyCopyFunc func(ctx context.Context) (string, error)

func (f SafetyCopyFunc) SafetyCopy(ctx context.Context) (string, error) { return f(ctx) }

// Deps wires a Controller. Safety, Logger and Clock are optional.
type Deps struct {
	Syncer Syncer
	Guard  *jobguard.Guard
	Links  model.LinkStore
	Safety SafetyCopier
	Logger logrus.FieldLogger
	Clock  clock.Clock
}

// JobResult is the reported result of one backup or restore.
type JobResult struct {
	Category   model.Category `json:"category" yaml:"category"`
	Trigger    model.Trigger  `json:"trigger" yaml:"trigger"`
	Outcome    string         `json:"outcome" yaml:"outcome"`
	Message    string         `json:"message" yaml:"message"`
	FinishedAt time.Time      `json:"finished_at" yaml:"finished_at"`
	Progress   []string       `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// OK reports whether the job succeeded.
func (r JobResult) OK() bool { return r.Outcome == model.OutcomeSuccess.String() }

// Status is a point-in-time view of the daemon.
type Status struct {
	Active    map[model.Category]string    `json:"active" yaml:"active"`
	Paused    bool                         `json:"paused" yaml:"paused"`
	Last      map[model.Category]JobResult `json:"last" yaml:"last"`
	Settings  model.Settings               `json:"settings" yaml:"settings"`
	LinkCount int64                        `json:"link_count" yaml:"link_count"`
}

// WipeResult reports a destructive wipe of the link collection.
type WipeResult struct {
	Deleted    int64  `json:"deleted" yaml:"deleted"`
	SafetyCopy string `json:"safety_copy,omitempty" yaml:"safety_copy,omitempty"`
}

// ErrInvalidCategory is returned for an unknown job category.
var ErrInvalidCategory = errors.New("control: unknown category")

// Controller implements the daemon commands.
type Controller struct {
	syncer Syncer
	guard  *jobguard.Guard
	links  model.LinkStore
	safety SafetyCopier
	log    logrus.FieldLogger
	clock  clock.Clock

	mu   sync.Mutex
	last map[model.Category]JobResult
}

// New returns a Controller.
func New(d Deps) (*Controller, error) {
	if d.Syncer == nil || d.Guard == nil || d.Links == nil {
		return nil, errors.New("control: syncer, guard and links are required")
	}
	log := d.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Controller{
		syncer: d.Syncer,
		guard:  d.Guard,
		links:  d.Links,
		safety: d.Safety,
		log:    log.WithField("component", "control"),
		clock:  clk,
		last:   make(map[model.Category]JobResult),
	}, nil
}

// Backup runs a user-triggered backup, superseding any backup in flight.
// It ignores the auto-backup flag.
func (c *Controller) Backup(ctx context.Context, sink model.ProgressSink) JobResult {
	var progress []string
	out := c.guard.Run(ctx, model.CategoryBackup, func(jctx context.Context) model.Outcome {
		return c.syncer.PerformBackup(jctx, model.TriggerUser, tee(&progress, sink))
	}, c.Recorder(model.CategoryBackup, model.TriggerUser))
	return c.result(model.CategoryBackup, model.TriggerUser, out, progress)
}

// Restore fetches the remote snapshot and imports it. Background syncs are
// paused while the import runs.
func (c *Controller) Restore(ctx context.Context, sink model.ProgressSink) JobResult {
	var progress []string
	out := c.guard.Run(ctx, model.CategoryRestore, func(jctx context.Context) model.Outcome {
		var out model.Outcome
		_ = c.guard.Destructive(jctx, func(dctx context.Context) error {
			out = c.syncer.PerformRestore(dctx, tee(&progress, sink))
			return nil
		})
		return out
	}, c.Recorder(model.CategoryRestore, model.TriggerUser))
	return c.result(model.CategoryRestore, model.TriggerUser, out, progress)
}

// ExportFile writes the link collection to a local file. It shares the
// backup category, so it supersedes a backup in flight.
func (c *Controller) ExportFile(ctx context.Context, path string, sink model.ProgressSink) JobResult {
	var progress []string
	out := c.guard.Run(ctx, model.CategoryBackup, func(jctx context.Context) model.Outcome {
		return c.syncer.ExportToFile(jctx, path, tee(&progress, sink))
	}, c.Recorder(model.CategoryBackup, model.TriggerUser))
	return c.result(model.CategoryBackup, model.TriggerUser, out, progress)
}

// ImportFile loads a local export file. Like Restore it runs in the restore
// category with background syncs paused.
func (c *Controller) ImportFile(ctx context.Context, path string, sink model.ProgressSink) JobResult {
	var progress []string
	out := c.guard.Run(ctx, model.CategoryRestore, func(jctx context.Context) model.Outcome {
		var out model.Outcome
		_ = c.guard.Destructive(jctx, func(dctx context.Context) error {
			out = c.syncer.ImportFromFile(dctx, path, tee(&progress, sink))
			return nil
		})
		return out
	}, c.Recorder(model.CategoryRestore, model.TriggerUser))
	return c.result(model.CategoryRestore, model.TriggerUser, out, progress)
}

// Cancel stops the running job of the named category.
func (c *Controller) Cancel(category string) (bool, error) {
	cat, ok := model.ParseCategory(category)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	return c.guard.Cancel(cat), nil
}

// Recorder returns a completion callback that stores the outcome as the
// category's last result.
func (c *Controller) Recorder(category model.Category, trigger model.Trigger) jobguard.CompletionFunc {
	return func(out model.Outcome) {
		res := JobResult{
			Category:   category,
			Trigger:    trigger,
			Outcome:    out.Kind.String(),
			Message:    out.Message(),
			FinishedAt: c.clock.Now().UTC(),
		}
		c.mu.Lock()
		c.last[category] = res
		c.mu.Unlock()
	}
}

func (c *Controller) result(category model.Category, trigger model.Trigger, out model.Outcome, progress []string) JobResult {
	return JobResult{
		Category:   category,
		Trigger:    trigger,
		Outcome:    out.Kind.String(),
		Message:    out.Message(),
		FinishedAt: c.clock.Now().UTC(),
		Progress:   progress,
	}
}

// Status reports active jobs, the pause flag, last outcomes and redacted
// settings.
func (c *Controller) Status(ctx context.Context) Status {
	c.mu.Lock()
	last := make(map[model.Category]JobResult, len(c.last))
	for k, v := range c.last {
		last[k] = v
	}
	c.mu.Unlock()

	count, err := c.links.CountLinks(ctx)
	if err != nil {
		c.log.WithError(err).Warn("count links")
		count = -1
	}
	return Status{
		Active:    c.guard.ActiveJobs(),
		Paused:    c.guard.Paused(),
		Last:      last,
		Settings:  c.syncer.Settings().Redacted(),
		LinkCount: count,
	}
}

// Settings returns the settings with the token redacted.
func (c *Controller) Settings() model.Settings {
	return c.syncer.Settings().Redacted()
}

// SettingsUpdate is a request to change the sync settings. A nil field keeps
// the current value.
type SettingsUpdate = model.SettingsUpdate

// SaveSettings applies u and returns the redacted result.
func (c *Controller) SaveSettings(ctx context.Context, u SettingsUpdate) (model.Settings, error) {
	if err := c.syncer.SaveSettings(ctx, u); err != nil {
		return model.Settings{}, err
	}
	return c.Settings(), nil
}

// SetSnapshotID points backups and restores at snapshot id.
func (c *Controller) SetSnapshotID(ctx context.Context, id string) (model.Settings, error) {
	if err := c.syncer.SetSnapshotID(ctx, id); err != nil {
		return model.Settings{}, err
	}
	return c.Settings(), nil
}

// ListLinks returns the local link collection.
func (c *Controller) ListLinks(ctx context.Context) ([]model.Link, error) {
	return c.links.ListLinks(ctx)
}

// AddLink stores one link.
func (c *Controller) AddLink(ctx context.Context, link model.Link) (model.Link, error) {
	if strings.TrimSpace(link.URL) == "" {
		return model.Link{}, errors.New("control: url is required")
	}
	return c.links.AddLink(ctx, link)
}

// WipeLinks deletes the whole link collection. The pause flag is raised for
// the duration and any running backup is cancelled first. A local safety
// copy is taken before deleting when a copier is configured.
func (c *Controller) WipeLinks(ctx context.Context) (WipeResult, error) {
	var res WipeResult
	err := c.guard.Destructive(ctx, func(ctx context.Context) error {
		if c.guard.Cancel(model.CategoryBackup) {
			c.log.Info("cancelled running backup before wipe")
		}
		if c.safety != nil {
			path, err := c.safety.SafetyCopy(ctx)
			if err != nil {
				return fmt.Errorf("control: safety copy: %w", err)
			}
			res.SafetyCopy = path
		}
		n, err := c.links.DeleteAllLinks(ctx)
		if err != nil {
			return fmt.Errorf("control: delete links: %w", err)
		}
		res.Deleted = n
		return nil
	})
	if err != nil {
		return WipeResult{}, err
	}
	c.log.WithField("deleted", res.Deleted).WithField("safety_copy", res.SafetyCopy).Info("link collection wiped")
	return res, nil
}

// tee records progress messages and forwards them to sink.
func tee(progress *[]string, sink model.ProgressSink) model.ProgressSink {
	return func(msg string) {
		*progress = append(*progress, msg)
		sink.Emit(msg)
	}
}
