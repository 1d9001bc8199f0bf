package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/snapsync/internal/jobguard"
	"github.com/tinytelemetry/snapsync/internal/model"
)

// LoopConfig wires a Loop. Clock, Logger and OnComplete are optional.
type LoopConfig struct {
	Backup     Backuper
	Settings   SettingsSource
	Guard      Guard
	Clock      clock.Clock
	Logger     logrus.FieldLogger
	OnComplete jobguard.CompletionFunc
}

// Loop runs a backup every configured interval. The interval is re-read
// before each wait, so settings changes apply from the next cycle.
type Loop struct {
	cfg   LoopConfig
	log   logrus.FieldLogger
	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop returns an idle loop.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Backup == nil || cfg.Settings == nil || cfg.Guard == nil {
		return nil, errors.New("scheduler: backup, settings and guard are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loop{cfg: cfg, log: log.WithField("component", "scheduler")}, nil
}

// Start moves the loop from Idle to Scheduled. Starting a running loop is a
// no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.state.Store(int32(StateScheduled))

	l.wg.Add(1)
	go l.loop(ctx)
}

// Stop cancels the pending wait and any in-flight backup, then waits for the
// loop to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	l.state.Store(int32(StateIdle))
}

// State reports the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) loop(ctx context.Context) {
	defer l.wg.Done()

	for {
		period, ok := model.ParseInterval(l.cfg.Settings.Settings().Interval)
		if !ok {
			l.log.WithField("period", period).Debug("interval not set or invalid, using fallback")
		}

		l.state.Store(int32(StateScheduled))
		timer := l.cfg.Clock.NewTimer(period)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return
		}

		l.state.Store(int32(StateRunning))
		l.RunOnce(ctx)
	}
}

// RunOnce performs one scheduled tick. It skips when auto-backup is disabled
// or the guard is paused. The outcome is logged and never retried here.
func (l *Loop) RunOnce(ctx context.Context) model.Outcome {
	log := l.log.WithField("trigger", model.TriggerScheduler)

	if !l.cfg.Settings.Settings().AutoBackupEnabled {
		log.Debug("auto-backup disabled, tick skipped")
		return model.OutcomeOK()
	}
	if l.cfg.Guard.Paused() {
		log.Info("sync paused by a destructive operation, tick skipped")
		return model.OutcomeOK()
	}

	out := l.cfg.Guard.Run(ctx, model.CategoryBackup, func(jctx context.Context) model.Outcome {
		if l.cfg.Guard.Paused() {
			log.Info("sync paused before export, tick skipped")
			return model.OutcomeOK()
		}
		return l.cfg.Backup.PerformBackup(jctx, model.TriggerScheduler, nil)
	}, l.cfg.OnComplete)

	entry := log.WithField("outcome", out.Kind)
	switch out.Kind {
	case model.OutcomeSuccess:
		entry.Info("scheduled backup finished")
	case model.OutcomeCancelled:
		entry.Info("scheduled backup cancelled")
	default:
		entry.WithError(out.Err).Warn("scheduled backup failed, next tick retries")
	}
	return out
}
