package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/snapsync/internal/model"
)

const (
	defaultRetryAttempts = 5
	defaultRetryDelay    = 30 * time.Second
	defaultRetryMaxDelay = 30 * time.Minute
)

var (
	errRetryRequested = errors.New("job requested retry")
	errJobFailed      = errors.New("job failed")
)

// HostConfig wires a HostRunner. Only Job and Settings are required.
type HostConfig struct {
	Job      RetryableJob
	Settings SettingsSource
	Clock    clock.Clock
	Logger   logrus.FieldLogger

	// Attempts bounds the runs per dispatch, the first included.
	Attempts int
	// RetryDelay is the first backoff delay; it doubles up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// HostRunner dispatches a RetryableJob once per interval and applies
// exponential backoff while the job asks to be retried.
type HostRunner struct {
	cfg   HostConfig
	log   logrus.FieldLogger
	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHostRunner returns an idle runner.
func NewHostRunner(cfg HostConfig) (*HostRunner, error) {
	if cfg.Job == nil || cfg.Settings == nil {
		return nil, errors.New("scheduler: job and settings are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = defaultRetryMaxDelay
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HostRunner{cfg: cfg, log: log.WithField("component", "hostjob")}, nil
}

// Start begins periodic dispatch.
func (h *HostRunner) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.state.Store(int32(StateScheduled))

	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop cancels dispatch, including any backoff wait, and waits for exit.
func (h *HostRunner) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	h.wg.Wait()
	h.state.Store(int32(StateIdle))
}

// State reports the current lifecycle state.
func (h *HostRunner) State() State {
	return State(h.state.Load())
}

func (h *HostRunner) loop(ctx context.Context) {
	defer h.wg.Done()

	for {
		period, _ := model.ParseInterval(h.cfg.Settings.Settings().Interval)

		h.state.Store(int32(StateScheduled))
		timer := h.cfg.Clock.NewTimer(period)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return
		}

		h.state.Store(int32(StateRunning))
		h.Dispatch(ctx)
	}
}

// Dispatch runs the job until it reports success or failure, the retry
// budget runs out or ctx ends. It returns the final disposition.
func (h *HostRunner) Dispatch(ctx context.Context) Disposition {
	final := DispositionRetry
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			final = h.cfg.Job.Run(ctx)
			switch final {
			case DispositionSuccess:
				return nil
			case DispositionFailure:
				return errJobFailed
			default:
				return errRetryRequested
			}
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errJobFailed)
		},
		NotifyFunc: func(err error, attempt int) {
			h.log.WithField("attempt", attempt).Debugf("job run: %v", err)
		},
		Attempts:    h.cfg.Attempts,
		Delay:       h.cfg.RetryDelay,
		MaxDelay:    h.cfg.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       h.cfg.Clock,
		Stop:        ctx.Done(),
	})

	log := h.log.WithField("disposition", final)
	switch {
	case err == nil:
		log.Info("host job succeeded")
	case errors.Is(err, errJobFailed):
		log.Warn("host job failed, not retrying")
	case retry.IsAttemptsExceeded(err):
		log.Warn("host job still failing after retries, waiting for next dispatch")
	case retry.IsRetryStopped(err):
		log.Info("host job dispatch stopped")
	default:
		log.WithError(err).Warn("host job dispatch ended")
	}
	return final
}
