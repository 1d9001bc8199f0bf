// Package jobguard enforces single-flight per job category and owns the
// pause flag that keeps background syncs away from destructive operations.
package jobguard

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/snapsync/internal/model"
)

// CompletionFunc receives the final outcome of a job exactly once.
type CompletionFunc func(model.Outcome)

// Guard tracks at most one active Handle per category.
type Guard struct {
	mu     sync.Mutex
	active map[model.Category]*Handle

	paused atomic.Bool
	holds  atomic.Int32

	log logrus.FieldLogger
}

// New returns an empty guard. A nil logger means logrus.StandardLogger().
func New(log logrus.FieldLogger) *Guard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Guard{
		active: make(map[model.Category]*Handle),
		log:    log.WithField("component", "jobguard"),
	}
}

// Handle is one in-flight job. Its context is cancelled when the job is
// superseded, cancelled or finished.
type Handle struct {
	ID       string
	Category model.Category

	ctx    context.Context
	cancel context.CancelFunc
	guard  *Guard

	once       sync.Once
	onComplete CompletionFunc
	delivered  model.Outcome
}

// Acquire registers a new job for category and returns immediately. A job
// already active in the category is cancelled and its completion callback
// fires with a cancelled outcome.
func (g *Guard) Acquire(ctx context.Context, category model.Category, onComplete CompletionFunc) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ID:         uuid.NewString(),
		Category:   category,
		ctx:        hctx,
		cancel:     cancel,
		guard:      g,
		onComplete: onComplete,
	}

	g.mu.Lock()
	prev := g.active[category]
	g.active[category] = h
	g.mu.Unlock()

	if prev != nil {
		g.log.WithFields(logrus.Fields{
			"category":   category,
			"superseded": prev.ID,
			"job":        h.ID,
		}).Info("superseding active job")
		prev.deliver(model.OutcomeCancelledBy(fmt.Errorf("superseded by job %s: %w", h.ID, model.ErrCancelled)))
	}
	return h
}

// Cancel stops the active job of category. It reports whether one was active.
func (g *Guard) Cancel(category model.Category) bool {
	g.mu.Lock()
	h := g.active[category]
	delete(g.active, category)
	g.mu.Unlock()

	if h == nil {
		return false
	}
	g.log.WithFields(logrus.Fields{"category": category, "job": h.ID}).Info("cancelling job")
	h.deliver(model.OutcomeCancelledBy(nil))
	return true
}

// Active reports whether category has a running job.
func (g *Guard) Active(category model.Category) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[category] != nil
}

// ActiveJobs returns the id of the running job per category.
func (g *Guard) ActiveJobs() map[model.Category]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[model.Category]string, len(g.active))
	for c, h := range g.active {
		out[c] = h.ID
	}
	return out
}

// Run acquires a handle, calls fn with its context and finishes the handle
// with fn's outcome. A panic in fn is reported as a retry. The returned
// outcome is the one delivered to onComplete.
func (g *Guard) Run(ctx context.Context, category model.Category, fn func(context.Context) model.Outcome, onComplete CompletionFunc) (out model.Outcome) {
	h := g.Acquire(ctx, category, onComplete)
	defer func() {
		if r := recover(); r != nil {
			g.log.WithFields(logrus.Fields{"category": category, "job": h.ID}).
				Errorf("job panicked: %v\n%s", r, debug.Stack())
			out = h.Finish(model.OutcomeRetryAfter(fmt.Errorf("job panicked: %v", r)))
		}
	}()
	return h.Finish(fn(h.Context()))
}

// SetPaused sets the manual pause flag.
func (g *Guard) SetPaused(paused bool) {
	g.paused.Store(paused)
}

// Paused reports whether background syncs must stay away from the data set.
func (g *Guard) Paused() bool {
	return g.paused.Load() || g.holds.Load() > 0
}

// Destructive runs fn with the pause flag raised. The flag is lowered when
// fn returns or panics.
func (g *Guard) Destructive(ctx context.Context, fn func(context.Context) error) error {
	g.holds.Add(1)
	defer g.holds.Add(-1)
	return fn(ctx)
}

// Context is cancelled when the job is superseded, cancelled or finished.
func (h *Handle) Context() context.Context { return h.ctx }

// Finish reports the job's outcome and releases its category. If the job
// was already superseded or cancelled, the callback is not invoked again and
// the earlier cancelled outcome is returned.
func (h *Handle) Finish(out model.Outcome) model.Outcome {
	g := h.guard
	g.mu.Lock()
	if g.active[h.Category] == h {
		delete(g.active, h.Category)
	}
	g.mu.Unlock()

	return h.deliver(out)
}

func (h *Handle) deliver(out model.Outcome) model.Outcome {
	h.once.Do(func() {
		h.delivered = out
		h.cancel()
		if h.onComplete != nil {
			h.onComplete(out)
		}
	})
	return h.delivered
}
