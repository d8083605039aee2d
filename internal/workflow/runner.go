package workflow

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/strand/internal/store"
)

const (
	// DefaultBatchSize bounds one drain of a runner's queue.
	DefaultBatchSize = 50

	backoffInitial = 100 * time.Millisecond
	backoffMax     = 30 * time.Second
)

// BatchFunc processes one batch of a runner's queue. It reports whether
// the batch was full, in which case the runner immediately re-arms
// itself instead of waiting for the next trigger.
type BatchFunc func(ctx context.Context) (full bool, err error)

// Runner is one long-lived pipeline stage.
type Runner struct {
	name     string
	trigger  *Trigger
	batch    BatchFunc
	log      *slog.Logger
	degraded atomic.Bool
}

// NewRunner wires a stage around its trigger and batch function.
func NewRunner(name string, trigger *Trigger, log *slog.Logger, batch BatchFunc) *Runner {
	return &Runner{
		name:    name,
		trigger: trigger,
		batch:   batch,
		log:     log.With("runner", name),
	}
}

// Name returns the stage name.
func (r *Runner) Name() string { return r.name }

// Trigger returns the runner's wakeup handle.
func (r *Runner) Trigger() *Trigger { return r.trigger }

// Degraded reports whether the runner hit a fatal error and stopped.
func (r *Runner) Degraded() bool { return r.degraded.Load() }

// Run loops until ctx is canceled: wait, drain one batch, re-arm if
// the batch was full. Transient errors are retried with exponential
// backoff bounded at 30 seconds; a Corruption error degrades the
// runner permanently.
func (r *Runner) Run(ctx context.Context) error {
	// Drain any backlog persisted before this process started.
	r.trigger.Fire()

	backoff := backoffInitial
	for {
		if err := r.trigger.Wait(ctx); err != nil {
			return err
		}

		full, err := r.batch(ctx)
		switch {
		case err == nil:
			backoff = backoffInitial
			if full {
				r.trigger.Fire()
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case store.IsCorruption(err):
			r.degraded.Store(true)
			r.log.Error("fatal batch error, runner degraded", "error", err)
			return err
		default:
			r.log.Warn("batch failed, backing off", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			r.trigger.Fire()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
