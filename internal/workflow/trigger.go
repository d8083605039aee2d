// Package workflow drives ops through the validation pipeline.
//
// Each pipeline stage is a Runner: a single goroutine that waits on a
// single-slot Trigger, pulls a batch from the limbo, processes it, and
// wakes the next stage. Stage state lives in the database, never in the
// runner, so a crash resumes exactly where the pipeline left off.
package workflow

import "context"

// Trigger is a single-slot wakeup signal. Firing an already-armed
// trigger coalesces: no signal is lost and none is queued twice.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger returns an unarmed trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Fire arms the trigger. Never blocks.
func (t *Trigger) Fire() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the trigger fires or ctx is done.
func (t *Trigger) Wait(ctx context.Context) error {
	select {
	case <-t.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryConsume drains an armed trigger without blocking.
func (t *Trigger) TryConsume() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}
