package workflow

import (
	"context"
	"time"

	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
	"github.com/roach88/strand/internal/validation"
)

// DefaultAbandonAfter is how long an op may wait on unresolved
// dependencies before it is marked Abandoned.
const DefaultAbandonAfter = 24 * time.Hour

// SysValidationBatch drains Pending ops through the sys-validator and
// shepherds parked ops whose dependencies have since arrived back into
// Pending.
func SysValidationBatch(
	dht *store.Store,
	v *validation.SysValidator,
	deps *ChainedDeps,
	fetch DepFetcher,
	appTrigger, integrateTrigger *Trigger,
	now func() types.Timestamp,
	abandonAfter time.Duration,
) BatchFunc {
	if abandonAfter <= 0 {
		abandonAfter = DefaultAbandonAfter
	}
	return func(ctx context.Context) (bool, error) {
		if err := requeueParked(ctx, dht, deps, store.StageAwaitingSysDeps, now, abandonAfter, integrateTrigger); err != nil {
			return false, err
		}

		rows, err := dht.QueryPending(ctx, store.StagePending, DefaultBatchSize)
		if err != nil {
			return false, err
		}
		for i := range rows {
			row := &rows[i]
			op, err := dht.ReconstructOp(ctx, row)
			if err != nil {
				return false, err
			}
			out, err := v.ValidateOp(ctx, op)
			if err != nil {
				return false, err
			}
			switch out.Verdict {
			case validation.Accepted:
				if err := dht.SetStage(ctx, row.Hash, store.StageSysValidated, nil, now()); err != nil {
					return false, err
				}
				appTrigger.Fire()
			case validation.MissingDeps:
				if err := dht.SetStage(ctx, row.Hash, store.StageAwaitingSysDeps, out.Deps, now()); err != nil {
					return false, err
				}
				fetch.Fetch(ctx, out.Deps)
			case validation.Rejected:
				if err := dht.SetStatus(ctx, row.Hash, store.StatusRejected); err != nil {
					return false, err
				}
				if err := dht.SetStage(ctx, row.Hash, store.StageAwaitingIntegration, nil, now()); err != nil {
					return false, err
				}
				integrateTrigger.Fire()
			}
		}
		return len(rows) == DefaultBatchSize, nil
	}
}

// requeueParked re-examines ops parked on dependencies: resolvable ones
// go back to the stage's entry queue, expired ones are abandoned and
// handed to integration so the verdict is recorded.
func requeueParked(
	ctx context.Context,
	dht *store.Store,
	deps *ChainedDeps,
	stage store.Stage,
	now func() types.Timestamp,
	abandonAfter time.Duration,
	integrateTrigger *Trigger,
) error {
	rows, err := dht.QueryPending(ctx, stage, DefaultBatchSize)
	if err != nil {
		return err
	}
	backTo := store.StagePending
	if stage == store.StageAwaitingAppDeps {
		backTo = store.StageSysValidated
	}
	deadline := types.Timestamp(abandonAfter / time.Microsecond)

	for i := range rows {
		row := &rows[i]
		if now()-row.EnqueuedAt > deadline {
			if err := dht.SetStatus(ctx, row.Hash, store.StatusAbandoned); err != nil {
				return err
			}
			if err := dht.SetStage(ctx, row.Hash, store.StageAwaitingIntegration, nil, now()); err != nil {
				return err
			}
			integrateTrigger.Fire()
			continue
		}

		resolved := true
		for _, d := range row.Deps {
			ok, err := deps.has(ctx, d)
			if err != nil {
				return err
			}
			if !ok {
				resolved = false
				break
			}
		}
		if resolved {
			if err := dht.SetStage(ctx, row.Hash, backTo, nil, now()); err != nil {
				return err
			}
		}
	}
	return nil
}
