package workflow

import (
	"context"
	"time"

	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
	"github.com/roach88/strand/internal/validation"
)

// AppValidationBatch drains SysValidated ops through the application's
// validation callback.
func AppValidationBatch(
	dht *store.Store,
	v validation.AppValidator,
	reads validation.Reads,
	deps *ChainedDeps,
	fetch DepFetcher,
	integrateTrigger *Trigger,
	now func() types.Timestamp,
	abandonAfter time.Duration,
) BatchFunc {
	if abandonAfter <= 0 {
		abandonAfter = DefaultAbandonAfter
	}
	return func(ctx context.Context) (bool, error) {
		if err := requeueParked(ctx, dht, deps, store.StageAwaitingAppDeps, now, abandonAfter, integrateTrigger); err != nil {
			return false, err
		}

		rows, err := dht.QueryPending(ctx, store.StageSysValidated, DefaultBatchSize)
		if err != nil {
			return false, err
		}
		for i := range rows {
			row := &rows[i]
			op, err := dht.ReconstructOp(ctx, row)
			if err != nil {
				return false, err
			}
			out, err := v.ValidateOp(ctx, op, reads)
			if err != nil {
				return false, err
			}
			switch out.Verdict {
			case validation.Accepted:
				if err := dht.SetStatus(ctx, row.Hash, store.StatusValid); err != nil {
					return false, err
				}
				if err := dht.SetStage(ctx, row.Hash, store.StageAwaitingIntegration, nil, now()); err != nil {
					return false, err
				}
				integrateTrigger.Fire()
			case validation.MissingDeps:
				if err := dht.SetStage(ctx, row.Hash, store.StageAwaitingAppDeps, out.Deps, now()); err != nil {
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
