package workflow

import (
	"context"
	"database/sql"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// IntegrationBatch promotes decided ops to integrated, materializing
// the link index as it goes.
//
// Ordering: an op whose referenced original action is not yet locally
// present is deferred to a later batch rather than integrated out of
// order. Rejected and abandoned ops integrate unconditionally; they
// materialize nothing, their verdict is simply made durable.
//
// onIntegrated, when non-nil, observes every op the batch integrates;
// the cell uses it to push validation receipts back to authors.
func IntegrationBatch(dht *store.Store, deps *ChainedDeps, publishTrigger *Trigger, now func() types.Timestamp, onIntegrated func(ctx context.Context, row *store.OpRow)) BatchFunc {
	return func(ctx context.Context) (bool, error) {
		rows, err := dht.QueryPending(ctx, store.StageAwaitingIntegration, DefaultBatchSize)
		if err != nil {
			return false, err
		}

		var integrated, deferred int
		var wakePublish bool
		for i := range rows {
			row := &rows[i]

			if row.Status == store.StatusValid {
				ready, err := integrationReady(ctx, dht, deps, row)
				if err != nil {
					return false, err
				}
				if !ready {
					deferred++
					continue
				}
			}

			op, err := dht.ReconstructOp(ctx, row)
			if err != nil {
				return false, err
			}
			err = dht.WithTx(ctx, func(tx *sql.Tx) error {
				if err := store.SetIntegratedTx(tx, row.Hash, now()); err != nil {
					return err
				}
				if row.Status != store.StatusValid {
					return nil
				}
				a := &op.SignedAction.Action
				switch op.Kind {
				case types.OpRegisterAddLink:
					return store.InsertLinkTx(tx, row.ActionHash, a)
				case types.OpRegisterRemoveLink:
					return store.TombstoneLinkTx(tx, a.LinkAddAddress, row.ActionHash)
				}
				return nil
			})
			if err != nil {
				return false, err
			}
			integrated++
			if row.IsAuthored {
				wakePublish = true
			}
			if onIntegrated != nil {
				onIntegrated(ctx, row)
			}
		}

		if wakePublish {
			publishTrigger.Fire()
		}
		// Deferred ops only become integrable once another op lands, so
		// re-arm only while this batch is still making progress.
		full := len(rows) == DefaultBatchSize || (integrated > 0 && deferred > 0)
		return full, nil
	}
}

// integrationReady checks the dependency partial order: the original
// action an op registers against must be locally present first.
func integrationReady(ctx context.Context, dht *store.Store, deps *ChainedDeps, row *store.OpRow) (bool, error) {
	sa, err := dht.GetAction(ctx, row.ActionHash)
	if err != nil {
		return false, err
	}
	if sa == nil {
		return false, &store.Error{Code: store.CodeCorruption, Hash: row.Hash, Message: "op awaiting integration has no action row"}
	}

	var ref hash.Hash
	switch row.Kind {
	case types.OpRegisterUpdatedContent, types.OpRegisterUpdatedRecord:
		ref = sa.Action.OriginalAction
	case types.OpRegisterDeletedBy, types.OpRegisterDeletedEntryAction:
		ref = sa.Action.DeletesAction
	case types.OpRegisterRemoveLink:
		ref = sa.Action.LinkAddAddress
	default:
		return true, nil
	}
	return deps.has(ctx, ref)
}
