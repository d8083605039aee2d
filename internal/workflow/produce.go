package workflow

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/ops"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// opsProducedKey tracks, per agent, the highest chain sequence whose
// ops have been inserted into the limbo. It lives in the authored
// store's meta table beside the chain it describes.
const opsProducedKey = "ops_produced_through_seq:"

// ProduceOpsBatch derives ops for chain actions flushed since the last
// run and inserts them into the limbo at Pending.
//
// The marker is advanced only after the limbo insert commits; a crash
// in between re-produces the same ops, which the idempotent insert
// coalesces. Private entry bytes never cross into the limbo store.
func ProduceOpsBatch(authored, dht *store.Store, agent hash.Hash, sysTrigger *Trigger, now func() types.Timestamp) BatchFunc {
	key := opsProducedKey + agent.String()
	return func(ctx context.Context) (bool, error) {
		from, err := readMarker(ctx, authored, key)
		if err != nil {
			return false, err
		}

		records, err := authored.QueryChain(ctx, agent, store.ChainFilter{
			SeqFrom: from,
			Limit:   DefaultBatchSize,
		})
		if err != nil {
			return false, err
		}
		if len(records) == 0 {
			return false, nil
		}

		var produced int
		err = dht.WithTx(ctx, func(tx *sql.Tx) error {
			for _, rec := range records {
				derived, err := ops.ProduceRecord(rec, ops.Gossip)
				if err != nil {
					return err
				}
				for i := range derived {
					if err := store.PutOpTx(tx, &derived[i], store.StagePending, "", true, now()); err != nil {
						return err
					}
					produced++
				}
			}
			return nil
		})
		if err != nil {
			return false, err
		}

		lastSeq := records[len(records)-1].SignedAction.Action.Seq
		if err := authored.SetMeta(ctx, key, strconv.FormatUint(uint64(lastSeq)+1, 10)); err != nil {
			return false, err
		}
		if produced > 0 {
			sysTrigger.Fire()
		}
		return len(records) == DefaultBatchSize, nil
	}
}

// readMarker returns the first sequence whose ops are still unproduced.
func readMarker(ctx context.Context, authored *store.Store, key string) (uint32, error) {
	raw, ok, err := authored.GetMeta(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, &store.Error{Code: store.CodeCorruption, Message: "ops-produced marker is not a sequence: " + raw, Wrapped: err}
	}
	return uint32(v), nil
}
