package workflow

import (
	"context"
	"log/slog"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/network"
	"github.com/roach88/strand/internal/ops"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// PublishBatch pushes authored, integrated, receipt-hungry ops to the
// authorities for their basis. Ops keep reappearing in this batch until
// enough receipts have come back and the cell marks them done.
func PublishBatch(dht *store.Store, bus network.Bus, log *slog.Logger) BatchFunc {
	return func(ctx context.Context) (bool, error) {
		rows, err := dht.QueryPublishable(ctx, DefaultBatchSize)
		if err != nil {
			return false, err
		}
		if len(rows) == 0 {
			return false, nil
		}

		groups := make(map[hash.Hash][]types.Op)
		order := make([]hash.Hash, 0, len(rows))
		for i := range rows {
			op, err := dht.ReconstructOp(ctx, &rows[i])
			if err != nil {
				return false, err
			}
			if _, seen := groups[rows[i].Basis]; !seen {
				order = append(order, rows[i].Basis)
			}
			groups[rows[i].Basis] = append(groups[rows[i].Basis], ops.ForGossip(*op))
		}

		var lastErr error
		for _, basis := range order {
			if err := bus.Publish(ctx, basis, groups[basis]); err != nil {
				log.Warn("publish failed", "basis", basis, "ops", len(groups[basis]), "error", err)
				lastErr = err
			}
		}
		if lastErr != nil {
			return false, lastErr
		}
		return len(rows) == DefaultBatchSize, nil
	}
}
