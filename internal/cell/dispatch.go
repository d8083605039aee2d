package cell

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/strand/internal/chain"
	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/ops"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// DefaultCallTimeout bounds how long a zome call waits for its ops to
// clear validation after the chain flush.
const DefaultCallTimeout = 10 * time.Second

// Invocation is one zome call request.
type Invocation struct {
	Zome     string
	Function string
	Input    []byte
	// Provenance is the calling agent. Zero means the cell's own
	// agent; anyone else must present a matching capability secret.
	Provenance hash.Hash
	CapSecret  []byte
	// Timeout overrides DefaultCallTimeout when positive.
	Timeout time.Duration
}

// CallResult is a zome call's outcome.
type CallResult struct {
	Output []byte
	// Actions are the hashes the call appended to the chain, in order.
	Actions []hash.Hash
}

// CallZome runs one zome function under a concurrency permit.
//
// The call gets a fresh scratch; writes stage there and land only if
// the function returns without error. After the flush the dispatcher
// wakes produce_ops and waits for the flushed actions' ops to reach a
// decided stage, so a caller that immediately reads its own write
// through another cell has had validation a chance to run. Hitting the
// wait deadline is not an error; the chain write is already durable.
func (c *Cell) CallZome(ctx context.Context, inv Invocation) (*CallResult, error) {
	if c.Degraded() {
		return nil, ErrDegraded
	}
	if !inv.Provenance.IsEmpty() && !inv.Provenance.Equal(c.agent) {
		if err := c.checkGrant(ctx, inv.Zome, inv.Function, inv.CapSecret); err != nil {
			return nil, err
		}
	}

	if err := c.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.permits.Release(1)

	// Call tokens are UUIDv7 so log lines sort by invocation time.
	log := c.log.With("call", uuid.Must(uuid.NewV7()).String())
	log.Debug("zome call", "zome", inv.Zome, "function", inv.Function)

	scratch := c.chain.NewScratch(chain.Relaxed)
	host := &hostCtx{
		cell:    c,
		scratch: scratch,
		reads:   c.cascade.WithScratch(scratch),
	}
	output, err := c.runtime.Evaluate(ctx, inv.Zome, inv.Function, inv.Input, host)
	if err != nil {
		return nil, fmt.Errorf("zome call %s/%s: %w", inv.Zome, inv.Function, err)
	}

	records, err := c.chain.Flush(ctx, scratch)
	if err != nil {
		return nil, err
	}
	result := &CallResult{Output: output}
	if len(records) == 0 {
		return result, nil
	}

	var opHashes []hash.Hash
	for i := range records {
		ah, err := records[i].SignedAction.Hash()
		if err != nil {
			return nil, err
		}
		result.Actions = append(result.Actions, ah)

		produced, err := ops.ProduceRecord(records[i], ops.Gossip)
		if err != nil {
			return nil, err
		}
		for j := range produced {
			oh, err := produced[j].Hash()
			if err != nil {
				return nil, err
			}
			opHashes = append(opHashes, oh)
		}
	}

	c.produceTrigger.Fire()
	c.awaitDecided(ctx, opHashes, inv.Timeout)
	log.Debug("zome call finished", "actions", len(result.Actions))
	return result, nil
}

// awaitDecided polls the limbo until every op has a decided stage or
// the deadline passes.
func (c *Cell) awaitDecided(ctx context.Context, opHashes []hash.Hash, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending := make(map[hash.Hash]struct{}, len(opHashes))
	for _, h := range opHashes {
		pending[h] = struct{}{}
	}

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			c.log.Debug("zome call returned before all ops were decided",
				"remaining", len(pending))
			return
		case <-tick.C:
		}
		for h := range pending {
			row, err := c.dht.GetOp(ctx, h)
			if err != nil {
				return
			}
			if row != nil && decided(row.Stage) {
				delete(pending, h)
			}
		}
	}
}

func decided(stage store.Stage) bool {
	return stage == store.StageAwaitingIntegration || stage == store.StageIntegrated
}

// Commit is the convenience path for callers outside the runtime: one
// builder, one flush, no zome function.
func (c *Cell) Commit(ctx context.Context, b types.ActionBuilder, entry *types.Entry) (hash.Hash, error) {
	if c.Degraded() {
		return hash.Hash{}, ErrDegraded
	}
	scratch := c.chain.NewScratch(chain.Relaxed)
	ah, err := c.chain.Put(ctx, scratch, b, entry)
	if err != nil {
		return hash.Hash{}, err
	}
	if _, err := c.chain.Flush(ctx, scratch); err != nil {
		return hash.Hash{}, err
	}
	c.produceTrigger.Fire()
	return ah, nil
}
