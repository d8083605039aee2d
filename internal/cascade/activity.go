package cascade

import (
	"context"
	"sort"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/network"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// GetAgentActivity returns a bounded slice of agent's chain together
// with the chain's standing as the activity authorities see it.
func (c *Cascade) GetAgentActivity(ctx context.Context, agent hash.Hash, f network.ActivityFilter, opts Options) (*network.Activity, error) {
	if c.isAuthority(agent) {
		return c.LocalActivity(ctx, agent, f)
	}
	nctx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()
	act, err := c.bus.GetAgentActivity(nctx, agent, f)
	if err != nil && nctx.Err() != nil {
		return nil, ErrTimeout
	}
	return act, err
}

// LocalActivity builds the activity answer from the integrated
// RegisterAgentActivity ops this node holds for agent. Exported
// because the cell serves inbound activity queries with it.
func (c *Cascade) LocalActivity(ctx context.Context, agent hash.Hash, f network.ActivityFilter) (*network.Activity, error) {
	rows, err := c.dht.QueryByBasis(ctx, agent, store.BasisFilter{
		Kinds:          []types.OpKind{types.OpRegisterAgentActivity},
		IntegratedOnly: true,
	})
	if err != nil {
		return nil, err
	}

	status := network.ChainValid
	bySeq := map[uint32]hash.Hash{}
	var actions []types.SignedAction
	var highest uint32

	for i := range rows {
		if rows[i].Status == store.StatusRejected {
			status = network.ChainInvalid
		}
		sa, err := c.dht.GetAction(ctx, rows[i].ActionHash)
		if err != nil {
			return nil, err
		}
		if sa == nil {
			return nil, &store.Error{Code: store.CodeCorruption, Hash: rows[i].Hash, Message: "activity op points at missing action"}
		}
		seq := sa.Action.Seq
		if prior, seen := bySeq[seq]; seen {
			if !prior.Equal(rows[i].ActionHash) && status == network.ChainValid {
				status = network.ChainForked
			}
		} else {
			bySeq[seq] = rows[i].ActionHash
		}
		if seq > highest {
			highest = seq
		}
		actions = append(actions, *sa)
	}

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].Action.Seq < actions[j].Action.Seq
	})
	actions = sliceActivity(actions, f)
	return &network.Activity{Actions: actions, Status: status, HighestSeq: highest}, nil
}

func sliceActivity(actions []types.SignedAction, f network.ActivityFilter) []types.SignedAction {
	out := actions[:0:0]
	for _, sa := range actions {
		if sa.Action.Seq < f.SeqFrom {
			continue
		}
		if f.SeqTo > 0 && sa.Action.Seq > f.SeqTo {
			continue
		}
		out = append(out, sa)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}
