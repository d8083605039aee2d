package cell

import (
	"context"
	"fmt"

	"github.com/roach88/strand/internal/cascade"
	"github.com/roach88/strand/internal/chain"
	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/ribosome"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// hostCtx is the Host handed to one zome invocation. Writes go to the
// invocation's scratch; reads go through a cascade view that consults
// the same scratch first, so a function sees its own staged writes.
type hostCtx struct {
	cell    *Cell
	scratch *chain.Scratch
	reads   *cascade.Cascade
}

var _ ribosome.Host = (*hostCtx)(nil)

func (h *hostCtx) Commit(ctx context.Context, b types.ActionBuilder, entry *types.Entry) (hash.Hash, error) {
	return h.cell.chain.Put(ctx, h.scratch, b, entry)
}

func (h *hostCtx) CreateLink(ctx context.Context, base, target hash.Hash, zomeIndex, linkType uint8, tag []byte) (hash.Hash, error) {
	return h.cell.chain.Put(ctx, h.scratch, types.BuildCreateLink(base, target, zomeIndex, linkType, tag), nil)
}

func (h *hostCtx) DeleteLink(ctx context.Context, createHash hash.Hash) (hash.Hash, error) {
	rec, err := h.reads.GetRecord(ctx, createHash, cascade.Options{})
	if err != nil {
		return hash.Hash{}, err
	}
	if rec == nil {
		return hash.Hash{}, fmt.Errorf("delete link: %s not found", createHash)
	}
	a := &rec.SignedAction.Action
	if a.Type != types.ActionCreateLink {
		return hash.Hash{}, fmt.Errorf("delete link: %s is a %s action, not a create link", createHash, a.Type)
	}
	return h.cell.chain.Put(ctx, h.scratch, types.BuildDeleteLink(a.BaseAddress, createHash), nil)
}

func (h *hostCtx) Get(ctx context.Context, target hash.Hash, opts cascade.Options) (*types.Record, error) {
	return h.reads.GetRecord(ctx, target, opts)
}

func (h *hostCtx) GetLinks(ctx context.Context, q store.LinkQuery, opts cascade.Options) ([]store.Link, error) {
	return h.reads.GetLinks(ctx, q, opts)
}

func (h *hostCtx) Query(ctx context.Context, f store.ChainFilter) ([]types.Record, error) {
	return h.cell.chain.Query(ctx, f)
}

func (h *hostCtx) Sign(data []byte) ([]byte, error) {
	return h.cell.ks.Sign(h.cell.agent, data)
}

// AgentInfo reports the chain position as the invocation sees it, with
// the scratch's staged actions counted as the head.
func (h *hostCtx) AgentInfo(ctx context.Context) (ribosome.AgentInfo, error) {
	if staged := h.scratch.Staged(); len(staged) > 0 {
		last := staged[len(staged)-1].SignedAction
		lh, err := last.Hash()
		if err != nil {
			return ribosome.AgentInfo{}, err
		}
		return ribosome.AgentInfo{Agent: h.cell.agent, ChainHead: lh, ChainSeq: last.Action.Seq}, nil
	}
	head, seq, _, ok, err := h.cell.chain.Head(ctx)
	if err != nil {
		return ribosome.AgentInfo{}, err
	}
	if !ok {
		return ribosome.AgentInfo{}, fmt.Errorf("agent %s has no chain", h.cell.agent)
	}
	return ribosome.AgentInfo{Agent: h.cell.agent, ChainHead: head, ChainSeq: seq}, nil
}

func (h *hostCtx) DnaInfo() ribosome.DnaInfo {
	return ribosome.DnaInfo{DnaHash: h.cell.dna, Name: h.cell.manifest.Name}
}

func (h *hostCtx) RemoteCall(ctx context.Context, agent hash.Hash, zome, function string, capSecret, input []byte) ([]byte, error) {
	if h.cell.remote == nil {
		return nil, fmt.Errorf("remote call: no directory configured")
	}
	target, ok := h.cell.remote.CellFor(agent)
	if !ok {
		return nil, fmt.Errorf("remote call: no cell for agent %s", agent)
	}
	res, err := target.CallZome(ctx, Invocation{
		Zome:       zome,
		Function:   function,
		Input:      input,
		Provenance: h.cell.agent,
		CapSecret:  capSecret,
	})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}
