package chain

import (
	"context"
	"fmt"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// Scratch stages actions against a snapshot of the chain head. It
// holds a read-only view of the persisted chain position plus its own
// staged vector; Flush consumes it rather than mutating it in place,
// which is what breaks the cycle between chain head and scratch.
type Scratch struct {
	ordering Ordering
	consumed bool

	// Base is the persisted head observed when the scratch was primed.
	baseOK   bool
	baseHead hash.Hash
	baseSeq  uint32
	baseTS   types.Timestamp

	staged []stagedItem
	primed bool
}

type stagedItem struct {
	builder types.ActionBuilder
	signed  types.SignedAction
	entry   *types.Entry
}

// NewScratch returns an empty staging handle with the given flush
// ordering. The head snapshot is taken lazily on first Put.
func (c *Chain) NewScratch(ordering Ordering) *Scratch {
	return &Scratch{ordering: ordering}
}

// Staged returns the records staged so far, in order.
func (s *Scratch) Staged() []types.Record {
	out := make([]types.Record, len(s.staged))
	for i := range s.staged {
		out[i] = types.Record{SignedAction: s.staged[i].signed, Entry: s.staged[i].entry}
	}
	return out
}

// Len returns the number of staged actions.
func (s *Scratch) Len() int {
	return len(s.staged)
}

// FindAction returns the staged record for h, if any. The cascade
// consults this before the persisted stores.
func (s *Scratch) FindAction(h hash.Hash) (*types.Record, bool) {
	for i := range s.staged {
		if s.staged[i].signed.MustHash().Equal(h) {
			rec := types.Record{SignedAction: s.staged[i].signed, Entry: s.staged[i].entry}
			return &rec, true
		}
	}
	return nil, false
}

// FindEntry returns a staged entry by hash, with its creating action.
func (s *Scratch) FindEntry(h hash.Hash) (*types.Record, bool) {
	for i := range s.staged {
		if eh, _, ok := s.staged[i].signed.Action.EntryData(); ok && eh.Equal(h) {
			rec := types.Record{SignedAction: s.staged[i].signed, Entry: s.staged[i].entry}
			return &rec, true
		}
	}
	return nil, false
}

// Put synthesizes a signed action from the builder and stages it: the
// effective head (staged puts first, then the persisted head) supplies
// prev_action and sequence, the timestamp is floored at the previous
// one plus one microsecond, and the action is signed with the agent's
// key.
func (c *Chain) Put(ctx context.Context, s *Scratch, b types.ActionBuilder, entry *types.Entry) (hash.Hash, error) {
	if s.consumed {
		return hash.Hash{}, fmt.Errorf("put on consumed scratch")
	}
	if !s.primed {
		if err := c.primeScratch(ctx, s); err != nil {
			return hash.Hash{}, err
		}
	}
	if entry != nil {
		if err := entry.CheckSize(); err != nil {
			return hash.Hash{}, err
		}
		declared, _, ok := effectiveEntryHash(&b)
		if !ok {
			return hash.Hash{}, fmt.Errorf("entry supplied for %s action that declares none", b.Type)
		}
		got, err := entry.Hash()
		if err != nil {
			return hash.Hash{}, err
		}
		if !got.Equal(declared) {
			return hash.Hash{}, fmt.Errorf("entry hash mismatch: builder declares %s, entry hashes to %s", declared, got)
		}
	}

	prev, seq, lastTS, err := s.effectiveHead()
	if err != nil {
		return hash.Hash{}, err
	}
	if s.closed() {
		return hash.Hash{}, ErrChainClosed
	}

	ts := c.nowFn()
	if floor := lastTS + 1; ts < floor {
		ts = floor
	}

	action, err := b.Resolve(c.agent, prev, seq, ts)
	if err != nil {
		return hash.Hash{}, err
	}
	msg, err := action.SigningBytes()
	if err != nil {
		return hash.Hash{}, err
	}
	sig, err := c.signer.Sign(c.agent, msg)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("sign action: %w", err)
	}
	sa := types.SignedAction{Action: action, Signature: sig}
	h, err := sa.Hash()
	if err != nil {
		return hash.Hash{}, err
	}
	s.staged = append(s.staged, stagedItem{builder: b, signed: sa, entry: entry})
	return h, nil
}

// primeScratch snapshots the persisted head into the scratch.
func (c *Chain) primeScratch(ctx context.Context, s *Scratch) error {
	head, seq, ts, ok, err := c.store.Head(ctx, c.agent)
	if err != nil {
		return err
	}
	s.baseOK = ok
	s.baseHead = head
	s.baseSeq = seq
	s.baseTS = ts
	s.primed = true

	// A persisted CloseChain blocks all further staging.
	if ok {
		closed, err := c.isClosed(ctx)
		if err != nil {
			return err
		}
		if closed {
			return ErrChainClosed
		}
	}
	return nil
}

func (c *Chain) isClosed(ctx context.Context) (bool, error) {
	recs, err := c.store.QueryChain(ctx, c.agent, store.ChainFilter{
		ActionTypes: []types.ActionType{types.ActionCloseChain},
		Limit:       1,
	})
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// effectiveHead is the scratch's view: the last staged action if any,
// otherwise the persisted base.
func (s *Scratch) effectiveHead() (prev hash.Hash, seq uint32, lastTS types.Timestamp, err error) {
	if n := len(s.staged); n > 0 {
		last := &s.staged[n-1]
		h, err := last.signed.Hash()
		if err != nil {
			return hash.Hash{}, 0, 0, err
		}
		return h, last.signed.Action.Seq + 1, last.signed.Action.Timestamp, nil
	}
	if !s.baseOK {
		return hash.Hash{}, 0, s.baseTS, nil
	}
	return s.baseHead, s.baseSeq + 1, s.baseTS, nil
}

// closed reports whether a CloseChain is already staged.
func (s *Scratch) closed() bool {
	for i := range s.staged {
		if s.staged[i].signed.Action.Type == types.ActionCloseChain {
			return true
		}
	}
	return false
}

func effectiveEntryHash(b *types.ActionBuilder) (hash.Hash, *types.EntryTypeDecl, bool) {
	switch b.Type {
	case types.ActionCreate, types.ActionUpdate:
		return b.EntryHash, b.EntryType, true
	default:
		return hash.Hash{}, nil, false
	}
}
