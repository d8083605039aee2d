// Package chain presents one agent's append-only source chain.
//
// The chain is the only place an agent mutates. Writes are staged on a
// Scratch and either committed atomically by Flush or discarded; the
// persisted chain is never truncated. Flush detects racing writers by
// re-reading the persisted head inside the commit transaction and
// comparing it against the head the scratch was opened at.
package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/keystore"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

var (
	// ErrNotInitialized means Open was called before genesis ran.
	ErrNotInitialized = errors.New("source chain not initialized")
	// ErrHeadMoved means another writer advanced the chain past the
	// scratch's starting point. No staged data was persisted.
	ErrHeadMoved = errors.New("source chain head moved")
	// ErrChainClosed means a CloseChain action is persisted; the chain
	// accepts no further writes.
	ErrChainClosed = errors.New("source chain is closed")
)

// Ordering selects the flush conflict policy.
type Ordering int

const (
	// Strict surfaces ErrHeadMoved on any race.
	Strict Ordering = iota
	// Relaxed rebases the staged actions onto the new head and retries
	// once before surfacing ErrHeadMoved.
	Relaxed
)

// Chain is a handle on one agent's chain in the authored store.
type Chain struct {
	store  *store.Store
	signer keystore.Signer
	agent  hash.Hash
	// nowFn is swappable for tests; production uses types.Now.
	nowFn func() types.Timestamp
}

// Genesis initializes an empty chain: the Dna root followed by the
// agent entry. Fails if the chain already has actions.
func Genesis(ctx context.Context, st *store.Store, signer keystore.Signer, agent, dna hash.Hash) (*Chain, error) {
	c := &Chain{store: st, signer: signer, agent: agent, nowFn: types.Now}
	_, _, _, ok, err := st.Head(ctx, agent)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, fmt.Errorf("genesis on existing chain for %s", agent)
	}

	scratch := c.NewScratch(Strict)
	if _, err := c.Put(ctx, scratch, types.BuildDna(dna), nil); err != nil {
		return nil, err
	}
	agentEntry := types.NewAgentEntry(agent)
	decl := types.EntryTypeDecl{Kind: types.EntryKindAgent}
	if _, err := c.Put(ctx, scratch, types.BuildCreate(agentEntry.MustHash(), decl), &agentEntry); err != nil {
		return nil, err
	}
	if _, err := c.Flush(ctx, scratch); err != nil {
		return nil, err
	}
	return c, nil
}

// Open opens an existing chain, rejecting uninitialized ones.
func Open(ctx context.Context, st *store.Store, signer keystore.Signer, agent hash.Hash) (*Chain, error) {
	_, _, _, ok, err := st.Head(ctx, agent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotInitialized, agent)
	}
	return &Chain{store: st, signer: signer, agent: agent, nowFn: types.Now}, nil
}

// Agent returns the chain's author.
func (c *Chain) Agent() hash.Hash {
	return c.agent
}

// Head returns the persisted chain head, or ok=false for an empty
// chain.
func (c *Chain) Head(ctx context.Context) (h hash.Hash, seq uint32, ts types.Timestamp, ok bool, err error) {
	return c.store.Head(ctx, c.agent)
}

// Query scans the persisted chain.
func (c *Chain) Query(ctx context.Context, f store.ChainFilter) ([]types.Record, error) {
	return c.store.QueryChain(ctx, c.agent, f)
}

// Flush commits the scratch in one transaction. On success the scratch
// is consumed and the staged records are returned in chain order; on
// ErrHeadMoved nothing was persisted.
//
// Inside the transaction the persisted head is re-read. If another
// writer advanced it past the scratch's starting point, Strict
// ordering returns ErrHeadMoved; Relaxed ordering rebases the staged
// actions onto the new head and retries once.
func (c *Chain) Flush(ctx context.Context, s *Scratch) ([]types.Record, error) {
	if s.consumed {
		return nil, fmt.Errorf("flush of consumed scratch")
	}
	if len(s.staged) == 0 {
		s.consumed = true
		return nil, nil
	}

	records, err := c.tryFlush(ctx, s)
	if errors.Is(err, ErrHeadMoved) && s.ordering == Relaxed {
		if rbErr := c.rebase(ctx, s); rbErr != nil {
			return nil, rbErr
		}
		records, err = c.tryFlush(ctx, s)
	}
	if err != nil {
		return nil, err
	}
	s.consumed = true
	return records, nil
}

func (c *Chain) tryFlush(ctx context.Context, s *Scratch) ([]types.Record, error) {
	var records []types.Record
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		head, seq, _, ok, err := headTx(tx, c.agent)
		if err != nil {
			return err
		}
		if ok != s.baseOK || (ok && (!head.Equal(s.baseHead) || seq != s.baseSeq)) {
			return fmt.Errorf("%w: agent %s", ErrHeadMoved, c.agent)
		}

		records = records[:0]
		for i := range s.staged {
			item := &s.staged[i]
			if err := store.PutActionTx(tx, &item.signed); err != nil {
				return err
			}
			if item.entry != nil {
				if err := store.PutEntryTx(tx, item.entry); err != nil {
					return err
				}
			}
			records = append(records, types.Record{SignedAction: item.signed, Entry: item.entry})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// rebase re-derives prev/seq/timestamp for every staged action against
// the current persisted head and re-signs them.
func (c *Chain) rebase(ctx context.Context, s *Scratch) error {
	if err := c.primeScratch(ctx, s); err != nil {
		return err
	}
	staged := s.staged
	s.staged = nil
	for i := range staged {
		if _, err := c.Put(ctx, s, staged[i].builder, staged[i].entry); err != nil {
			return err
		}
	}
	return nil
}

// headTx reads the chain head inside an open transaction so the flush
// head-check and the writes share one snapshot.
func headTx(tx *sql.Tx, agent hash.Hash) (h hash.Hash, seq uint32, ts types.Timestamp, ok bool, err error) {
	var raw []byte
	var rowTS int64
	e := tx.QueryRow(`
		SELECT hash, seq, ts FROM action WHERE author = ?
		ORDER BY seq DESC LIMIT 1
	`, agent.Bytes()).Scan(&raw, &seq, &rowTS)
	if e == sql.ErrNoRows {
		return hash.Hash{}, 0, 0, false, nil
	}
	if e != nil {
		return hash.Hash{}, 0, 0, false, e
	}
	h, e = hash.FromBytes(raw)
	if e != nil {
		return hash.Hash{}, 0, 0, false, e
	}
	return h, seq, types.Timestamp(rowTS), true, nil
}
