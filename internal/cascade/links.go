package cascade

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/network"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// GetLinks resolves the links at base. Authorities answer from the
// integrated link index; everyone else fetches the link ops, folds
// them into the cache's index, and queries that.
func (c *Cascade) GetLinks(ctx context.Context, q store.LinkQuery, opts Options) ([]store.Link, error) {
	q.IncludeDead = opts.IncludeDead
	if c.isAuthority(q.Base) {
		return c.dht.QueryLinks(ctx, q)
	}
	if err := c.netFetchLinks(ctx, q.Base, q, opts); err != nil {
		return nil, err
	}
	return c.cache.QueryLinks(ctx, q)
}

// CountLinks counts without materializing records.
func (c *Cascade) CountLinks(ctx context.Context, q store.LinkQuery, opts Options) (int, error) {
	q.IncludeDead = opts.IncludeDead
	if c.isAuthority(q.Base) {
		return c.dht.CountLinks(ctx, q)
	}
	if err := c.netFetchLinks(ctx, q.Base, q, opts); err != nil {
		return 0, err
	}
	return c.cache.CountLinks(ctx, q)
}

// netFetchLinks pulls link ops from the base authorities and folds
// them into the cache's link index. Coalesced per base.
func (c *Cascade) netFetchLinks(ctx context.Context, base hash.Hash, q store.LinkQuery, opts Options) error {
	if c.bus == nil {
		return nil
	}
	key := "links:" + base.String()
	_, err, _ := c.sf.Do(key, func() (any, error) {
		nctx, cancel := context.WithTimeout(ctx, opts.timeout())
		defer cancel()
		raw, err := c.bus.GetLinks(nctx, base, network.LinkFilter{
			ZomeIndex: q.ZomeIndex,
			LinkType:  q.LinkType,
			TagPrefix: q.TagPrefix,
		})
		if err != nil {
			if nctx.Err() != nil {
				return nil, fmt.Errorf("get links %s: %w", base, ErrTimeout)
			}
			return nil, err
		}
		accepted := c.verifyOps(raw)
		return nil, c.cache.WithTx(ctx, func(tx *sql.Tx) error {
			// Adds before removes so a tombstone never races its own
			// CreateLink inside one response.
			for _, kind := range []types.OpKind{types.OpRegisterAddLink, types.OpRegisterRemoveLink} {
				for i := range accepted {
					op := &accepted[i]
					if op.Kind != kind {
						continue
					}
					actionHash, err := op.SignedAction.Hash()
					if err != nil {
						return err
					}
					if err := store.PutActionTx(tx, &op.SignedAction); err != nil {
						return err
					}
					if kind == types.OpRegisterAddLink {
						err = store.InsertLinkTx(tx, actionHash, &op.SignedAction.Action)
					} else {
						err = store.TombstoneLinkTx(tx, op.SignedAction.Action.LinkAddAddress, actionHash)
					}
					if err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	c.touch(ctx, base, 0)
	return nil
}
