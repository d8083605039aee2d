package workflow

import (
	"context"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
	"github.com/roach88/strand/internal/validation"
)

// ChainedDeps resolves dependency hashes against several stores in
// order; the authored store is consulted before the DHT so an agent's
// own private data stays reachable for its own validations.
type ChainedDeps struct {
	Stores []*store.Store
}

var _ validation.DepSource = (*ChainedDeps)(nil)

// GetAction returns the first hit across the chained stores.
func (c *ChainedDeps) GetAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error) {
	for _, s := range c.Stores {
		sa, err := s.GetAction(ctx, h)
		if err != nil || sa != nil {
			return sa, err
		}
	}
	return nil, nil
}

// GetEntry returns the first hit across the chained stores.
func (c *ChainedDeps) GetEntry(ctx context.Context, h hash.Hash) (*types.Entry, error) {
	for _, s := range c.Stores {
		e, err := s.GetEntry(ctx, h)
		if err != nil || e != nil {
			return e, err
		}
	}
	return nil, nil
}

// has reports whether h resolves as either an action or an entry.
func (c *ChainedDeps) has(ctx context.Context, h hash.Hash) (bool, error) {
	if sa, err := c.GetAction(ctx, h); err != nil || sa != nil {
		return sa != nil, err
	}
	e, err := c.GetEntry(ctx, h)
	return e != nil, err
}

// DepFetcher asks the read path to pull missing hashes from the
// network in the background. Implementations must not block the
// calling runner.
type DepFetcher interface {
	Fetch(ctx context.Context, deps []hash.Hash)
}

// NoFetch is the fetcher for cells without a network.
type NoFetch struct{}

// Fetch does nothing.
func (NoFetch) Fetch(context.Context, []hash.Hash) {}
