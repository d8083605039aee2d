package cascade

import (
	"context"

	"github.com/roach88/strand/internal/hash"
)

// Fetch pulls the given dependency hashes from the network in the
// background, landing whatever arrives in the cache where the
// validators' dependency checks will find it. Satisfies the workflow
// package's DepFetcher.
//
// The caller's context governs only the decision to start; the fetches
// themselves run on a detached context so a runner finishing its batch
// does not cancel them.
func (c *Cascade) Fetch(ctx context.Context, deps []hash.Hash) {
	if c.bus == nil || len(deps) == 0 || ctx.Err() != nil {
		return
	}
	go func() {
		bg := context.Background()
		for _, dep := range deps {
			if _, err := c.netFetch(bg, dep, Options{}); err != nil {
				c.log.Debug("background dep fetch failed", "dep", dep, "error", err)
			}
		}
	}()
}
