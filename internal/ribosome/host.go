// Package ribosome runs application code against a capability-scoped
// host facade.
//
// The runtime never touches stores or the network directly: everything
// it may do is on the Host interface the dispatcher hands it, and the
// dispatcher decides how much of that surface a given invocation gets
// (validation callbacks, for instance, see only deterministic reads).
package ribosome

import (
	"context"

	"github.com/roach88/strand/internal/cascade"
	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// AgentInfo describes the calling cell's agent.
type AgentInfo struct {
	Agent     hash.Hash
	ChainHead hash.Hash
	ChainSeq  uint32
}

// DnaInfo describes the app the cell runs.
type DnaInfo struct {
	DnaHash hash.Hash
	Name    string
}

// Host is everything a zome function may reach. Writes stage into the
// invocation's scratch and only land if the whole call succeeds.
type Host interface {
	// Commit stages an action (with optional entry) onto the calling
	// invocation's scratch and returns its action hash.
	Commit(ctx context.Context, b types.ActionBuilder, entry *types.Entry) (hash.Hash, error)
	// CreateLink stages a link from base to target.
	CreateLink(ctx context.Context, base, target hash.Hash, zomeIndex, linkType uint8, tag []byte) (hash.Hash, error)
	// DeleteLink stages a tombstone for the given CreateLink action.
	DeleteLink(ctx context.Context, createHash hash.Hash) (hash.Hash, error)
	// Get reads a record through the cascade, scratch included.
	Get(ctx context.Context, h hash.Hash, opts cascade.Options) (*types.Record, error)
	// GetLinks reads links through the cascade.
	GetLinks(ctx context.Context, q store.LinkQuery, opts cascade.Options) ([]store.Link, error)
	// Query scans the calling agent's own chain.
	Query(ctx context.Context, f store.ChainFilter) ([]types.Record, error)
	// Sign signs arbitrary bytes with the agent's key.
	Sign(data []byte) ([]byte, error)
	// AgentInfo reports the calling agent and chain position.
	AgentInfo(ctx context.Context) (AgentInfo, error)
	// DnaInfo reports the app identity.
	DnaInfo() DnaInfo
	// RemoteCall invokes a function on another agent's cell, gated by
	// a capability secret the callee checks against its grants.
	RemoteCall(ctx context.Context, agent hash.Hash, zome, function string, capSecret, input []byte) ([]byte, error)
}
