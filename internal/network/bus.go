// Package network is the message bus between cells.
//
// The core only ever talks to the Bus interface; the in-memory Mesh
// implementation here routes between cells in one process, which is
// all the local runtime and the tests need. Authority for a basis is
// decided by ring arcs over the 32-bit location suffix every hash
// carries.
package network

import (
	"context"
	"errors"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/types"
)

var (
	// ErrUnreachable means no authority for the basis could be reached.
	ErrUnreachable = errors.New("network unreachable")
	// ErrPushback means the remote's limbo is full; retry later.
	ErrPushback = errors.New("remote pushed back on delivery")
)

// ChainStatus summarizes an agent's chain as seen by its activity
// authorities.
type ChainStatus string

const (
	// ChainValid means one linear chain with no invalid actions.
	ChainValid ChainStatus = "valid"
	// ChainForked means two actions claim the same prev.
	ChainForked ChainStatus = "forked"
	// ChainInvalid means at least one action was rejected.
	ChainInvalid ChainStatus = "invalid"
)

// Verdict is the judgment carried by a validation receipt.
type Verdict string

const (
	VerdictValid    Verdict = "valid"
	VerdictRejected Verdict = "rejected"
)

// Receipt is an authority's signed acknowledgment that it validated
// and integrated a published op.
type Receipt struct {
	OpHash    hash.Hash
	Authority hash.Hash
	Verdict   Verdict
	Signature []byte
}

// LinkFilter narrows a remote link query.
type LinkFilter struct {
	ZomeIndex *uint8
	LinkType  *uint8
	TagPrefix []byte
}

// ActivityFilter bounds a remote agent-activity query.
type ActivityFilter struct {
	SeqFrom uint32
	SeqTo   uint32 // 0 means unbounded
	Limit   int
}

// Activity is the answer to an agent-activity query: a bounded chain
// slice plus the authority's view of the chain's standing.
type Activity struct {
	Actions []types.SignedAction
	Status  ChainStatus
	// HighestSeq is the latest sequence the authority has observed,
	// which may exceed the returned slice.
	HighestSeq uint32
}

// Bus is the core's outbound surface.
type Bus interface {
	// Publish disseminates ops to the authorities for basis. Fire and
	// forget: receipts flow back asynchronously via the handler.
	Publish(ctx context.Context, basis hash.Hash, ops []types.Op) error
	// Get fetches StoreRecord/StoreEntry ops held at basis.
	Get(ctx context.Context, basis hash.Hash) ([]types.Op, error)
	// GetLinks fetches link ops based at base.
	GetLinks(ctx context.Context, base hash.Hash, f LinkFilter) ([]types.Op, error)
	// GetAgentActivity fetches a chain slice from activity authorities.
	GetAgentActivity(ctx context.Context, agent hash.Hash, f ActivityFilter) (*Activity, error)
	// SendReceipt pushes a validation receipt back to an op's author.
	SendReceipt(ctx context.Context, author hash.Hash, r Receipt) error
	// AmAuthority reports whether the local node's arc covers basis.
	AmAuthority(basis hash.Hash) bool
}

// Handler is the inbound surface a cell registers with the mesh.
type Handler interface {
	HandleInbound(ctx context.Context, ops []types.Op) error
	HandleGet(ctx context.Context, basis hash.Hash) ([]types.Op, error)
	HandleGetLinks(ctx context.Context, base hash.Hash, f LinkFilter) ([]types.Op, error)
	HandleGetAgentActivity(ctx context.Context, agent hash.Hash, f ActivityFilter) (*Activity, error)
	HandleReceipt(ctx context.Context, r Receipt) error
}
