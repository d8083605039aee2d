package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/types"
)

// Mesh routes between cells registered in one process. It is the only
// Bus implementation the local runtime ships; its routing mirrors what
// a real transport would do, so a cell cannot tell the difference
// through the interface.
type Mesh struct {
	mu    sync.RWMutex
	nodes map[hash.Hash]*meshNode
}

type meshNode struct {
	agent   hash.Hash
	arc     Arc
	handler Handler
}

// NewMesh returns an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{nodes: map[hash.Hash]*meshNode{}}
}

// Join registers a cell's handler under its agent with the given
// authority arc and returns the cell's Bus endpoint.
func (m *Mesh) Join(agent hash.Hash, arc Arc, h Handler) *Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[agent] = &meshNode{agent: agent, arc: arc, handler: h}
	return &Endpoint{mesh: m, agent: agent}
}

// Leave removes a cell from the mesh.
func (m *Mesh) Leave(agent hash.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, agent)
}

// authorities snapshots the nodes whose arc covers loc.
func (m *Mesh) authorities(loc uint32) []*meshNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*meshNode
	for _, n := range m.nodes {
		if n.arc.Contains(loc) {
			out = append(out, n)
		}
	}
	return out
}

func (m *Mesh) lookup(agent hash.Hash) *meshNode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[agent]
}

// Endpoint is one cell's view of the mesh.
type Endpoint struct {
	mesh  *Mesh
	agent hash.Hash
}

var _ Bus = (*Endpoint)(nil)

// Publish delivers ops to every authority for basis except the sender.
// A pushback from one authority does not stop delivery to the rest.
func (e *Endpoint) Publish(ctx context.Context, basis hash.Hash, ops []types.Op) error {
	nodes := e.mesh.authorities(basis.Loc())
	var delivered int
	var lastErr error
	for _, n := range nodes {
		if n.agent.Equal(e.agent) {
			continue
		}
		if err := n.handler.HandleInbound(ctx, ops); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 && lastErr != nil {
		return fmt.Errorf("publish to %s: %w", basis, lastErr)
	}
	return nil
}

// Get asks the basis authorities in turn and returns the first
// non-empty answer. No covering node at all is ErrUnreachable; covered
// but empty is a legitimate "not found" and returns nil ops.
func (e *Endpoint) Get(ctx context.Context, basis hash.Hash) ([]types.Op, error) {
	nodes := e.mesh.authorities(basis.Loc())
	reached := false
	for _, n := range nodes {
		if n.agent.Equal(e.agent) {
			continue
		}
		ops, err := n.handler.HandleGet(ctx, basis)
		if err != nil {
			continue
		}
		reached = true
		if len(ops) > 0 {
			return ops, nil
		}
	}
	if !reached {
		return nil, fmt.Errorf("get %s: %w", basis, ErrUnreachable)
	}
	return nil, nil
}

// GetLinks mirrors Get for link ops at base.
func (e *Endpoint) GetLinks(ctx context.Context, base hash.Hash, f LinkFilter) ([]types.Op, error) {
	nodes := e.mesh.authorities(base.Loc())
	reached := false
	for _, n := range nodes {
		if n.agent.Equal(e.agent) {
			continue
		}
		ops, err := n.handler.HandleGetLinks(ctx, base, f)
		if err != nil {
			continue
		}
		reached = true
		if len(ops) > 0 {
			return ops, nil
		}
	}
	if !reached {
		return nil, fmt.Errorf("get links %s: %w", base, ErrUnreachable)
	}
	return nil, nil
}

// GetAgentActivity asks the agent's activity authorities.
func (e *Endpoint) GetAgentActivity(ctx context.Context, agent hash.Hash, f ActivityFilter) (*Activity, error) {
	nodes := e.mesh.authorities(agent.Loc())
	for _, n := range nodes {
		if n.agent.Equal(e.agent) {
			continue
		}
		act, err := n.handler.HandleGetAgentActivity(ctx, agent, f)
		if err != nil {
			continue
		}
		if act != nil {
			return act, nil
		}
	}
	return nil, fmt.Errorf("get agent activity %s: %w", agent, ErrUnreachable)
}

// SendReceipt routes a validation receipt back to the op's author.
func (e *Endpoint) SendReceipt(ctx context.Context, author hash.Hash, r Receipt) error {
	n := e.mesh.lookup(author)
	if n == nil {
		return fmt.Errorf("send receipt to %s: %w", author, ErrUnreachable)
	}
	return n.handler.HandleReceipt(ctx, r)
}

// AmAuthority reports whether this endpoint's registered arc covers
// basis.
func (e *Endpoint) AmAuthority(basis hash.Hash) bool {
	n := e.mesh.lookup(e.agent)
	if n == nil {
		return false
	}
	return n.arc.Contains(basis.Loc())
}
