package cell

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// ErrUnauthorized means a remote caller presented no matching
// capability grant.
var ErrUnauthorized = errors.New("no capability grant covers this call")

// CapGrant is the payload of a capability-grant entry on the grantor's
// chain. Empty Zome or Functions means unrestricted on that axis.
type CapGrant struct {
	Secret    []byte   `json:"secret"`
	Zome      string   `json:"zome,omitempty"`
	Functions []string `json:"functions,omitempty"`
}

// Allows reports whether the grant covers the call. The secret compare
// is constant time.
func (g *CapGrant) Allows(zome, function string, secret []byte) bool {
	if len(g.Secret) == 0 || len(secret) != len(g.Secret) {
		return false
	}
	if subtle.ConstantTimeCompare(g.Secret, secret) != 1 {
		return false
	}
	if g.Zome != "" && g.Zome != zome {
		return false
	}
	if len(g.Functions) == 0 {
		return true
	}
	for _, f := range g.Functions {
		if f == function {
			return true
		}
	}
	return false
}

// GrantCapability commits a grant entry to the cell's chain and returns
// the grant's action hash. Deleting that action revokes the grant.
func (c *Cell) GrantCapability(ctx context.Context, g CapGrant) (hash.Hash, error) {
	if len(g.Secret) == 0 {
		return hash.Hash{}, fmt.Errorf("capability grant requires a secret")
	}
	payload, err := json.Marshal(g)
	if err != nil {
		return hash.Hash{}, err
	}
	entry := types.NewCapGrantEntry(payload)
	eh, err := entry.Hash()
	if err != nil {
		return hash.Hash{}, err
	}
	decl := types.EntryTypeDecl{Kind: types.EntryKindCapGrant}
	return c.Commit(ctx, types.BuildCreate(eh, decl), &entry)
}

// RevokeCapability tombstones a grant's create action.
func (c *Cell) RevokeCapability(ctx context.Context, grantAction hash.Hash) (hash.Hash, error) {
	rec, err := c.authored.GetRecord(ctx, grantAction)
	if err != nil {
		return hash.Hash{}, err
	}
	if rec == nil || rec.Entry == nil || rec.Entry.Kind != types.EntryKindCapGrant {
		return hash.Hash{}, fmt.Errorf("revoke: %s is not a capability grant", grantAction)
	}
	return c.Commit(ctx, types.BuildDelete(grantAction, rec.SignedAction.Action.EntryHash), nil)
}

// checkGrant scans the cell's own chain for a live grant covering the
// call. Grants whose create action has been deleted do not count.
func (c *Cell) checkGrant(ctx context.Context, zome, function string, secret []byte) error {
	recs, err := c.chain.Query(ctx, store.ChainFilter{
		ActionTypes: []types.ActionType{types.ActionCreate, types.ActionDelete},
	})
	if err != nil {
		return err
	}

	revoked := make(map[hash.Hash]struct{})
	for i := range recs {
		a := &recs[i].SignedAction.Action
		if a.Type == types.ActionDelete {
			revoked[a.DeletesAction] = struct{}{}
		}
	}
	for i := range recs {
		rec := &recs[i]
		if rec.Entry == nil || rec.Entry.Kind != types.EntryKindCapGrant {
			continue
		}
		ah, err := rec.SignedAction.Hash()
		if err != nil {
			return err
		}
		if _, gone := revoked[ah]; gone {
			continue
		}
		var g CapGrant
		if err := json.Unmarshal(rec.Entry.Blob, &g); err != nil {
			c.log.Warn("malformed capability grant on chain", "action", ah, "error", err)
			continue
		}
		if g.Allows(zome, function, secret) {
			return nil
		}
	}
	return ErrUnauthorized
}

// RemoteDirectory resolves agents to in-process cells for remote calls.
type RemoteDirectory interface {
	CellFor(agent hash.Hash) (*Cell, bool)
}

// Directory is the in-process RemoteDirectory. Cells registered here
// can call each other's zome functions, grant permitting.
type Directory struct {
	mu    sync.RWMutex
	cells map[hash.Hash]*Cell
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{cells: make(map[hash.Hash]*Cell)}
}

// Register adds a cell and points it back at the directory.
func (d *Directory) Register(c *Cell) {
	d.mu.Lock()
	d.cells[c.Agent()] = c
	d.mu.Unlock()
	c.SetRemoteDirectory(d)
}

// CellFor implements RemoteDirectory.
func (d *Directory) CellFor(agent hash.Hash) (*Cell, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.cells[agent]
	return c, ok
}
