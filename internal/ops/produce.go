// Package ops derives the operations a committed action fans out into.
//
// Production is pure: the same (action, entry) pair always yields the
// same ops with the same hashes, regardless of when or where it runs.
// All store and network effects live in the workflow runners.
package ops

import (
	"fmt"

	"github.com/roach88/strand/internal/types"
)

// Destination selects which store the produced ops are bound for.
// Private entry bytes may ride along only into the author's own store.
type Destination int

const (
	// Authored keeps private entries attached.
	Authored Destination = iota
	// Gossip blanks private entries before the ops leave the author.
	Gossip
)

// Produce derives every op the action generates, in a fixed order:
// StoreRecord, StoreEntry (Create/Update only), RegisterAgentActivity,
// then the type-specific registrations.
func Produce(sa types.SignedAction, entry *types.Entry, dest Destination) ([]types.Op, error) {
	carried, err := carriedEntry(&sa.Action, entry, dest)
	if err != nil {
		return nil, err
	}

	out := make([]types.Op, 0, 4)
	out = append(out, types.Op{Kind: types.OpStoreRecord, SignedAction: sa, Entry: carried})
	if _, _, ok := sa.Action.EntryData(); ok {
		out = append(out, types.Op{Kind: types.OpStoreEntry, SignedAction: sa, Entry: carried})
	}
	out = append(out, types.Op{Kind: types.OpRegisterAgentActivity, SignedAction: sa})

	switch sa.Action.Type {
	case types.ActionUpdate:
		out = append(out,
			types.Op{Kind: types.OpRegisterUpdatedContent, SignedAction: sa},
			types.Op{Kind: types.OpRegisterUpdatedRecord, SignedAction: sa},
		)
	case types.ActionDelete:
		out = append(out,
			types.Op{Kind: types.OpRegisterDeletedBy, SignedAction: sa},
			types.Op{Kind: types.OpRegisterDeletedEntryAction, SignedAction: sa},
		)
	case types.ActionCreateLink:
		out = append(out, types.Op{Kind: types.OpRegisterAddLink, SignedAction: sa})
	case types.ActionDeleteLink:
		out = append(out, types.Op{Kind: types.OpRegisterRemoveLink, SignedAction: sa})
	}
	return out, nil
}

// ProduceRecord is Produce over a record.
func ProduceRecord(rec types.Record, dest Destination) ([]types.Op, error) {
	return Produce(rec.SignedAction, rec.Entry, dest)
}

// ForGossip returns a copy of op safe to hand to other agents: private
// entry bytes are stripped. The op hash is unchanged because it covers
// the declared entry hash, not the payload.
func ForGossip(op types.Op) types.Op {
	if op.Entry != nil && op.Entry.Visibility == types.Private {
		op.Entry = nil
	}
	return op
}

// carriedEntry resolves the entry field shared by StoreRecord and
// StoreEntry for this action and destination.
func carriedEntry(a *types.Action, entry *types.Entry, dest Destination) (*types.Entry, error) {
	eh, decl, ok := a.EntryData()
	if !ok {
		if entry != nil {
			return nil, fmt.Errorf("entry supplied for %s action that declares none", a.Type)
		}
		return nil, nil
	}
	if decl.Visibility() == types.Private && dest == Gossip {
		return nil, nil
	}
	if entry == nil {
		// Tolerated for private entries already blanked upstream.
		if decl.Visibility() == types.Private {
			return nil, nil
		}
		return nil, fmt.Errorf("%s action declares public entry %s but none was supplied", a.Type, eh)
	}
	got, err := entry.Hash()
	if err != nil {
		return nil, err
	}
	if !got.Equal(eh) {
		return nil, fmt.Errorf("entry hash mismatch: action declares %s, entry hashes to %s", eh, got)
	}
	return entry, nil
}
