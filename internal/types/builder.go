package types

import (
	"fmt"

	"github.com/roach88/strand/internal/hash"
)

// ActionBuilder is the caller-supplied half of an action. The source
// chain fills in author, prev-action, sequence and timestamp when the
// builder is committed, so callers can describe WHAT to append without
// racing over chain position.
type ActionBuilder struct {
	Type ActionType

	DnaHash hash.Hash

	EntryHash hash.Hash
	EntryType *EntryTypeDecl

	OriginalAction hash.Hash
	OriginalEntry  hash.Hash

	DeletesAction hash.Hash
	DeletesEntry  hash.Hash

	BaseAddress   hash.Hash
	TargetAddress hash.Hash
	ZomeIndex     uint8
	LinkType      uint8
	Tag           []byte

	LinkAddAddress hash.Hash
}

// BuildDna builds the chain-root builder.
func BuildDna(dna hash.Hash) ActionBuilder {
	return ActionBuilder{Type: ActionDna, DnaHash: dna}
}

// BuildAgentValidationPkg builds the genesis membrane-proof builder.
func BuildAgentValidationPkg() ActionBuilder {
	return ActionBuilder{Type: ActionAgentValidationPkg}
}

// BuildCreate builds a Create for the given entry.
func BuildCreate(entryHash hash.Hash, decl EntryTypeDecl) ActionBuilder {
	return ActionBuilder{Type: ActionCreate, EntryHash: entryHash, EntryType: &decl}
}

// BuildUpdate builds an Update superseding originalAction/originalEntry.
func BuildUpdate(entryHash hash.Hash, decl EntryTypeDecl, originalAction, originalEntry hash.Hash) ActionBuilder {
	return ActionBuilder{
		Type:           ActionUpdate,
		EntryHash:      entryHash,
		EntryType:      &decl,
		OriginalAction: originalAction,
		OriginalEntry:  originalEntry,
	}
}

// BuildDelete builds a Delete tombstoning deletesAction/deletesEntry.
func BuildDelete(deletesAction, deletesEntry hash.Hash) ActionBuilder {
	return ActionBuilder{Type: ActionDelete, DeletesAction: deletesAction, DeletesEntry: deletesEntry}
}

// BuildCreateLink builds a CreateLink from base to target.
func BuildCreateLink(base, target hash.Hash, zomeIndex, linkType uint8, tag []byte) ActionBuilder {
	return ActionBuilder{
		Type:          ActionCreateLink,
		BaseAddress:   base,
		TargetAddress: target,
		ZomeIndex:     zomeIndex,
		LinkType:      linkType,
		Tag:           tag,
	}
}

// BuildDeleteLink builds a DeleteLink revoking linkAdd at base.
func BuildDeleteLink(base, linkAdd hash.Hash) ActionBuilder {
	return ActionBuilder{Type: ActionDeleteLink, BaseAddress: base, LinkAddAddress: linkAdd}
}

// BuildCloseChain ends the chain.
func BuildCloseChain() ActionBuilder {
	return ActionBuilder{Type: ActionCloseChain}
}

// BuildOpenChain resumes a migrated chain.
func BuildOpenChain() ActionBuilder {
	return ActionBuilder{Type: ActionOpenChain}
}

// Resolve combines the builder with chain position into a full action.
func (b ActionBuilder) Resolve(author hash.Hash, prev hash.Hash, seq uint32, ts Timestamp) (Action, error) {
	if b.Type == "" {
		return Action{}, fmt.Errorf("action builder missing type")
	}
	if b.Type == ActionDna && seq != 0 {
		return Action{}, fmt.Errorf("dna action must be the chain root")
	}
	if b.Type != ActionDna && prev.IsEmpty() {
		return Action{}, fmt.Errorf("non-root %s action requires a prev action", b.Type)
	}
	return Action{
		Type:           b.Type,
		Author:         author,
		Timestamp:      ts,
		Seq:            seq,
		PrevAction:     prev,
		DnaHash:        b.DnaHash,
		EntryHash:      b.EntryHash,
		EntryType:      b.EntryType,
		OriginalAction: b.OriginalAction,
		OriginalEntry:  b.OriginalEntry,
		DeletesAction:  b.DeletesAction,
		DeletesEntry:   b.DeletesEntry,
		BaseAddress:    b.BaseAddress,
		TargetAddress:  b.TargetAddress,
		ZomeIndex:      b.ZomeIndex,
		LinkType:       b.LinkType,
		Tag:            b.Tag,
		LinkAddAddress: b.LinkAddAddress,
	}, nil
}
