package types

import (
	"fmt"

	"github.com/roach88/strand/internal/hash"
)

// ActionType discriminates the chain action variants.
type ActionType string

const (
	// ActionDna is the chain root, sequence 0, declaring the app.
	ActionDna ActionType = "dna"
	// ActionAgentValidationPkg carries the membrane proof at genesis.
	ActionAgentValidationPkg ActionType = "agent_validation_pkg"
	// ActionCreate writes a new entry.
	ActionCreate ActionType = "create"
	// ActionUpdate supersedes an earlier create/update.
	ActionUpdate ActionType = "update"
	// ActionDelete tombstones an earlier action and its entry.
	ActionDelete ActionType = "delete"
	// ActionCreateLink attaches a typed, tagged edge between two hashes.
	ActionCreateLink ActionType = "create_link"
	// ActionDeleteLink revokes an earlier CreateLink.
	ActionDeleteLink ActionType = "delete_link"
	// ActionOpenChain resumes a chain migrated from elsewhere.
	ActionOpenChain ActionType = "open_chain"
	// ActionCloseChain ends the chain; no writes may follow it.
	ActionCloseChain ActionType = "close_chain"
)

// EntryTypeDecl is the action-side declaration of its entry's type.
// Visibility lives here, not in the entry, so an action's ops can be
// produced without consulting the entry bytes.
type EntryTypeDecl struct {
	Kind EntryKind
	App  *AppEntryType // set only for EntryKindApp
}

// Visibility resolves the declared visibility.
func (d EntryTypeDecl) Visibility() EntryVisibility {
	switch d.Kind {
	case EntryKindApp:
		if d.App != nil {
			return d.App.Visibility
		}
		return Public
	case EntryKindCapGrant, EntryKindCapClaim:
		return Private
	default:
		return Public
	}
}

// Action is one element of a source chain.
//
// All variants share author, prev-action, sequence and timestamp; the
// remaining fields are populated per Type and ignored otherwise. A
// single struct (rather than an interface per variant) keeps the
// canonical codec, the database row mapping and the exhaustive
// switches in the op producer in one shape.
type Action struct {
	Type      ActionType
	Author    hash.Hash
	Timestamp Timestamp
	Seq       uint32
	// PrevAction is empty only for the Dna root.
	PrevAction hash.Hash

	// Dna root.
	DnaHash hash.Hash

	// Create / Update.
	EntryHash hash.Hash
	EntryType *EntryTypeDecl

	// Update.
	OriginalAction hash.Hash
	OriginalEntry  hash.Hash

	// Delete.
	DeletesAction hash.Hash
	DeletesEntry  hash.Hash

	// CreateLink.
	BaseAddress   hash.Hash
	TargetAddress hash.Hash
	ZomeIndex     uint8
	LinkType      uint8
	Tag           []byte

	// DeleteLink. BaseAddress is shared with CreateLink so the op
	// producer can address RegisterRemoveLink authorities without
	// fetching the original link action.
	LinkAddAddress hash.Hash
}

// IsRoot reports whether the action is a chain root.
func (a *Action) IsRoot() bool {
	return a.Type == ActionDna
}

// EntryData returns the declared entry hash and type, if any.
func (a *Action) EntryData() (hash.Hash, *EntryTypeDecl, bool) {
	switch a.Type {
	case ActionCreate, ActionUpdate:
		return a.EntryHash, a.EntryType, true
	default:
		return hash.Hash{}, nil, false
	}
}

// canonicalMap builds the hashing/signing form. Absent fields are
// omitted entirely so that adding a variant never perturbs the hashes
// of existing ones.
func (a *Action) canonicalMap() (map[string]any, error) {
	m := map[string]any{
		"type":      string(a.Type),
		"author":    a.Author.Bytes(),
		"timestamp": a.Timestamp,
		"seq":       a.Seq,
	}
	if !a.PrevAction.IsEmpty() {
		m["prev_action"] = a.PrevAction.Bytes()
	}

	switch a.Type {
	case ActionDna:
		if a.Seq != 0 {
			return nil, fmt.Errorf("dna action must have seq 0, got %d", a.Seq)
		}
		m["dna_hash"] = a.DnaHash.Bytes()
	case ActionAgentValidationPkg, ActionOpenChain, ActionCloseChain:
		// Shared fields only.
	case ActionCreate:
		m["entry_hash"] = a.EntryHash.Bytes()
		if err := putEntryType(m, a.EntryType); err != nil {
			return nil, err
		}
	case ActionUpdate:
		m["entry_hash"] = a.EntryHash.Bytes()
		m["original_action"] = a.OriginalAction.Bytes()
		m["original_entry"] = a.OriginalEntry.Bytes()
		if err := putEntryType(m, a.EntryType); err != nil {
			return nil, err
		}
	case ActionDelete:
		m["deletes_action"] = a.DeletesAction.Bytes()
		m["deletes_entry"] = a.DeletesEntry.Bytes()
	case ActionCreateLink:
		m["base_address"] = a.BaseAddress.Bytes()
		m["target_address"] = a.TargetAddress.Bytes()
		m["zome_index"] = a.ZomeIndex
		m["link_type"] = a.LinkType
		m["tag"] = a.Tag
	case ActionDeleteLink:
		m["base_address"] = a.BaseAddress.Bytes()
		m["link_add_address"] = a.LinkAddAddress.Bytes()
	default:
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
	return m, nil
}

// SigningBytes returns the canonical serialization the author signs.
// The action hash is computed over these same bytes.
func (a *Action) SigningBytes() ([]byte, error) {
	m, err := a.canonicalMap()
	if err != nil {
		return nil, fmt.Errorf("action signing bytes: %w", err)
	}
	return MarshalCanonical(m)
}

// Hash computes the action's content address over the unsigned action.
func (a *Action) Hash() (hash.Hash, error) {
	b, err := a.SigningBytes()
	if err != nil {
		return hash.Hash{}, err
	}
	return hash.Sum(hash.KindAction, b), nil
}

// SignedAction pairs an action with its author's signature over
// SigningBytes.
type SignedAction struct {
	Action    Action
	Signature []byte
}

// Hash is the hash of the inner (unsigned) action.
func (sa *SignedAction) Hash() (hash.Hash, error) {
	return sa.Action.Hash()
}

// MustHash panics on marshal failure; signed actions read back from a
// store are already known well-formed.
func (sa *SignedAction) MustHash() hash.Hash {
	h, err := sa.Hash()
	if err != nil {
		panic(err)
	}
	return h
}

func putEntryType(m map[string]any, decl *EntryTypeDecl) error {
	if decl == nil {
		return fmt.Errorf("create/update action missing entry type declaration")
	}
	et := map[string]any{"kind": string(decl.Kind)}
	if decl.Kind == EntryKindApp {
		if decl.App == nil {
			return fmt.Errorf("app entry type declaration missing indices")
		}
		et["zome_index"] = decl.App.ZomeIndex
		et["entry_index"] = decl.App.EntryIndex
		et["visibility"] = string(decl.App.Visibility)
	}
	m["entry_type"] = et
	return nil
}
