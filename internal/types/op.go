package types

import (
	"fmt"

	"github.com/roach88/strand/internal/hash"
)

// OpKind discriminates the derived facts an action fans out into.
// Each kind is addressed to the authorities for a different basis
// hash, so one committed action updates several neighborhoods of the
// ring at once.
type OpKind string

const (
	// OpStoreRecord stores the full record at the action hash.
	OpStoreRecord OpKind = "store_record"
	// OpStoreEntry stores the entry (with its creating action) at the
	// entry hash. Produced only for Create and Update.
	OpStoreEntry OpKind = "store_entry"
	// OpRegisterAgentActivity appends the action to the author's
	// activity index at the agent hash. Never carries an entry.
	OpRegisterAgentActivity OpKind = "register_agent_activity"
	// OpRegisterUpdatedContent registers an update at the original
	// entry hash.
	OpRegisterUpdatedContent OpKind = "register_updated_content"
	// OpRegisterUpdatedRecord registers an update at the original
	// action hash.
	OpRegisterUpdatedRecord OpKind = "register_updated_record"
	// OpRegisterDeletedBy registers a delete at the deleted action hash.
	OpRegisterDeletedBy OpKind = "register_deleted_by"
	// OpRegisterDeletedEntryAction registers a delete at the deleted
	// entry hash.
	OpRegisterDeletedEntryAction OpKind = "register_deleted_entry_action"
	// OpRegisterAddLink registers a link at its base hash.
	OpRegisterAddLink OpKind = "register_add_link"
	// OpRegisterRemoveLink registers a link removal at the original
	// CreateLink's action hash.
	OpRegisterRemoveLink OpKind = "register_remove_link"
)

// opKindDiscriminants give each kind a stable small integer for
// hashing. Append-only: renumbering would change every op hash in
// every deployed store.
var opKindDiscriminants = map[OpKind]int{
	OpStoreRecord:                1,
	OpStoreEntry:                 2,
	OpRegisterAgentActivity:      3,
	OpRegisterUpdatedContent:     4,
	OpRegisterUpdatedRecord:      5,
	OpRegisterDeletedBy:          6,
	OpRegisterDeletedEntryAction: 7,
	OpRegisterAddLink:            8,
	OpRegisterRemoveLink:         9,
}

// Op is a derived fact about one action, bound for the authorities of
// its basis hash.
type Op struct {
	Kind         OpKind
	SignedAction SignedAction
	// Entry is carried by StoreRecord and StoreEntry for public
	// entries; blank for private entries leaving the author's store
	// and for every other kind.
	Entry *Entry
}

// Basis returns the hash whose authorities must hold this op.
func (op *Op) Basis() (hash.Hash, error) {
	a := &op.SignedAction.Action
	switch op.Kind {
	case OpStoreRecord:
		return a.Hash()
	case OpStoreEntry:
		if a.EntryHash.IsEmpty() {
			return hash.Hash{}, fmt.Errorf("store_entry op for %s action without entry", a.Type)
		}
		return a.EntryHash, nil
	case OpRegisterAgentActivity:
		return a.Author, nil
	case OpRegisterUpdatedContent:
		return a.OriginalEntry, nil
	case OpRegisterUpdatedRecord:
		return a.OriginalAction, nil
	case OpRegisterDeletedBy:
		return a.DeletesAction, nil
	case OpRegisterDeletedEntryAction:
		return a.DeletesEntry, nil
	case OpRegisterAddLink:
		return a.BaseAddress, nil
	case OpRegisterRemoveLink:
		return a.LinkAddAddress, nil
	default:
		return hash.Hash{}, fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// Hash computes the op's identity over (discriminant, action hash,
// entry hash if the action declares one). The entry payload itself is
// excluded so the hash is independent of entry size and of whether a
// private entry was blanked in transit.
func (op *Op) Hash() (hash.Hash, error) {
	disc, ok := opKindDiscriminants[op.Kind]
	if !ok {
		return hash.Hash{}, fmt.Errorf("unknown op kind %q", op.Kind)
	}
	actionHash, err := op.SignedAction.Hash()
	if err != nil {
		return hash.Hash{}, err
	}
	m := map[string]any{
		"kind":        disc,
		"action_hash": actionHash.Bytes(),
	}
	if eh, _, ok := op.SignedAction.Action.EntryData(); ok {
		m["entry_hash"] = eh.Bytes()
	}
	b, err := MarshalCanonical(m)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("hash op: %w", err)
	}
	return hash.Sum(hash.KindOp, b), nil
}

// MustHash panics on marshal failure.
func (op *Op) MustHash() hash.Hash {
	h, err := op.Hash()
	if err != nil {
		panic(err)
	}
	return h
}

// CarriesEntry reports whether this op kind may carry entry bytes.
func (k OpKind) CarriesEntry() bool {
	return k == OpStoreRecord || k == OpStoreEntry
}
