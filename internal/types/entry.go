package types

import (
	"fmt"

	"github.com/roach88/strand/internal/hash"
)

// MaxEntrySize is the largest entry blob accepted anywhere in the
// system, checked both at authoring and at sys-validation.
const MaxEntrySize = 16 * 1024 * 1024

// EntryVisibility controls whether an entry's bytes may leave the
// authoring agent's store.
type EntryVisibility string

const (
	// Public entries are carried inside ops and served to any peer.
	Public EntryVisibility = "public"
	// Private entries never leave the author's own authored database.
	// Ops derived from them travel with the entry field blanked.
	Private EntryVisibility = "private"
)

// EntryKind discriminates the entry payload.
type EntryKind string

const (
	// EntryKindApp is an application-defined opaque blob.
	EntryKindApp EntryKind = "app"
	// EntryKindAgent wraps an agent public key (chain genesis).
	EntryKindAgent EntryKind = "agent"
	// EntryKindCapGrant authorizes remote calls against this chain.
	EntryKindCapGrant EntryKind = "cap_grant"
	// EntryKindCapClaim records a grant received from another agent.
	EntryKindCapClaim EntryKind = "cap_claim"
	// EntryKindCounterSign carries a multi-party signing session payload.
	EntryKindCounterSign EntryKind = "countersign"
)

// AppEntryType locates an app entry's definition in the manifest.
type AppEntryType struct {
	ZomeIndex  uint8           `json:"zome_index" yaml:"zome_index"`
	EntryIndex uint8           `json:"entry_index" yaml:"entry_index"`
	Visibility EntryVisibility `json:"visibility" yaml:"visibility"`
}

// Entry is the payload referenced by an action.
//
// The blob is opaque to the runtime for app entries; for the system
// kinds it holds the canonical serialization of the system payload
// (agent key, grant, claim, or countersigning session).
type Entry struct {
	Kind EntryKind
	// Visibility applies to app entries; system entries are public
	// except cap grants and claims, which are always private.
	Visibility EntryVisibility
	Blob       []byte
}

// NewAppEntry builds an application entry.
func NewAppEntry(blob []byte, visibility EntryVisibility) Entry {
	return Entry{Kind: EntryKindApp, Visibility: visibility, Blob: blob}
}

// NewAgentEntry wraps an agent key for the chain genesis record.
func NewAgentEntry(agent hash.Hash) Entry {
	return Entry{Kind: EntryKindAgent, Visibility: Public, Blob: agent.Bytes()}
}

// NewCapGrantEntry records a capability grant. Grants are private:
// leaking one would leak the secret it carries.
func NewCapGrantEntry(payload []byte) Entry {
	return Entry{Kind: EntryKindCapGrant, Visibility: Private, Blob: payload}
}

// NewCapClaimEntry records a received capability grant.
func NewCapClaimEntry(payload []byte) Entry {
	return Entry{Kind: EntryKindCapClaim, Visibility: Private, Blob: payload}
}

// NewCounterSignEntry carries a countersigning session payload.
func NewCounterSignEntry(payload []byte) Entry {
	return Entry{Kind: EntryKindCounterSign, Visibility: Public, Blob: payload}
}

// IsPrivate reports whether the entry's bytes are confined to the
// author's store.
func (e Entry) IsPrivate() bool {
	return e.Visibility == Private
}

// CheckSize enforces MaxEntrySize.
func (e Entry) CheckSize() error {
	if len(e.Blob) > MaxEntrySize {
		return fmt.Errorf("entry of %d bytes exceeds maximum %d", len(e.Blob), MaxEntrySize)
	}
	return nil
}

// canonicalMap is the hashing/wire form of the entry. Visibility is
// deliberately excluded: visibility is declared by the referencing
// action's entry type, and hashing it here would let the same bytes
// hash differently under the two visibilities.
func (e Entry) canonicalMap() map[string]any {
	return map[string]any{
		"kind": string(e.Kind),
		"blob": e.Blob,
	}
}

// Hash computes the entry's content address.
func (e Entry) Hash() (hash.Hash, error) {
	b, err := MarshalCanonical(e.canonicalMap())
	if err != nil {
		return hash.Hash{}, fmt.Errorf("hash entry: %w", err)
	}
	return hash.Sum(hash.KindEntry, b), nil
}

// MustHash is Hash panicking on error; entries built through the
// constructors above cannot fail to marshal.
func (e Entry) MustHash() hash.Hash {
	h, err := e.Hash()
	if err != nil {
		panic(err)
	}
	return h
}
