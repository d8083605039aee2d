package types

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/strand/internal/hash"
)

// Wire codec for actions and entries. These are the blobs written to
// database rows and carried in network payloads. Hashing never runs
// over these bytes (see MarshalCanonical), so the codec is free to be
// a plain reversible JSON mapping.

type wireEntryType struct {
	Kind       string `json:"kind"`
	ZomeIndex  uint8  `json:"zome_index,omitempty"`
	EntryIndex uint8  `json:"entry_index,omitempty"`
	Visibility string `json:"visibility,omitempty"`
}

type wireAction struct {
	Type           string         `json:"type"`
	Author         []byte         `json:"author"`
	Timestamp      int64          `json:"timestamp"`
	Seq            uint32         `json:"seq"`
	PrevAction     []byte         `json:"prev_action,omitempty"`
	DnaHash        []byte         `json:"dna_hash,omitempty"`
	EntryHash      []byte         `json:"entry_hash,omitempty"`
	EntryType      *wireEntryType `json:"entry_type,omitempty"`
	OriginalAction []byte         `json:"original_action,omitempty"`
	OriginalEntry  []byte         `json:"original_entry,omitempty"`
	DeletesAction  []byte         `json:"deletes_action,omitempty"`
	DeletesEntry   []byte         `json:"deletes_entry,omitempty"`
	BaseAddress    []byte         `json:"base_address,omitempty"`
	TargetAddress  []byte         `json:"target_address,omitempty"`
	ZomeIndex      uint8          `json:"zome_index,omitempty"`
	LinkType       uint8          `json:"link_type,omitempty"`
	Tag            []byte         `json:"tag,omitempty"`
	LinkAddAddress []byte         `json:"link_add_address,omitempty"`
	Signature      []byte         `json:"signature"`
}

type wireEntry struct {
	Kind       string `json:"kind"`
	Visibility string `json:"visibility"`
	Blob       []byte `json:"blob"`
}

// EncodeSignedAction serializes a signed action for storage or wire.
func EncodeSignedAction(sa *SignedAction) ([]byte, error) {
	a := &sa.Action
	w := wireAction{
		Type:           string(a.Type),
		Author:         a.Author.Bytes(),
		Timestamp:      int64(a.Timestamp),
		Seq:            a.Seq,
		PrevAction:     hashBytesOrNil(a.PrevAction),
		DnaHash:        hashBytesOrNil(a.DnaHash),
		EntryHash:      hashBytesOrNil(a.EntryHash),
		OriginalAction: hashBytesOrNil(a.OriginalAction),
		OriginalEntry:  hashBytesOrNil(a.OriginalEntry),
		DeletesAction:  hashBytesOrNil(a.DeletesAction),
		DeletesEntry:   hashBytesOrNil(a.DeletesEntry),
		BaseAddress:    hashBytesOrNil(a.BaseAddress),
		TargetAddress:  hashBytesOrNil(a.TargetAddress),
		ZomeIndex:      a.ZomeIndex,
		LinkType:       a.LinkType,
		Tag:            a.Tag,
		LinkAddAddress: hashBytesOrNil(a.LinkAddAddress),
		Signature:      sa.Signature,
	}
	if a.EntryType != nil {
		w.EntryType = &wireEntryType{Kind: string(a.EntryType.Kind)}
		if a.EntryType.App != nil {
			w.EntryType.ZomeIndex = a.EntryType.App.ZomeIndex
			w.EntryType.EntryIndex = a.EntryType.App.EntryIndex
			w.EntryType.Visibility = string(a.EntryType.App.Visibility)
		}
	}
	return json.Marshal(w)
}

// DecodeSignedAction is the inverse of EncodeSignedAction.
func DecodeSignedAction(b []byte) (*SignedAction, error) {
	var w wireAction
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode signed action: %w", err)
	}
	author, err := hash.FromBytes(w.Author)
	if err != nil {
		return nil, fmt.Errorf("decode signed action author: %w", err)
	}
	a := Action{
		Type:      ActionType(w.Type),
		Author:    author,
		Timestamp: Timestamp(w.Timestamp),
		Seq:       w.Seq,
		ZomeIndex: w.ZomeIndex,
		LinkType:  w.LinkType,
		Tag:       w.Tag,
	}
	for _, f := range []struct {
		src []byte
		dst *hash.Hash
	}{
		{w.PrevAction, &a.PrevAction},
		{w.DnaHash, &a.DnaHash},
		{w.EntryHash, &a.EntryHash},
		{w.OriginalAction, &a.OriginalAction},
		{w.OriginalEntry, &a.OriginalEntry},
		{w.DeletesAction, &a.DeletesAction},
		{w.DeletesEntry, &a.DeletesEntry},
		{w.BaseAddress, &a.BaseAddress},
		{w.TargetAddress, &a.TargetAddress},
		{w.LinkAddAddress, &a.LinkAddAddress},
	} {
		if len(f.src) == 0 {
			continue
		}
		h, err := hash.FromBytes(f.src)
		if err != nil {
			return nil, fmt.Errorf("decode signed action: %w", err)
		}
		*f.dst = h
	}
	if w.EntryType != nil {
		decl := EntryTypeDecl{Kind: EntryKind(w.EntryType.Kind)}
		if decl.Kind == EntryKindApp {
			decl.App = &AppEntryType{
				ZomeIndex:  w.EntryType.ZomeIndex,
				EntryIndex: w.EntryType.EntryIndex,
				Visibility: EntryVisibility(w.EntryType.Visibility),
			}
		}
		a.EntryType = &decl
	}
	return &SignedAction{Action: a, Signature: w.Signature}, nil
}

// EncodeEntry serializes an entry for storage or wire.
func EncodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(wireEntry{
		Kind:       string(e.Kind),
		Visibility: string(e.Visibility),
		Blob:       e.Blob,
	})
}

// DecodeEntry is the inverse of EncodeEntry.
func DecodeEntry(b []byte) (*Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &Entry{
		Kind:       EntryKind(w.Kind),
		Visibility: EntryVisibility(w.Visibility),
		Blob:       w.Blob,
	}, nil
}

func hashBytesOrNil(h hash.Hash) []byte {
	if h.IsEmpty() {
		return nil
	}
	return h.Bytes()
}
