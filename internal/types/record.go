package types

import (
	"crypto/ed25519"
	"fmt"
)

// Record is a signed action paired with its entry, if the action
// declares one.
type Record struct {
	SignedAction SignedAction
	Entry        *Entry
}

// CheckIntegrity verifies the record's self-consistency: the signature
// verifies under the author's key and the declared entry hash matches
// the carried entry's content hash. Chain reachability is checked at
// the store level, where the prior actions live.
func (r *Record) CheckIntegrity() error {
	if err := VerifySignature(&r.SignedAction); err != nil {
		return err
	}
	entryHash, _, hasEntry := r.SignedAction.Action.EntryData()
	if !hasEntry {
		if r.Entry != nil {
			return fmt.Errorf("record carries an entry but action %s declares none", r.SignedAction.Action.Type)
		}
		return nil
	}
	if r.Entry == nil {
		// A record missing its private entry is still well formed;
		// the bytes are confined to the author's store.
		return nil
	}
	got, err := r.Entry.Hash()
	if err != nil {
		return err
	}
	if !got.Equal(entryHash) {
		return fmt.Errorf("entry hash mismatch: action declares %s, entry hashes to %s", entryHash, got)
	}
	return nil
}

// VerifySignature checks the action's signature against the ed25519
// key embedded in the author hash.
func VerifySignature(sa *SignedAction) error {
	pub, err := sa.Action.Author.AgentKey()
	if err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	msg, err := sa.Action.SigningBytes()
	if err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	if len(sa.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("verify signature: signature is %d bytes, want %d", len(sa.Signature), ed25519.SignatureSize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sa.Signature) {
		return fmt.Errorf("signature does not verify under author %s", sa.Action.Author)
	}
	return nil
}
