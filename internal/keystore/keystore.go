// Package keystore is the signing oracle for the data plane.
//
// The runtime never sees private key material directly: everything
// that needs a signature goes through the Signer interface, so a
// hardware or remote keystore can replace the in-memory one without
// touching the chain or validation code.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/strand/internal/hash"
)

// ErrSignerUnavailable is returned when no key is held for the
// requested agent.
var ErrSignerUnavailable = errors.New("keystore: no signer for agent")

// Signer produces signatures on behalf of agents whose keys it holds.
type Signer interface {
	// Sign signs message under the given agent's key.
	Sign(agent hash.Hash, message []byte) ([]byte, error)
}

// MemKeystore holds ed25519 key pairs in memory, keyed by agent hash.
// Safe for concurrent use.
type MemKeystore struct {
	mu   sync.RWMutex
	keys map[hash.Hash]ed25519.PrivateKey
}

// NewMem creates an empty in-memory keystore.
func NewMem() *MemKeystore {
	return &MemKeystore{keys: make(map[hash.Hash]ed25519.PrivateKey)}
}

// NewAgent generates a fresh key pair and returns the agent hash that
// embeds the public key.
func (ks *MemKeystore) NewAgent() (hash.Hash, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("keystore: generate key: %w", err)
	}
	agent, err := hash.FromAgentKey(pub)
	if err != nil {
		return hash.Hash{}, err
	}
	ks.mu.Lock()
	ks.keys[agent] = priv
	ks.mu.Unlock()
	return agent, nil
}

// ImportKey registers an existing private key. The key is copied.
func (ks *MemKeystore) ImportKey(priv ed25519.PrivateKey) (hash.Hash, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return hash.Hash{}, fmt.Errorf("keystore: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	pub := priv.Public().(ed25519.PublicKey)
	agent, err := hash.FromAgentKey(pub)
	if err != nil {
		return hash.Hash{}, err
	}
	cp := make(ed25519.PrivateKey, len(priv))
	copy(cp, priv)
	ks.mu.Lock()
	ks.keys[agent] = cp
	ks.mu.Unlock()
	return agent, nil
}

// Sign implements Signer.
func (ks *MemKeystore) Sign(agent hash.Hash, message []byte) ([]byte, error) {
	ks.mu.RLock()
	priv, ok := ks.keys[agent]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSignerUnavailable, agent)
	}
	return ed25519.Sign(priv, message), nil
}

// Holds reports whether the keystore can sign for the agent.
func (ks *MemKeystore) Holds(agent hash.Hash) bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	_, ok := ks.keys[agent]
	return ok
}
