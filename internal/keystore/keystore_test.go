package keystore

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/hash"
)

func TestNewAgent_SignaturesVerifyUnderAgentKey(t *testing.T) {
	ks := NewMem()
	agent, err := ks.NewAgent()
	require.NoError(t, err)
	require.True(t, ks.Holds(agent))

	msg := []byte("chain action bytes")
	sig, err := ks.Sign(agent, msg)
	require.NoError(t, err)

	pub, err := agent.AgentKey()
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), msg, sig))
}

func TestSign_UnknownAgent(t *testing.T) {
	ks := NewMem()
	stranger, err := NewMem().NewAgent()
	require.NoError(t, err)

	_, err = ks.Sign(stranger, []byte("x"))
	require.ErrorIs(t, err, ErrSignerUnavailable)
	assert.False(t, ks.Holds(stranger))
}

func TestImportKey_DeterministicAgent(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	priv := ed25519.NewKeyFromSeed(seed)

	a1, err := NewMem().ImportKey(priv)
	require.NoError(t, err)
	a2, err := NewMem().ImportKey(priv)
	require.NoError(t, err)
	assert.True(t, a1.Equal(a2), "same key must map to the same agent")

	kind, err := a1.Kind()
	require.NoError(t, err)
	assert.Equal(t, hash.KindAgent, kind)
}

func TestImportKey_CopiesAndRejectsBadSize(t *testing.T) {
	ks := NewMem()
	_, err := ks.ImportKey(make(ed25519.PrivateKey, 7))
	require.Error(t, err)

	seed := make([]byte, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	agent, err := ks.ImportKey(priv)
	require.NoError(t, err)

	// Clobbering the caller's slice must not corrupt the stored key.
	for i := range priv {
		priv[i] = 0xff
	}
	msg := []byte("still signs correctly")
	sig, err := ks.Sign(agent, msg)
	require.NoError(t, err)
	pub, err := agent.AgentKey()
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), msg, sig))
}
