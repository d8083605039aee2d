package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/hash"
)

func newTestAgent(t *testing.T) (hash.Hash, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	agent, err := hash.FromAgentKey(pub)
	require.NoError(t, err)
	return agent, priv
}

func signedCreate(t *testing.T, agent hash.Hash, priv ed25519.PrivateKey, entry Entry, prev hash.Hash, seq uint32, ts Timestamp) (SignedAction, Entry) {
	t.Helper()
	decl := EntryTypeDecl{
		Kind: EntryKindApp,
		App:  &AppEntryType{ZomeIndex: 0, EntryIndex: 0, Visibility: entry.Visibility},
	}
	action, err := BuildCreate(entry.MustHash(), decl).Resolve(agent, prev, seq, ts)
	require.NoError(t, err)
	msg, err := action.SigningBytes()
	require.NoError(t, err)
	return SignedAction{Action: action, Signature: ed25519.Sign(priv, msg)}, entry
}

func TestActionHash_Deterministic(t *testing.T) {
	agent, _ := newTestAgent(t)
	entry := NewAppEntry([]byte("hello"), Public)
	decl := EntryTypeDecl{Kind: EntryKindApp, App: &AppEntryType{Visibility: Public}}

	prev := hash.Sum(hash.KindAction, []byte("prev"))
	a1, err := BuildCreate(entry.MustHash(), decl).Resolve(agent, prev, 3, 1000)
	require.NoError(t, err)
	a2, err := BuildCreate(entry.MustHash(), decl).Resolve(agent, prev, 3, 1000)
	require.NoError(t, err)

	h1, err := a1.Hash()
	require.NoError(t, err)
	h2, err := a2.Hash()
	require.NoError(t, err)
	assert.True(t, h1.Equal(h2))
}

func TestActionHash_SensitiveToFields(t *testing.T) {
	agent, _ := newTestAgent(t)
	entry := NewAppEntry([]byte("hello"), Public)
	decl := EntryTypeDecl{Kind: EntryKindApp, App: &AppEntryType{Visibility: Public}}
	prev := hash.Sum(hash.KindAction, []byte("prev"))

	base, err := BuildCreate(entry.MustHash(), decl).Resolve(agent, prev, 3, 1000)
	require.NoError(t, err)
	bumped := base
	bumped.Seq = 4

	h1 := mustActionHash(t, &base)
	h2 := mustActionHash(t, &bumped)
	assert.False(t, h1.Equal(h2), "changing seq must change the action hash")
}

func mustActionHash(t *testing.T, a *Action) hash.Hash {
	t.Helper()
	h, err := a.Hash()
	require.NoError(t, err)
	return h
}

func TestResolve_RejectsNonRootWithoutPrev(t *testing.T) {
	agent, _ := newTestAgent(t)
	entry := NewAppEntry([]byte("x"), Public)
	decl := EntryTypeDecl{Kind: EntryKindApp, App: &AppEntryType{Visibility: Public}}

	_, err := BuildCreate(entry.MustHash(), decl).Resolve(agent, hash.Hash{}, 1, 1000)
	assert.Error(t, err)
}

func TestResolve_RejectsDnaWithNonZeroSeq(t *testing.T) {
	agent, _ := newTestAgent(t)
	dna := hash.Sum(hash.KindDna, []byte("app"))
	_, err := BuildDna(dna).Resolve(agent, hash.Hash{}, 5, 1000)
	assert.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	agent, priv := newTestAgent(t)
	sa, _ := signedCreate(t, agent, priv, NewAppEntry([]byte("signed"), Public), hash.Sum(hash.KindAction, []byte("p")), 1, 1000)

	require.NoError(t, VerifySignature(&sa))

	// Flip one signature byte.
	sa.Signature[0] ^= 0xff
	assert.Error(t, VerifySignature(&sa))
}

func TestRecordIntegrity_EntryHashBinding(t *testing.T) {
	agent, priv := newTestAgent(t)
	entry := NewAppEntry([]byte("bound"), Public)
	sa, _ := signedCreate(t, agent, priv, entry, hash.Sum(hash.KindAction, []byte("p")), 1, 1000)

	rec := Record{SignedAction: sa, Entry: &entry}
	require.NoError(t, rec.CheckIntegrity())

	// Swap in an entry with different content.
	other := NewAppEntry([]byte("not bound"), Public)
	rec.Entry = &other
	assert.Error(t, rec.CheckIntegrity())
}

func TestOpHash_DeterministicAndDistinct(t *testing.T) {
	agent, priv := newTestAgent(t)
	entry := NewAppEntry([]byte("op hashing"), Public)
	sa, _ := signedCreate(t, agent, priv, entry, hash.Sum(hash.KindAction, []byte("p")), 1, 1000)

	storeRecord := Op{Kind: OpStoreRecord, SignedAction: sa, Entry: &entry}
	storeEntry := Op{Kind: OpStoreEntry, SignedAction: sa, Entry: &entry}
	activity := Op{Kind: OpRegisterAgentActivity, SignedAction: sa}

	h1 := storeRecord.MustHash()
	h2 := storeRecord.MustHash()
	assert.True(t, h1.Equal(h2), "op hashing must be deterministic")

	assert.False(t, storeRecord.MustHash().Equal(storeEntry.MustHash()))
	assert.False(t, storeRecord.MustHash().Equal(activity.MustHash()))
}

func TestOpHash_IndependentOfEntryPayload(t *testing.T) {
	agent, priv := newTestAgent(t)
	entry := NewAppEntry([]byte("payload"), Private)
	sa, _ := signedCreate(t, agent, priv, entry, hash.Sum(hash.KindAction, []byte("p")), 1, 1000)

	carried := Op{Kind: OpStoreRecord, SignedAction: sa, Entry: &entry}
	blanked := Op{Kind: OpStoreRecord, SignedAction: sa, Entry: nil}

	assert.True(t, carried.MustHash().Equal(blanked.MustHash()),
		"blanking a private entry must not change the op hash")
}

func TestOpBasis(t *testing.T) {
	agent, priv := newTestAgent(t)
	entry := NewAppEntry([]byte("basis"), Public)
	sa, _ := signedCreate(t, agent, priv, entry, hash.Sum(hash.KindAction, []byte("p")), 1, 1000)

	actionHash := sa.MustHash()

	cases := []struct {
		op   Op
		want hash.Hash
	}{
		{Op{Kind: OpStoreRecord, SignedAction: sa}, actionHash},
		{Op{Kind: OpStoreEntry, SignedAction: sa}, entry.MustHash()},
		{Op{Kind: OpRegisterAgentActivity, SignedAction: sa}, agent},
	}
	for _, tc := range cases {
		basis, err := tc.op.Basis()
		require.NoError(t, err)
		assert.True(t, tc.want.Equal(basis), "basis for %s", tc.op.Kind)
	}
}

func TestWire_SignedActionRoundTrip(t *testing.T) {
	agent, priv := newTestAgent(t)
	entry := NewAppEntry([]byte("wire"), Public)
	sa, _ := signedCreate(t, agent, priv, entry, hash.Sum(hash.KindAction, []byte("p")), 7, 12345)

	b, err := EncodeSignedAction(&sa)
	require.NoError(t, err)
	got, err := DecodeSignedAction(b)
	require.NoError(t, err)

	// The decoded action must hash identically, which covers every
	// hash-relevant field at once.
	assert.True(t, sa.MustHash().Equal(got.MustHash()))
	assert.Equal(t, sa.Signature, got.Signature)
	require.NoError(t, VerifySignature(got))
}

func TestEntry_CheckSize(t *testing.T) {
	small := NewAppEntry(make([]byte, 128), Public)
	require.NoError(t, small.CheckSize())

	big := NewAppEntry(make([]byte, MaxEntrySize+1), Public)
	assert.Error(t, big.CheckSize())
}

func TestCanonical_SortsKeysAndRejectsFloats(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))

	_, err = MarshalCanonical(map[string]any{"x": 1.5})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"x": nil})
	assert.Error(t, err)
}
