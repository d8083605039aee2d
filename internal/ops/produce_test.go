package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/testutil"
	"github.com/roach88/strand/internal/types"
)

func kinds(ops []types.Op) []types.OpKind {
	out := make([]types.OpKind, len(ops))
	for i := range ops {
		out[i] = ops[i].Kind
	}
	return out
}

func TestProduce_CreateFansOutToThreeOps(t *testing.T) {
	fx, err := testutil.NewFixture()
	require.NoError(t, err)
	sa, entry, err := fx.CreateApp([]byte("hello"), types.Public)
	require.NoError(t, err)

	ops, err := Produce(sa, &entry, Authored)
	require.NoError(t, err)
	assert.Equal(t, []types.OpKind{
		types.OpStoreRecord,
		types.OpStoreEntry,
		types.OpRegisterAgentActivity,
	}, kinds(ops))

	require.NotNil(t, ops[0].Entry)
	require.NotNil(t, ops[1].Entry)
	assert.Nil(t, ops[2].Entry, "agent activity never carries an entry")
}

func TestProduce_UpdateAddsRegistrations(t *testing.T) {
	fx, err := testutil.NewFixture()
	require.NoError(t, err)
	orig, origEntry, err := fx.CreateApp([]byte("v1"), types.Public)
	require.NoError(t, err)

	next := types.NewAppEntry([]byte("v2"), types.Public)
	decl := types.EntryTypeDecl{Kind: types.EntryKindApp, App: &types.AppEntryType{Visibility: types.Public}}
	sa, err := fx.Sign(types.BuildUpdate(next.MustHash(), decl, orig.MustHash(), origEntry.MustHash()))
	require.NoError(t, err)

	ops, err := Produce(sa, &next, Authored)
	require.NoError(t, err)
	assert.Equal(t, []types.OpKind{
		types.OpStoreRecord,
		types.OpStoreEntry,
		types.OpRegisterAgentActivity,
		types.OpRegisterUpdatedContent,
		types.OpRegisterUpdatedRecord,
	}, kinds(ops))

	basis, err := ops[3].Basis()
	require.NoError(t, err)
	assert.True(t, basis.Equal(origEntry.MustHash()))
	basis, err = ops[4].Basis()
	require.NoError(t, err)
	assert.True(t, basis.Equal(orig.MustHash()))
}

func TestProduce_DeleteAddsRegistrations(t *testing.T) {
	fx, err := testutil.NewFixture()
	require.NoError(t, err)
	orig, origEntry, err := fx.CreateApp([]byte("doomed"), types.Public)
	require.NoError(t, err)

	sa, err := fx.Sign(types.BuildDelete(orig.MustHash(), origEntry.MustHash()))
	require.NoError(t, err)

	ops, err := Produce(sa, nil, Authored)
	require.NoError(t, err)
	assert.Equal(t, []types.OpKind{
		types.OpStoreRecord,
		types.OpRegisterAgentActivity,
		types.OpRegisterDeletedBy,
		types.OpRegisterDeletedEntryAction,
	}, kinds(ops))
}

func TestProduce_LinkActions(t *testing.T) {
	fx, err := testutil.NewFixture()
	require.NoError(t, err)
	base := hash.Sum(hash.KindEntry, []byte("base"))
	target := hash.Sum(hash.KindEntry, []byte("target"))

	add, err := fx.Sign(types.BuildCreateLink(base, target, 0, 1, []byte("tag")))
	require.NoError(t, err)
	addOps, err := Produce(add, nil, Authored)
	require.NoError(t, err)
	assert.Equal(t, []types.OpKind{
		types.OpStoreRecord,
		types.OpRegisterAgentActivity,
		types.OpRegisterAddLink,
	}, kinds(addOps))
	basis, err := addOps[2].Basis()
	require.NoError(t, err)
	assert.True(t, basis.Equal(base))

	del, err := fx.Sign(types.BuildDeleteLink(base, add.MustHash()))
	require.NoError(t, err)
	delOps, err := Produce(del, nil, Authored)
	require.NoError(t, err)
	assert.Equal(t, []types.OpKind{
		types.OpStoreRecord,
		types.OpRegisterAgentActivity,
		types.OpRegisterRemoveLink,
	}, kinds(delOps))
	basis, err = delOps[2].Basis()
	require.NoError(t, err)
	assert.True(t, basis.Equal(add.MustHash()))
}

func TestProduce_Deterministic(t *testing.T) {
	fx, err := testutil.NewFixture()
	require.NoError(t, err)
	sa, entry, err := fx.CreateApp([]byte("same"), types.Public)
	require.NoError(t, err)

	first, err := Produce(sa, &entry, Authored)
	require.NoError(t, err)
	second, err := Produce(sa, &entry, Authored)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, first[i].MustHash().Equal(second[i].MustHash()), "op %d hash", i)
	}
}

func TestProduce_PrivateEntryContainment(t *testing.T) {
	fx, err := testutil.NewFixture()
	require.NoError(t, err)
	sa, entry, err := fx.CreateApp([]byte("secret"), types.Private)
	require.NoError(t, err)

	local, err := Produce(sa, &entry, Authored)
	require.NoError(t, err)
	require.NotNil(t, local[0].Entry, "authored StoreRecord keeps the private entry")
	require.NotNil(t, local[1].Entry, "authored StoreEntry keeps the private entry")

	gossiped, err := Produce(sa, &entry, Gossip)
	require.NoError(t, err)
	assert.Nil(t, gossiped[0].Entry, "gossiped StoreRecord is blanked")
	assert.Nil(t, gossiped[1].Entry, "gossiped StoreEntry is blanked")

	// Blanking does not change op identity.
	for i := range local {
		assert.True(t, local[i].MustHash().Equal(gossiped[i].MustHash()), "op %d hash", i)
	}
}

func TestForGossip_StripsOnlyPrivate(t *testing.T) {
	fx, err := testutil.NewFixture()
	require.NoError(t, err)

	pubAction, pubEntry, err := fx.CreateApp([]byte("open"), types.Public)
	require.NoError(t, err)
	privAction, privEntry, err := fx.CreateApp([]byte("sealed"), types.Private)
	require.NoError(t, err)

	pub := types.Op{Kind: types.OpStoreEntry, SignedAction: pubAction, Entry: &pubEntry}
	priv := types.Op{Kind: types.OpStoreEntry, SignedAction: privAction, Entry: &privEntry}

	assert.NotNil(t, ForGossip(pub).Entry)
	assert.Nil(t, ForGossip(priv).Entry)
}

func TestProduce_RejectsMismatchedEntry(t *testing.T) {
	fx, err := testutil.NewFixture()
	require.NoError(t, err)
	sa, _, err := fx.CreateApp([]byte("declared"), types.Public)
	require.NoError(t, err)

	wrong := types.NewAppEntry([]byte("other"), types.Public)
	_, err = Produce(sa, &wrong, Authored)
	assert.Error(t, err)

	_, err = Produce(sa, nil, Authored)
	assert.Error(t, err, "public entry must be supplied")
}
