package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/keystore"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/testutil"
	"github.com/roach88/strand/internal/types"
)

func newTestChain(t *testing.T) (*Chain, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenMemory(store.RoleAuthored)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ks := keystore.NewMem()
	agent, err := ks.NewAgent()
	require.NoError(t, err)

	dna := hash.Sum(hash.KindDna, []byte("chain-test-app"))
	c, err := Genesis(ctx, st, ks, agent, dna)
	require.NoError(t, err)

	clock := testutil.NewClock(1_700_000_000_000_000)
	c.nowFn = clock.Next
	return c, st
}

func appCreate(t *testing.T, c *Chain, s *Scratch, blob string) hash.Hash {
	t.Helper()
	entry := types.NewAppEntry([]byte(blob), types.Public)
	decl := types.EntryTypeDecl{
		Kind: types.EntryKindApp,
		App:  &types.AppEntryType{Visibility: types.Public},
	}
	h, err := c.Put(context.Background(), s, types.BuildCreate(entry.MustHash(), decl), &entry)
	require.NoError(t, err)
	return h
}

func TestGenesis_WritesRootAndAgentEntry(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChain(t)

	records, err := c.Query(ctx, store.ChainFilter{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, types.ActionDna, records[0].SignedAction.Action.Type)
	assert.Equal(t, uint32(0), records[0].SignedAction.Action.Seq)
	assert.Equal(t, types.ActionCreate, records[1].SignedAction.Action.Type)
	assert.Equal(t, uint32(1), records[1].SignedAction.Action.Seq)
	require.NotNil(t, records[1].Entry)
	assert.Equal(t, types.EntryKindAgent, records[1].Entry.Kind)
}

func TestGenesis_RejectsExistingChain(t *testing.T) {
	ctx := context.Background()
	c, st := newTestChain(t)

	_, err := Genesis(ctx, st, keystore.NewMem(), c.Agent(), hash.Sum(hash.KindDna, []byte("x")))
	assert.Error(t, err)
}

func TestOpen_RejectsUninitialized(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenMemory(store.RoleAuthored)
	require.NoError(t, err)
	defer st.Close()

	ks := keystore.NewMem()
	agent, err := ks.NewAgent()
	require.NoError(t, err)

	_, err = Open(ctx, st, ks, agent)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestPutFlush_ExtendsChainWithContinuity(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChain(t)

	s := c.NewScratch(Strict)
	appCreate(t, c, s, "one")
	appCreate(t, c, s, "two")

	records, err := c.Flush(ctx, s)
	require.NoError(t, err)
	require.Len(t, records, 2)

	full, err := c.Query(ctx, store.ChainFilter{})
	require.NoError(t, err)
	require.Len(t, full, 4)

	// Continuity: prev hash, seq + 1, strictly increasing timestamps,
	// same author.
	for i := 1; i < len(full); i++ {
		prev, cur := full[i-1].SignedAction, full[i].SignedAction
		assert.True(t, cur.Action.PrevAction.Equal(prev.MustHash()), "record %d prev link", i)
		assert.Equal(t, prev.Action.Seq+1, cur.Action.Seq, "record %d seq", i)
		assert.True(t, cur.Action.Timestamp.After(prev.Action.Timestamp), "record %d timestamp", i)
		assert.True(t, cur.Action.Author.Equal(prev.Action.Author), "record %d author", i)
	}
}

func TestFlush_EmptyScratchIsNoop(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChain(t)

	s := c.NewScratch(Strict)
	records, err := c.Flush(ctx, s)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFlush_ConsumesScratch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChain(t)

	s := c.NewScratch(Strict)
	appCreate(t, c, s, "consumed")
	_, err := c.Flush(ctx, s)
	require.NoError(t, err)

	_, err = c.Flush(ctx, s)
	assert.Error(t, err, "second flush of the same scratch must fail")
}

func TestFlush_StrictHeadMoved(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChain(t)

	// Both scratches snapshot the same head.
	s1 := c.NewScratch(Strict)
	s2 := c.NewScratch(Strict)
	h1 := appCreate(t, c, s1, "winner")
	appCreate(t, c, s2, "loser")

	_, err := c.Flush(ctx, s1)
	require.NoError(t, err)

	_, err = c.Flush(ctx, s2)
	assert.ErrorIs(t, err, ErrHeadMoved)

	// The committed head is the winner's action; no stray actions.
	head, seq, _, ok, err := c.Head(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, head.Equal(h1))
	assert.Equal(t, uint32(2), seq)

	full, err := c.Query(ctx, store.ChainFilter{})
	require.NoError(t, err)
	assert.Len(t, full, 3)
}

func TestFlush_RelaxedRebases(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChain(t)

	s1 := c.NewScratch(Strict)
	s2 := c.NewScratch(Relaxed)
	appCreate(t, c, s1, "first")
	appCreate(t, c, s2, "second")

	_, err := c.Flush(ctx, s1)
	require.NoError(t, err)

	records, err := c.Flush(ctx, s2)
	require.NoError(t, err, "relaxed flush should rebase instead of failing")
	require.Len(t, records, 1)

	// The rebased action sits after the winner.
	assert.Equal(t, uint32(3), records[0].SignedAction.Action.Seq)

	full, err := c.Query(ctx, store.ChainFilter{})
	require.NoError(t, err)
	require.Len(t, full, 4)
	for i := 1; i < len(full); i++ {
		assert.True(t, full[i].SignedAction.Action.PrevAction.Equal(full[i-1].SignedAction.MustHash()))
	}
}

func TestPut_RejectsMismatchedEntry(t *testing.T) {
	c, _ := newTestChain(t)

	s := c.NewScratch(Strict)
	entry := types.NewAppEntry([]byte("real"), types.Public)
	other := types.NewAppEntry([]byte("claimed"), types.Public)
	decl := types.EntryTypeDecl{Kind: types.EntryKindApp, App: &types.AppEntryType{Visibility: types.Public}}

	_, err := c.Put(context.Background(), s, types.BuildCreate(other.MustHash(), decl), &entry)
	assert.Error(t, err)
}

func TestPut_RejectsOversizeEntry(t *testing.T) {
	c, _ := newTestChain(t)

	s := c.NewScratch(Strict)
	entry := types.NewAppEntry(make([]byte, types.MaxEntrySize+1), types.Public)
	decl := types.EntryTypeDecl{Kind: types.EntryKindApp, App: &types.AppEntryType{Visibility: types.Public}}

	_, err := c.Put(context.Background(), s, types.BuildCreate(entry.MustHash(), decl), &entry)
	assert.Error(t, err)
}

func TestCloseChain_BlocksFurtherWrites(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChain(t)

	s := c.NewScratch(Strict)
	_, err := c.Put(context.Background(), s, types.BuildCloseChain(), nil)
	require.NoError(t, err)
	_, err = c.Flush(ctx, s)
	require.NoError(t, err)

	s2 := c.NewScratch(Strict)
	entry := types.NewAppEntry([]byte("too late"), types.Public)
	decl := types.EntryTypeDecl{Kind: types.EntryKindApp, App: &types.AppEntryType{Visibility: types.Public}}
	_, err = c.Put(context.Background(), s2, types.BuildCreate(entry.MustHash(), decl), &entry)
	assert.True(t, errors.Is(err, ErrChainClosed))
}

func TestCloseChain_BlocksWithinScratch(t *testing.T) {
	c, _ := newTestChain(t)

	s := c.NewScratch(Strict)
	_, err := c.Put(context.Background(), s, types.BuildCloseChain(), nil)
	require.NoError(t, err)

	entry := types.NewAppEntry([]byte("after close"), types.Public)
	decl := types.EntryTypeDecl{Kind: types.EntryKindApp, App: &types.AppEntryType{Visibility: types.Public}}
	_, err = c.Put(context.Background(), s, types.BuildCreate(entry.MustHash(), decl), &entry)
	assert.ErrorIs(t, err, ErrChainClosed)
}

func TestTimestampFloor_MonotonicUnderFrozenClock(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestChain(t)

	// Freeze the clock: every staged action must still get a strictly
	// later timestamp via the +1µs floor.
	frozen := types.Timestamp(1_800_000_000_000_000)
	c.nowFn = func() types.Timestamp { return frozen }

	s := c.NewScratch(Strict)
	appCreate(t, c, s, "a")
	appCreate(t, c, s, "b")
	appCreate(t, c, s, "c")

	records, err := c.Flush(ctx, s)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, frozen, records[0].SignedAction.Action.Timestamp)
	assert.Equal(t, frozen+1, records[1].SignedAction.Action.Timestamp)
	assert.Equal(t, frozen+2, records[2].SignedAction.Action.Timestamp)
}

func TestPut_HonorsCallerContext(t *testing.T) {
	c, _ := newTestChain(t)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	// The first Put on a scratch reads the persisted head; a dead
	// context must fail that read instead of being ignored.
	s := c.NewScratch(Strict)
	entry := types.NewAppEntry([]byte("never lands"), types.Public)
	decl := types.EntryTypeDecl{Kind: types.EntryKindApp, App: &types.AppEntryType{Visibility: types.Public}}
	_, err := c.Put(canceled, s, types.BuildCreate(entry.MustHash(), decl), &entry)
	require.ErrorIs(t, err, context.Canceled)

	// A live context on a fresh scratch is unaffected.
	s2 := c.NewScratch(Strict)
	appCreate(t, c, s2, "lands fine")
	_, err = c.Flush(context.Background(), s2)
	require.NoError(t, err)
}
