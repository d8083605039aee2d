package cell

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/cascade"
	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/keystore"
	"github.com/roach88/strand/internal/manifest"
	"github.com/roach88/strand/internal/network"
	"github.com/roach88/strand/internal/ops"
	"github.com/roach88/strand/internal/ribosome"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/testutil"
	"github.com/roach88/strand/internal/types"
)

const testManifestYAML = `
name: notebook
receipt_threshold: 1
zomes:
  - name: main
    entry_defs:
      - name: note
        visibility: public
    link_types:
      - refs
`

func testManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(testManifestYAML))
	require.NoError(t, err)
	return m
}

// createNote commits the input as a public note entry and returns the
// action hash text; readNote resolves that text back to the bytes.
func createNote(ctx context.Context, host ribosome.Host, input []byte) ([]byte, error) {
	entry := types.NewAppEntry(input, types.Public)
	eh, err := entry.Hash()
	if err != nil {
		return nil, err
	}
	decl := types.EntryTypeDecl{
		Kind: types.EntryKindApp,
		App:  &types.AppEntryType{ZomeIndex: 0, EntryIndex: 0, Visibility: types.Public},
	}
	ah, err := host.Commit(ctx, types.BuildCreate(eh, decl), &entry)
	if err != nil {
		return nil, err
	}
	return []byte(ah.String()), nil
}

func readNote(ctx context.Context, host ribosome.Host, input []byte) ([]byte, error) {
	ah, err := hash.Parse(string(input))
	if err != nil {
		return nil, err
	}
	rec, err := host.Get(ctx, ah, cascade.Options{})
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Entry == nil {
		return nil, nil
	}
	return rec.Entry.Blob, nil
}

func noteRuntime(t *testing.T) *ribosome.Native {
	t.Helper()
	rt := ribosome.NewNative()
	rt.RegisterZome("main", map[string]ribosome.ZomeFunc{
		"create_note": createNote,
		"read_note":   readNote,
		"create_and_read": func(ctx context.Context, host ribosome.Host, input []byte) ([]byte, error) {
			out, err := createNote(ctx, host, input)
			if err != nil {
				return nil, err
			}
			return readNote(ctx, host, out)
		},
	})
	return rt
}

func newTestCell(t *testing.T, tweak func(*Config)) *Cell {
	t.Helper()
	ks := keystore.NewMem()
	agent, err := ks.NewAgent()
	require.NoError(t, err)

	cfg := Config{
		Manifest: testManifest(t),
		Keystore: ks,
		Agent:    agent,
		Runtime:  noteRuntime(t),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return c
}

func startCell(t *testing.T, c *Cell) {
	t.Helper()
	c.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
}

func TestCallZome_CommitsAndIntegrates(t *testing.T) {
	c := newTestCell(t, nil)
	startCell(t, c)

	res, err := c.CallZome(context.Background(), Invocation{
		Zome: "main", Function: "create_note", Input: []byte("first note"),
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)

	noteAction := res.Actions[0]
	rec, err := c.Cascade().GetRecord(context.Background(), noteAction, cascade.Options{})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("first note"), rec.Entry.Blob)

	require.Eventually(t, func() bool {
		rows, err := c.dht.QueryByBasis(context.Background(), noteAction, store.BasisFilter{
			Kinds:          []types.OpKind{types.OpStoreRecord},
			IntegratedOnly: true,
		})
		return err == nil && len(rows) == 1 && rows[0].Status == store.StatusValid
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCallZome_SeesOwnStagedWrites(t *testing.T) {
	c := newTestCell(t, nil)
	startCell(t, c)

	res, err := c.CallZome(context.Background(), Invocation{
		Zome: "main", Function: "create_and_read", Input: []byte("staged read"),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("staged read"), res.Output)
}

func TestCallZome_ErrorDiscardsScratch(t *testing.T) {
	c := newTestCell(t, nil)
	c.runtime.RegisterZome("broken", map[string]ribosome.ZomeFunc{
		"commit_then_fail": func(ctx context.Context, host ribosome.Host, input []byte) ([]byte, error) {
			if _, err := createNote(ctx, host, input); err != nil {
				return nil, err
			}
			return nil, errors.New("app said no")
		},
	})
	startCell(t, c)

	_, err := c.CallZome(context.Background(), Invocation{
		Zome: "broken", Function: "commit_then_fail", Input: []byte("never lands"),
	})
	require.Error(t, err)

	_, seq, _, ok, err := c.Chain().Head(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), seq, "chain must still sit at genesis")
}

func TestCallZome_ConcurrentCallsBothLand(t *testing.T) {
	c := newTestCell(t, nil)
	startCell(t, c)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.CallZome(context.Background(), Invocation{
				Zome: "main", Function: "create_note", Input: []byte{byte(i)},
			})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	_, seq, _, ok, err := c.Chain().Head(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(3), seq, "genesis pair plus two notes")
}

func TestHandleInbound_DedupesAndPushesBack(t *testing.T) {
	foreignOps := func(t *testing.T, blob []byte) []types.Op {
		fx, err := testutil.NewFixture()
		require.NoError(t, err)
		sa, entry, err := fx.CreateApp(blob, types.Public)
		require.NoError(t, err)
		produced, err := ops.Produce(sa, &entry, ops.Gossip)
		require.NoError(t, err)
		return produced
	}

	t.Run("dedupes re-delivery", func(t *testing.T) {
		c := newTestCell(t, nil)
		batch := foreignOps(t, []byte("gossip"))

		require.NoError(t, c.HandleInbound(context.Background(), batch))
		require.NoError(t, c.HandleInbound(context.Background(), batch))

		n, err := c.dht.CountLimbo(context.Background())
		require.NoError(t, err)
		assert.Equal(t, len(batch), n)
	})

	t.Run("pushes back when limbo is full", func(t *testing.T) {
		c := newTestCell(t, func(cfg *Config) { cfg.LimboBound = 1 })

		require.NoError(t, c.HandleInbound(context.Background(), foreignOps(t, []byte("one"))))
		err := c.HandleInbound(context.Background(), foreignOps(t, []byte("two")))
		require.ErrorIs(t, err, network.ErrPushback)
	})

	t.Run("records a rejected verdict for tampered ops", func(t *testing.T) {
		c := newTestCell(t, nil)
		startCell(t, c)
		batch := foreignOps(t, []byte("tampered"))
		batch[0].SignedAction.Signature[0] ^= 0xff

		oh, err := batch[0].Hash()
		require.NoError(t, err)
		basis, err := batch[0].Basis()
		require.NoError(t, err)
		require.NoError(t, c.HandleInbound(context.Background(), batch[:1]))

		// The op lands in the limbo and sys-validation rejects it; the
		// verdict is durable, not a silent drop.
		require.Eventually(t, func() bool {
			row, err := c.dht.GetOp(context.Background(), oh)
			return err == nil && row != nil &&
				row.Stage == store.StageIntegrated && row.Status == store.StatusRejected
		}, 5*time.Second, 10*time.Millisecond)

		// Rejected content is withheld from serving but stays on record.
		served, err := c.HandleGet(context.Background(), basis)
		require.NoError(t, err)
		assert.Empty(t, served)
	})
}

func TestHandleReceipt_ThresholdStopsRepublish(t *testing.T) {
	c := newTestCell(t, nil)
	startCell(t, c)

	_, err := c.CallZome(context.Background(), Invocation{
		Zome: "main", Function: "create_note", Input: []byte("receipted"),
	})
	require.NoError(t, err)

	var rows []store.OpRow
	require.Eventually(t, func() bool {
		rows, err = c.dht.QueryPublishable(context.Background(), 0)
		return err == nil && len(rows) > 0
	}, 5*time.Second, 10*time.Millisecond)

	authorityKS := keystore.NewMem()
	authority, err := authorityKS.NewAgent()
	require.NoError(t, err)

	t.Run("rejects a bad signature", func(t *testing.T) {
		err := c.HandleReceipt(context.Background(), network.Receipt{
			OpHash:    rows[0].Hash,
			Authority: authority,
			Verdict:   network.VerdictValid,
			Signature: []byte("not a signature"),
		})
		require.Error(t, err)
	})

	for _, row := range rows {
		sig, err := authorityKS.Sign(authority, receiptSigningBytes(row.Hash, network.VerdictValid))
		require.NoError(t, err)
		require.NoError(t, c.HandleReceipt(context.Background(), network.Receipt{
			OpHash:    row.Hash,
			Authority: authority,
			Verdict:   network.VerdictValid,
			Signature: sig,
		}))
	}

	remaining, err := c.dht.QueryPublishable(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, remaining, "receipted ops must leave the publish queue")
}

// lateHandler lets a mesh endpoint exist before the cell that serves
// it; deliveries before wiring are dropped.
type lateHandler struct {
	mu sync.RWMutex
	h  network.Handler
}

func (l *lateHandler) set(h network.Handler) {
	l.mu.Lock()
	l.h = h
	l.mu.Unlock()
}

func (l *lateHandler) get() network.Handler {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.h
}

func (l *lateHandler) HandleInbound(ctx context.Context, batch []types.Op) error {
	if h := l.get(); h != nil {
		return h.HandleInbound(ctx, batch)
	}
	return nil
}

func (l *lateHandler) HandleGet(ctx context.Context, basis hash.Hash) ([]types.Op, error) {
	if h := l.get(); h != nil {
		return h.HandleGet(ctx, basis)
	}
	return nil, nil
}

func (l *lateHandler) HandleGetLinks(ctx context.Context, base hash.Hash, f network.LinkFilter) ([]types.Op, error) {
	if h := l.get(); h != nil {
		return h.HandleGetLinks(ctx, base, f)
	}
	return nil, nil
}

func (l *lateHandler) HandleGetAgentActivity(ctx context.Context, agent hash.Hash, f network.ActivityFilter) (*network.Activity, error) {
	if h := l.get(); h != nil {
		return h.HandleGetAgentActivity(ctx, agent, f)
	}
	return nil, nil
}

func (l *lateHandler) HandleReceipt(ctx context.Context, r network.Receipt) error {
	if h := l.get(); h != nil {
		return h.HandleReceipt(ctx, r)
	}
	return nil
}

func joinMesh(t *testing.T, mesh *network.Mesh, tweak func(*Config)) *Cell {
	t.Helper()
	ks := keystore.NewMem()
	agent, err := ks.NewAgent()
	require.NoError(t, err)

	lh := &lateHandler{}
	ep := mesh.Join(agent, network.FullArc(), lh)

	cfg := Config{
		Manifest: testManifest(t),
		Keystore: ks,
		Agent:    agent,
		Runtime:  noteRuntime(t),
		Bus:      ep,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	lh.set(c)
	return c
}

func TestTwoCells_PublishValidateReceipt(t *testing.T) {
	mesh := network.NewMesh()
	a := joinMesh(t, mesh, nil)
	b := joinMesh(t, mesh, nil)
	startCell(t, a)
	startCell(t, b)

	res, err := a.CallZome(context.Background(), Invocation{
		Zome: "main", Function: "create_note", Input: []byte("replicated"),
	})
	require.NoError(t, err)
	noteAction := res.Actions[0]

	// B holds the record once gossip, validation and integration ran.
	require.Eventually(t, func() bool {
		served, err := b.HandleGet(context.Background(), noteAction)
		return err == nil && len(served) > 0
	}, 10*time.Second, 20*time.Millisecond)

	// B's receipts flow back and drain A's publish queue.
	require.Eventually(t, func() bool {
		rows, err := a.dht.QueryPublishable(context.Background(), 0)
		return err == nil && len(rows) == 0
	}, 10*time.Second, 20*time.Millisecond)

	// A third party read through B's cascade resolves the note.
	rec, err := b.Cascade().GetRecord(context.Background(), noteAction, cascade.Options{})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("replicated"), rec.Entry.Blob)
}

func TestRemoteCall_GrantGatesAccess(t *testing.T) {
	dir := NewDirectory()
	caller := newTestCell(t, nil)
	callee := newTestCell(t, nil)
	dir.Register(caller)
	dir.Register(callee)
	startCell(t, caller)
	startCell(t, callee)

	secret := []byte("cap-secret-0123456789")
	calleeAgent := callee.Agent()
	caller.runtime.RegisterZome("bridge", map[string]ribosome.ZomeFunc{
		"relay_note": func(ctx context.Context, host ribosome.Host, input []byte) ([]byte, error) {
			return host.RemoteCall(ctx, calleeAgent, "main", "create_note", secret, input)
		},
	})

	relay := func() error {
		_, err := caller.CallZome(context.Background(), Invocation{
			Zome: "bridge", Function: "relay_note", Input: []byte("from afar"),
		})
		return err
	}

	require.ErrorIs(t, relay(), ErrUnauthorized)

	grant, err := callee.GrantCapability(context.Background(), CapGrant{
		Secret:    secret,
		Zome:      "main",
		Functions: []string{"create_note"},
	})
	require.NoError(t, err)
	require.NoError(t, relay())

	t.Run("wrong function stays closed", func(t *testing.T) {
		_, err := callee.CallZome(context.Background(), Invocation{
			Zome: "main", Function: "read_note", Input: []byte("x"),
			Provenance: caller.Agent(), CapSecret: secret,
		})
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	_, err = callee.RevokeCapability(context.Background(), grant)
	require.NoError(t, err)
	require.ErrorIs(t, relay(), ErrUnauthorized)
}

func TestShutdown_DrainsAndCloses(t *testing.T) {
	c := newTestCell(t, nil)
	c.Start(context.Background())

	_, err := c.CallZome(context.Background(), Invocation{
		Zome: "main", Function: "create_note", Input: []byte("last write"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	_, err = c.Commit(ctx, types.BuildCloseChain(), nil)
	require.Error(t, err, "closed stores accept no writes")
}
