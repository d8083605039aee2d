package testutil

import (
	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/keystore"
	"github.com/roach88/strand/internal/types"
)

// Fixture is a deterministic authoring context for one test agent.
// The fixture signs its own genesis (Dna root plus agent entry) so
// every subsequent action sits on a well-formed chain.
type Fixture struct {
	Keystore *keystore.MemKeystore
	Agent    hash.Hash
	Dna      hash.Hash
	Clock    *Clock

	// GenesisActions are the fixture's first two chain actions in
	// order; AgentEntry is the entry the second one creates.
	GenesisActions []types.SignedAction
	AgentEntry     types.Entry

	head hash.Hash
	seq  uint32
}

// NewFixture creates an agent with a fresh key and a signed genesis.
func NewFixture() (*Fixture, error) {
	ks := keystore.NewMem()
	agent, err := ks.NewAgent()
	if err != nil {
		return nil, err
	}
	f := &Fixture{
		Keystore: ks,
		Agent:    agent,
		Dna:      hash.Sum(hash.KindDna, []byte("test-app")),
		Clock:    NewClock(1_700_000_000_000_000),
	}

	root, err := f.Sign(types.BuildDna(f.Dna))
	if err != nil {
		return nil, err
	}
	f.AgentEntry = types.NewAgentEntry(agent)
	decl := types.EntryTypeDecl{Kind: types.EntryKindAgent}
	agentCreate, err := f.Sign(types.BuildCreate(f.AgentEntry.MustHash(), decl))
	if err != nil {
		return nil, err
	}
	f.GenesisActions = []types.SignedAction{root, agentCreate}
	return f, nil
}

// Sign resolves a builder at the fixture's current chain position,
// signs it and advances the position.
func (f *Fixture) Sign(b types.ActionBuilder) (types.SignedAction, error) {
	action, err := b.Resolve(f.Agent, f.head, f.seq, f.Clock.Next())
	if err != nil {
		return types.SignedAction{}, err
	}
	msg, err := action.SigningBytes()
	if err != nil {
		return types.SignedAction{}, err
	}
	sig, err := f.Keystore.Sign(f.Agent, msg)
	if err != nil {
		return types.SignedAction{}, err
	}
	sa := types.SignedAction{Action: action, Signature: sig}
	if f.head, err = sa.Hash(); err != nil {
		return types.SignedAction{}, err
	}
	f.seq++
	return sa, nil
}

// CreateApp signs a Create for an app entry with the given visibility
// and returns both the action and the entry.
func (f *Fixture) CreateApp(blob []byte, visibility types.EntryVisibility) (types.SignedAction, types.Entry, error) {
	entry := types.NewAppEntry(blob, visibility)
	decl := types.EntryTypeDecl{
		Kind: types.EntryKindApp,
		App:  &types.AppEntryType{ZomeIndex: 0, EntryIndex: 0, Visibility: visibility},
	}
	sa, err := f.Sign(types.BuildCreate(entry.MustHash(), decl))
	return sa, entry, err
}

// Head returns the fixture's current chain head and next sequence.
func (f *Fixture) Head() (hash.Hash, uint32) {
	return f.head, f.seq
}
