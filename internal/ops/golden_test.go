package ops

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/types"
)

// TestProduce_FanoutGolden pins the full production table: which op
// kinds each action type fans out into, which address each op is based
// at, and when entry bytes ride along. Any drift here changes what
// authorities hold and must be a deliberate decision.
func TestProduce_FanoutGolden(t *testing.T) {
	author, err := hash.FromAgentKey(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	prev := hash.Sum(hash.KindAction, []byte("prev"))

	publicEntry := types.NewAppEntry([]byte("public note"), types.Public)
	privateEntry := types.NewAppEntry([]byte("private draft"), types.Private)

	refs := map[string]hash.Hash{
		"original_action": hash.Sum(hash.KindAction, []byte("original action")),
		"original_entry":  hash.Sum(hash.KindEntry, []byte("original entry")),
		"deletes_action":  hash.Sum(hash.KindAction, []byte("deleted action")),
		"deletes_entry":   hash.Sum(hash.KindEntry, []byte("deleted entry")),
		"base":            hash.Sum(hash.KindEntry, []byte("link base")),
		"link_add":        hash.Sum(hash.KindAction, []byte("link create")),
	}

	base := func(t types.ActionType) types.Action {
		return types.Action{
			Type:       t,
			Author:     author,
			Timestamp:  types.Timestamp(1700000000000000),
			Seq:        4,
			PrevAction: prev,
		}
	}

	appDecl := func(v types.EntryVisibility) *types.EntryTypeDecl {
		return &types.EntryTypeDecl{
			Kind: types.EntryKindApp,
			App:  &types.AppEntryType{ZomeIndex: 0, EntryIndex: 0, Visibility: v},
		}
	}

	createPub := base(types.ActionCreate)
	createPub.EntryHash = publicEntry.MustHash()
	createPub.EntryType = appDecl(types.Public)

	createPriv := base(types.ActionCreate)
	createPriv.EntryHash = privateEntry.MustHash()
	createPriv.EntryType = appDecl(types.Private)

	update := base(types.ActionUpdate)
	update.EntryHash = publicEntry.MustHash()
	update.EntryType = appDecl(types.Public)
	update.OriginalAction = refs["original_action"]
	update.OriginalEntry = refs["original_entry"]

	del := base(types.ActionDelete)
	del.DeletesAction = refs["deletes_action"]
	del.DeletesEntry = refs["deletes_entry"]

	createLink := base(types.ActionCreateLink)
	createLink.BaseAddress = refs["base"]
	createLink.TargetAddress = hash.Sum(hash.KindEntry, []byte("link target"))
	createLink.LinkType = 1

	deleteLink := base(types.ActionDeleteLink)
	deleteLink.BaseAddress = refs["base"]
	deleteLink.LinkAddAddress = refs["link_add"]

	dna := types.Action{
		Type:      types.ActionDna,
		Author:    author,
		Timestamp: types.Timestamp(1700000000000000),
		DnaHash:   hash.Sum(hash.KindDna, []byte("app")),
	}

	scenarios := []struct {
		name   string
		action types.Action
		entry  *types.Entry
		dest   Destination
	}{
		{"dna -> gossip", dna, nil, Gossip},
		{"create/public -> authored", createPub, &publicEntry, Authored},
		{"create/public -> gossip", createPub, &publicEntry, Gossip},
		{"create/private -> authored", createPriv, &privateEntry, Authored},
		{"create/private -> gossip", createPriv, &privateEntry, Gossip},
		{"update -> gossip", update, &publicEntry, Gossip},
		{"delete -> gossip", del, nil, Gossip},
		{"create_link -> gossip", createLink, nil, Gossip},
		{"delete_link -> gossip", deleteLink, nil, Gossip},
	}

	var out bytes.Buffer
	for _, sc := range scenarios {
		sa := types.SignedAction{Action: sc.action, Signature: bytes.Repeat([]byte{0x22}, 64)}
		produced, err := Produce(sa, sc.entry, sc.dest)
		require.NoError(t, err, sc.name)

		labels := map[hash.Hash]string{author: "author"}
		for name, h := range refs {
			labels[h] = name
		}
		if ah, err := sa.Hash(); err == nil {
			labels[ah] = "self"
		}
		if eh, _, ok := sa.Action.EntryData(); ok {
			labels[eh] = "entry"
		}

		fmt.Fprintf(&out, "== %s\n", sc.name)
		for i := range produced {
			op := &produced[i]
			basis, err := op.Basis()
			require.NoError(t, err, sc.name)
			label, ok := labels[basis]
			require.True(t, ok, "op basis must map to a known address")

			carried := "blank"
			if op.Entry != nil {
				carried = "attached"
			}
			fmt.Fprintf(&out, "%s basis=%s entry=%s\n", op.Kind, label, carried)
		}
		out.WriteByte('\n')
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "fanout", out.Bytes())
}
