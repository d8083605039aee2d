package validation

import (
	"context"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/manifest"
	"github.com/roach88/strand/internal/types"
)

// DepSource resolves hashes an op references against the local stores.
// Absence is reported as nil, not as an error; network fetching is the
// workflow's job, not the validator's.
type DepSource interface {
	GetAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error)
	GetEntry(ctx context.Context, h hash.Hash) (*types.Entry, error)
}

// SysValidator runs the application-independent checks.
type SysValidator struct {
	Manifest *manifest.Manifest
	Deps     DepSource
}

// ValidateOp runs the full sys-validation check list against one op.
// The returned error covers infrastructure failures only; every
// decision about the op itself is an Outcome.
func (v *SysValidator) ValidateOp(ctx context.Context, op *types.Op) (Outcome, error) {
	a := &op.SignedAction.Action

	if err := types.VerifySignature(&op.SignedAction); err != nil {
		return Reject("signature: %v", err), nil
	}

	var missing []hash.Hash

	out, deps, err := v.checkStructure(ctx, a)
	if err != nil {
		return Outcome{}, err
	}
	if out.Verdict == Rejected {
		return out, nil
	}
	missing = append(missing, deps...)

	if out := v.checkEntry(op); out.Verdict == Rejected {
		return out, nil
	}
	if out := v.checkTypes(a); out.Verdict == Rejected {
		return out, nil
	}

	out, deps, err = v.checkKindRules(ctx, op)
	if err != nil {
		return Outcome{}, err
	}
	if out.Verdict == Rejected {
		return out, nil
	}
	missing = append(missing, deps...)

	if len(missing) > 0 {
		return AwaitDeps(missing...), nil
	}
	return Accept(), nil
}

// checkStructure enforces chain-shape rules against the referenced
// prior action.
func (v *SysValidator) checkStructure(ctx context.Context, a *types.Action) (Outcome, []hash.Hash, error) {
	if a.IsRoot() {
		if a.Seq != 0 {
			return Reject("root action has seq %d", a.Seq), nil, nil
		}
		if !a.PrevAction.IsEmpty() {
			return Reject("root action names a prev action"), nil, nil
		}
		return Accept(), nil, nil
	}

	if a.Seq == 0 {
		return Reject("non-root %s action has seq 0", a.Type), nil, nil
	}
	if a.PrevAction.IsEmpty() {
		return Reject("non-root %s action names no prev action", a.Type), nil, nil
	}

	prev, err := v.Deps.GetAction(ctx, a.PrevAction)
	if err != nil {
		return Outcome{}, nil, err
	}
	if prev == nil {
		return Accept(), []hash.Hash{a.PrevAction}, nil
	}
	if prev.Action.Seq+1 != a.Seq {
		return Reject("seq %d does not follow prev seq %d", a.Seq, prev.Action.Seq), nil, nil
	}
	if !a.Timestamp.After(prev.Action.Timestamp) {
		return Reject("timestamp %d not after prev timestamp %d", a.Timestamp, prev.Action.Timestamp), nil, nil
	}
	if !prev.Action.Author.Equal(a.Author) {
		return Reject("author differs from prev action author"), nil, nil
	}
	if prev.Action.Type == types.ActionCloseChain {
		return Reject("action appended after close_chain"), nil, nil
	}
	return Accept(), nil, nil
}

// checkEntry enforces entry binding, size, and countersigning rules on
// the entry bytes the op actually carries.
func (v *SysValidator) checkEntry(op *types.Op) Outcome {
	eh, decl, declares := op.SignedAction.Action.EntryData()
	if !declares {
		if op.Entry != nil {
			return Reject("op carries an entry but %s declares none", op.SignedAction.Action.Type)
		}
		return Accept()
	}
	if !op.Kind.CarriesEntry() {
		return Accept()
	}
	if op.Entry == nil {
		// Legitimate only when the entry is private and stayed home.
		if decl.Visibility() == types.Private {
			return Accept()
		}
		return Reject("%s op missing declared public entry %s", op.Kind, eh)
	}

	if err := op.Entry.CheckSize(); err != nil {
		return Reject("%v", err)
	}
	got, err := op.Entry.Hash()
	if err != nil {
		return Reject("entry does not hash: %v", err)
	}
	if !got.Equal(eh) {
		return Reject("entry hash mismatch: declared %s, got %s", eh, got)
	}
	if op.Entry.Kind == types.EntryKindCounterSign {
		session, err := ParseCounterSignSession(op.Entry.Blob)
		if err != nil {
			return Reject("countersign session: %v", err)
		}
		if err := session.VerifyAll(); err != nil {
			return Reject("countersign session: %v", err)
		}
	}
	return Accept()
}

// checkTypes enforces the manifest's declared ranges.
func (v *SysValidator) checkTypes(a *types.Action) Outcome {
	if v.Manifest == nil {
		return Accept()
	}
	if _, decl, ok := a.EntryData(); ok && decl.Kind == types.EntryKindApp && decl.App != nil {
		if err := v.Manifest.CheckEntryType(*decl.App); err != nil {
			return Reject("%v", err)
		}
	}
	if a.Type == types.ActionCreateLink {
		if err := v.Manifest.CheckLinkType(a.ZomeIndex, a.LinkType); err != nil {
			return Reject("%v", err)
		}
	}
	return Accept()
}

// checkKindRules enforces the per-kind reference rules: updates name a
// type-compatible original, deletes name an entry-creating action, and
// link removals name the CreateLink they revoke.
func (v *SysValidator) checkKindRules(ctx context.Context, op *types.Op) (Outcome, []hash.Hash, error) {
	a := &op.SignedAction.Action
	switch op.Kind {
	case types.OpRegisterUpdatedContent, types.OpRegisterUpdatedRecord:
		orig, err := v.Deps.GetAction(ctx, a.OriginalAction)
		if err != nil {
			return Outcome{}, nil, err
		}
		if orig == nil {
			return Accept(), []hash.Hash{a.OriginalAction}, nil
		}
		origHash, origDecl, ok := orig.Action.EntryData()
		if !ok {
			return Reject("update names %s action %s, which creates no entry", orig.Action.Type, a.OriginalAction), nil, nil
		}
		if !origHash.Equal(a.OriginalEntry) {
			return Reject("update's original entry %s does not match original action's entry %s", a.OriginalEntry, origHash), nil, nil
		}
		if !entryTypesMatch(origDecl, a.EntryType) {
			return Reject("update changes the entry type of %s", a.OriginalAction), nil, nil
		}
		return Accept(), nil, nil

	case types.OpRegisterDeletedBy, types.OpRegisterDeletedEntryAction:
		target, err := v.Deps.GetAction(ctx, a.DeletesAction)
		if err != nil {
			return Outcome{}, nil, err
		}
		if target == nil {
			return Accept(), []hash.Hash{a.DeletesAction}, nil
		}
		targetHash, _, ok := target.Action.EntryData()
		if !ok {
			return Reject("delete names %s action %s, which creates no entry", target.Action.Type, a.DeletesAction), nil, nil
		}
		if !targetHash.Equal(a.DeletesEntry) {
			return Reject("delete's entry %s does not match deleted action's entry %s", a.DeletesEntry, targetHash), nil, nil
		}
		return Accept(), nil, nil

	case types.OpRegisterRemoveLink:
		add, err := v.Deps.GetAction(ctx, a.LinkAddAddress)
		if err != nil {
			return Outcome{}, nil, err
		}
		if add == nil {
			return Accept(), []hash.Hash{a.LinkAddAddress}, nil
		}
		if add.Action.Type != types.ActionCreateLink {
			return Reject("delete_link names %s action %s, want create_link", add.Action.Type, a.LinkAddAddress), nil, nil
		}
		if !add.Action.BaseAddress.Equal(a.BaseAddress) {
			return Reject("delete_link base %s does not match create_link base %s", a.BaseAddress, add.Action.BaseAddress), nil, nil
		}
		return Accept(), nil, nil
	}
	return Accept(), nil, nil
}

func entryTypesMatch(a, b *types.EntryTypeDecl) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind != types.EntryKindApp {
		return true
	}
	if a.App == nil || b.App == nil {
		return a.App == b.App
	}
	return a.App.ZomeIndex == b.App.ZomeIndex && a.App.EntryIndex == b.App.EntryIndex
}
