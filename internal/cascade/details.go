package cascade

import (
	"context"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/store"
	"github.com/roach88/strand/internal/types"
)

// EntryStatus summarizes an entry's standing under its deletes.
type EntryStatus string

const (
	// EntryLive has at least one undeleted creating action.
	EntryLive EntryStatus = "live"
	// EntryDead has every creating action deleted.
	EntryDead EntryStatus = "dead"
)

// EntryDetails aggregates everything registered at an entry basis.
type EntryDetails struct {
	Entry   *types.Entry
	Creates []types.SignedAction
	Updates []types.SignedAction
	Deletes []types.SignedAction
	Status  EntryStatus
}

// GetEntryDetails aggregates the entry with the actions registered
// against it. Authorities answer from the integrated index; others get
// the entry over the network, which yields details without the
// update/delete aggregation only the authority holds.
func (c *Cascade) GetEntryDetails(ctx context.Context, entryHash hash.Hash, opts Options) (*EntryDetails, error) {
	if !c.isAuthority(entryHash) {
		entry, err := c.GetEntry(ctx, entryHash, opts)
		if err != nil || entry == nil {
			return nil, err
		}
		return &EntryDetails{Entry: entry, Status: EntryLive}, nil
	}

	entry, err := c.dht.GetEntry(ctx, entryHash)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		if entry, err = c.authored.GetEntry(ctx, entryHash); err != nil || entry == nil {
			return nil, err
		}
	}

	details := &EntryDetails{Entry: entry, Status: EntryLive}
	rows, err := c.dht.QueryByBasis(ctx, entryHash, store.BasisFilter{
		IntegratedOnly: true,
		Statuses:       []store.Status{store.StatusValid},
	})
	if err != nil {
		return nil, err
	}

	deleted := map[hash.Hash]bool{}
	for i := range rows {
		sa, err := c.dht.GetAction(ctx, rows[i].ActionHash)
		if err != nil {
			return nil, err
		}
		if sa == nil {
			return nil, &store.Error{Code: store.CodeCorruption, Hash: rows[i].Hash, Message: "entry basis op points at missing action"}
		}
		switch rows[i].Kind {
		case types.OpStoreEntry:
			details.Creates = append(details.Creates, *sa)
		case types.OpRegisterUpdatedContent:
			details.Updates = append(details.Updates, *sa)
		case types.OpRegisterDeletedEntryAction:
			details.Deletes = append(details.Deletes, *sa)
			deleted[sa.Action.DeletesAction] = true
		}
	}

	if len(details.Creates) > 0 {
		allDead := true
		for i := range details.Creates {
			if !deleted[details.Creates[i].MustHash()] {
				allDead = false
				break
			}
		}
		if allDead {
			details.Status = EntryDead
		}
	}
	return details, nil
}
