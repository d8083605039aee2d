package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/types"
)

// Mutations are exposed twice: as Tx-level functions so callers can
// compose several writes into one atomic transaction (the chain flush
// writes actions, entries and ops together), and as Store methods for
// single-shot use.

// PutActionTx inserts a signed action. Idempotent on hash: duplicate
// inserts are silently coalesced.
func PutActionTx(tx *sql.Tx, sa *types.SignedAction) error {
	h, err := sa.Hash()
	if err != nil {
		return err
	}
	blob, err := types.EncodeSignedAction(sa)
	if err != nil {
		return err
	}
	a := &sa.Action
	var entryHash, prev any
	if eh, _, ok := a.EntryData(); ok {
		entryHash = eh.Bytes()
	}
	if !a.PrevAction.IsEmpty() {
		prev = a.PrevAction.Bytes()
	}
	_, err = tx.Exec(`
		INSERT INTO action (hash, author, seq, prev_hash, ts, type, entry_hash, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, h.Bytes(), a.Author.Bytes(), a.Seq, prev, int64(a.Timestamp), string(a.Type), entryHash, blob)
	if err != nil {
		return classify(err, "put action")
	}
	return nil
}

// PutEntryTx inserts an entry, rejecting content whose hash disagrees
// with an action that already references that hash. Idempotent.
func PutEntryTx(tx *sql.Tx, e *types.Entry) error {
	h, err := e.Hash()
	if err != nil {
		return err
	}
	// An action may have declared this hash before the entry arrived;
	// the declared hash is trusted, the arriving bytes are not.
	var existingKind string
	err = tx.QueryRow(`SELECT kind FROM entry WHERE hash = ?`, h.Bytes()).Scan(&existingKind)
	switch {
	case err == sql.ErrNoRows:
		// New entry.
	case err != nil:
		return classify(err, "put entry lookup")
	default:
		if existingKind != string(e.Kind) {
			return &Error{Code: CodeConflict, Hash: h,
				Message: fmt.Sprintf("entry kind mismatch: stored %q, incoming %q", existingKind, e.Kind)}
		}
		return nil
	}

	blob, err := types.EncodeEntry(e)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO entry (hash, kind, visibility, blob)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, h.Bytes(), string(e.Kind), string(e.Visibility), blob)
	if err != nil {
		return classify(err, "put entry")
	}
	return nil
}

// PutOpTx inserts an op row at the given stage, together with its
// action (and public entry, if carried). Idempotent on op hash.
func PutOpTx(tx *sql.Tx, op *types.Op, stage Stage, status Status, isAuthored bool, now types.Timestamp) error {
	opHash, err := op.Hash()
	if err != nil {
		return err
	}
	basis, err := op.Basis()
	if err != nil {
		return err
	}
	actionHash, err := op.SignedAction.Hash()
	if err != nil {
		return err
	}

	if err := PutActionTx(tx, &op.SignedAction); err != nil {
		return err
	}
	if op.Entry != nil && op.Kind.CarriesEntry() {
		if err := PutEntryTx(tx, op.Entry); err != nil {
			return err
		}
	}

	var statusVal any
	if status != "" {
		statusVal = string(status)
	}
	authored := 0
	if isAuthored {
		authored = 1
	}
	_, err = tx.Exec(`
		INSERT INTO dht_op (hash, basis, kind, action_hash, stage, status, enqueued_at, is_authored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, opHash.Bytes(), basis.Bytes(), string(op.Kind), actionHash.Bytes(), string(stage), statusVal, int64(now), authored)
	if err != nil {
		return classify(err, "put op")
	}
	return nil
}

// SetStageTx moves an op to a new pipeline stage, optionally recording
// the dependency set it is waiting on.
func SetStageTx(tx *sql.Tx, opHash hash.Hash, stage Stage, deps []hash.Hash, now types.Timestamp) error {
	var depsBlob any
	if len(deps) > 0 {
		raw := make([][]byte, len(deps))
		for i, d := range deps {
			raw[i] = d.Bytes()
		}
		b, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		depsBlob = b
	}
	res, err := tx.Exec(`
		UPDATE dht_op SET stage = ?, deps = ?, last_attempt = ? WHERE hash = ?
	`, string(stage), depsBlob, int64(now), opHash.Bytes())
	if err != nil {
		return classify(err, "set stage")
	}
	return requireRow(res, opHash, "set stage")
}

// SetStatusTx records a validation verdict.
func SetStatusTx(tx *sql.Tx, opHash hash.Hash, status Status) error {
	res, err := tx.Exec(`UPDATE dht_op SET status = ? WHERE hash = ?`, string(status), opHash.Bytes())
	if err != nil {
		return classify(err, "set status")
	}
	return requireRow(res, opHash, "set status")
}

// SetIntegratedTx marks an op integrated at ts. The timestamp is
// written at most once: integration is monotonic and a second attempt
// on the same op is a logic error upstream, tolerated here as a no-op
// so crash-replays stay idempotent.
func SetIntegratedTx(tx *sql.Tx, opHash hash.Hash, ts types.Timestamp) error {
	_, err := tx.Exec(`
		UPDATE dht_op SET stage = ?, when_integrated = ?
		WHERE hash = ? AND when_integrated IS NULL
	`, string(StageIntegrated), int64(ts), opHash.Bytes())
	if err != nil {
		return classify(err, "set integrated")
	}
	return nil
}

// InsertLinkTx materializes a CreateLink into the link index.
func InsertLinkTx(tx *sql.Tx, createHash hash.Hash, a *types.Action) error {
	_, err := tx.Exec(`
		INSERT INTO link (create_hash, base, target, zome_index, link_type, tag, ts, author)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(create_hash) DO NOTHING
	`, createHash.Bytes(), a.BaseAddress.Bytes(), a.TargetAddress.Bytes(),
		a.ZomeIndex, a.LinkType, a.Tag, int64(a.Timestamp), a.Author.Bytes())
	if err != nil {
		return classify(err, "insert link")
	}
	return nil
}

// TombstoneLinkTx records a DeleteLink against its CreateLink.
func TombstoneLinkTx(tx *sql.Tx, createHash, deleteHash hash.Hash) error {
	_, err := tx.Exec(`
		UPDATE link SET delete_hash = ? WHERE create_hash = ? AND delete_hash IS NULL
	`, deleteHash.Bytes(), createHash.Bytes())
	if err != nil {
		return classify(err, "tombstone link")
	}
	return nil
}

// AddReceipt records a validation receipt from an authority. Returns
// the number of receipts now held for the op.
func (s *Store) AddReceipt(ctx context.Context, opHash, authority hash.Hash, status Status, signature []byte, now types.Timestamp) (int, error) {
	var count int
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO receipt (op_hash, authority, status, signature, received_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(op_hash, authority) DO NOTHING
		`, opHash.Bytes(), authority.Bytes(), string(status), signature, int64(now)); err != nil {
			return classify(err, "add receipt")
		}
		return tx.QueryRow(`SELECT COUNT(*) FROM receipt WHERE op_hash = ?`, opHash.Bytes()).Scan(&count)
	})
	return count, err
}

// MarkReceiptsDone clears an authored op from the publish queue.
func (s *Store) MarkReceiptsDone(ctx context.Context, opHash hash.Hash) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE dht_op SET receipts_done = 1 WHERE hash = ?`, opHash.Bytes()); err != nil {
			return classify(err, "mark receipts done")
		}
		return nil
	})
}

// PutAction is the single-shot form of PutActionTx.
func (s *Store) PutAction(ctx context.Context, sa *types.SignedAction) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error { return PutActionTx(tx, sa) })
}

// PutEntry is the single-shot form of PutEntryTx.
func (s *Store) PutEntry(ctx context.Context, e *types.Entry) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error { return PutEntryTx(tx, e) })
}

// PutOp is the single-shot form of PutOpTx.
func (s *Store) PutOp(ctx context.Context, op *types.Op, stage Stage, status Status, isAuthored bool, now types.Timestamp) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		return PutOpTx(tx, op, stage, status, isAuthored, now)
	})
}

// SetStage is the single-shot form of SetStageTx.
func (s *Store) SetStage(ctx context.Context, opHash hash.Hash, stage Stage, deps []hash.Hash, now types.Timestamp) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error { return SetStageTx(tx, opHash, stage, deps, now) })
}

// SetIntegrated is the single-shot form of SetIntegratedTx.
func (s *Store) SetIntegrated(ctx context.Context, opHash hash.Hash, ts types.Timestamp) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error { return SetIntegratedTx(tx, opHash, ts) })
}

// SetStatus is the single-shot form of SetStatusTx.
func (s *Store) SetStatus(ctx context.Context, opHash hash.Hash, status Status) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error { return SetStatusTx(tx, opHash, status) })
}

func requireRow(res sql.Result, h hash.Hash, context string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, context)
	}
	if n == 0 {
		return &Error{Code: CodeNotFound, Hash: h, Message: context + ": op not present"}
	}
	return nil
}
