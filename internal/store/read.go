package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/types"
)

// GetAction returns the signed action at h, or nil if absent.
func (s *Store) GetAction(ctx context.Context, h hash.Hash) (*types.SignedAction, error) {
	var sa *types.SignedAction
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		sa, err = getActionTx(tx, h)
		return err
	})
	return sa, err
}

func getActionTx(tx *sql.Tx, h hash.Hash) (*types.SignedAction, error) {
	var blob []byte
	err := tx.QueryRow(`SELECT blob FROM action WHERE hash = ?`, h.Bytes()).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get action")
	}
	return types.DecodeSignedAction(blob)
}

// GetEntry returns the entry at h, or nil if absent.
func (s *Store) GetEntry(ctx context.Context, h hash.Hash) (*types.Entry, error) {
	var e *types.Entry
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		e, err = getEntryTx(tx, h)
		return err
	})
	return e, err
}

func getEntryTx(tx *sql.Tx, h hash.Hash) (*types.Entry, error) {
	var blob []byte
	err := tx.QueryRow(`SELECT blob FROM entry WHERE hash = ?`, h.Bytes()).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get entry")
	}
	return types.DecodeEntry(blob)
}

// GetRecord assembles the record at actionHash by joining the action
// and entry tables, or returns nil if the action is absent. A present
// action whose entry row is missing yields a record without entry;
// whether that is legitimate (private entry elsewhere) or Corruption
// (authored store) is the caller's call.
func (s *Store) GetRecord(ctx context.Context, actionHash hash.Hash) (*types.Record, error) {
	var rec *types.Record
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		sa, err := getActionTx(tx, actionHash)
		if err != nil || sa == nil {
			return err
		}
		rec = &types.Record{SignedAction: *sa}
		if eh, _, ok := sa.Action.EntryData(); ok {
			entry, err := getEntryTx(tx, eh)
			if err != nil {
				return err
			}
			rec.Entry = entry
		}
		return nil
	})
	return rec, err
}

// HasHash reports whether h is present as an action or entry primary
// row; used by the validators to resolve dependencies.
func (s *Store) HasHash(ctx context.Context, h hash.Hash) (bool, error) {
	var found bool
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		found, err = hasHashTx(tx, h)
		return err
	})
	return found, err
}

func hasHashTx(tx *sql.Tx, h hash.Hash) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM action WHERE hash = ?`, h.Bytes()).Scan(&one)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, classify(err, "has hash")
	}
	err = tx.QueryRow(`SELECT 1 FROM entry WHERE hash = ?`, h.Bytes()).Scan(&one)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, classify(err, "has hash")
	}
	return false, nil
}

// Head returns the latest action for agent, or ok=false on an empty
// chain.
func (s *Store) Head(ctx context.Context, agent hash.Hash) (h hash.Hash, seq uint32, ts types.Timestamp, ok bool, err error) {
	err = s.ReadTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		var rowTS int64
		e := tx.QueryRow(`
			SELECT hash, seq, ts FROM action WHERE author = ?
			ORDER BY seq DESC LIMIT 1
		`, agent.Bytes()).Scan(&raw, &seq, &rowTS)
		if e == sql.ErrNoRows {
			return nil
		}
		if e != nil {
			return classify(e, "chain head")
		}
		h, e = hash.FromBytes(raw)
		if e != nil {
			return &Error{Code: CodeCorruption, Message: "chain head row holds malformed hash", Wrapped: e}
		}
		ts = types.Timestamp(rowTS)
		ok = true
		return nil
	})
	return
}

// GetOp returns the limbo row for opHash, or nil if absent.
func (s *Store) GetOp(ctx context.Context, opHash hash.Hash) (*OpRow, error) {
	var row *OpRow
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(opRowSelect+` WHERE hash = ?`, opHash.Bytes())
		if err != nil {
			return classify(err, "get op")
		}
		defer rows.Close()
		out, err := scanOpRows(rows)
		if err != nil {
			return err
		}
		if len(out) > 0 {
			row = &out[0]
		}
		return nil
	})
	return row, err
}

const opRowSelect = `
	SELECT hash, basis, kind, action_hash, stage, status, deps,
	       last_attempt, enqueued_at, when_integrated, is_authored, receipts_done
	FROM dht_op`

func scanOpRows(rows *sql.Rows) ([]OpRow, error) {
	var out []OpRow
	for rows.Next() {
		var (
			r                                  OpRow
			rawHash, rawBasis, rawAction, deps []byte
			kind, stage                        string
			status                             sql.NullString
			lastAttempt, whenIntegrated        sql.NullInt64
			enqueuedAt                         int64
			isAuthored, receiptsDone           int
		)
		if err := rows.Scan(&rawHash, &rawBasis, &kind, &rawAction, &stage, &status,
			&deps, &lastAttempt, &enqueuedAt, &whenIntegrated, &isAuthored, &receiptsDone); err != nil {
			return nil, classify(err, "scan op row")
		}
		var err error
		if r.Hash, err = hash.FromBytes(rawHash); err != nil {
			return nil, &Error{Code: CodeCorruption, Message: "op row holds malformed hash", Wrapped: err}
		}
		if r.Basis, err = hash.FromBytes(rawBasis); err != nil {
			return nil, &Error{Code: CodeCorruption, Hash: r.Hash, Message: "op row holds malformed basis", Wrapped: err}
		}
		if r.ActionHash, err = hash.FromBytes(rawAction); err != nil {
			return nil, &Error{Code: CodeCorruption, Hash: r.Hash, Message: "op row holds malformed action hash", Wrapped: err}
		}
		r.Kind = types.OpKind(kind)
		r.Stage = Stage(stage)
		if status.Valid {
			r.Status = Status(status.String)
		}
		if lastAttempt.Valid {
			r.LastAttempt = types.Timestamp(lastAttempt.Int64)
		}
		r.EnqueuedAt = types.Timestamp(enqueuedAt)
		if whenIntegrated.Valid {
			r.WhenIntegrated = types.Timestamp(whenIntegrated.Int64)
		}
		r.IsAuthored = isAuthored != 0
		r.ReceiptsDone = receiptsDone != 0
		if len(deps) > 0 {
			var raw [][]byte
			if err := json.Unmarshal(deps, &raw); err != nil {
				return nil, &Error{Code: CodeCorruption, Hash: r.Hash, Message: "op row holds malformed deps", Wrapped: err}
			}
			for _, d := range raw {
				dh, err := hash.FromBytes(d)
				if err != nil {
					return nil, &Error{Code: CodeCorruption, Hash: r.Hash, Message: "op dep is malformed", Wrapped: err}
				}
				r.Deps = append(r.Deps, dh)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate op rows")
	}
	return out, nil
}

// ReconstructOp rebuilds a full op from its row by joining the action
// and entry tables. A missing action row under an op index entry is
// Corruption.
func (s *Store) ReconstructOp(ctx context.Context, row *OpRow) (*types.Op, error) {
	var op *types.Op
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		sa, err := getActionTx(tx, row.ActionHash)
		if err != nil {
			return err
		}
		if sa == nil {
			return &Error{Code: CodeCorruption, Hash: row.Hash, Message: "op index points at missing action row"}
		}
		op = &types.Op{Kind: row.Kind, SignedAction: *sa}
		if row.Kind.CarriesEntry() {
			if eh, _, ok := sa.Action.EntryData(); ok {
				entry, err := getEntryTx(tx, eh)
				if err != nil {
					return err
				}
				op.Entry = entry
			}
		}
		return nil
	})
	return op, err
}
