package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/strand/internal/hash"
	"github.com/roach88/strand/internal/types"
)

// ChainFilter selects a slice of one agent's chain.
type ChainFilter struct {
	// SeqFrom/SeqTo bound the sequence range, inclusive. SeqTo == 0
	// with SeqFrom == 0 means the whole chain.
	SeqFrom uint32
	SeqTo   uint32
	// ActionTypes restricts to the listed types when non-empty.
	ActionTypes []types.ActionType
	// Limit caps the result count when > 0.
	Limit int
	// Descending reverses the sequence order.
	Descending bool
}

// QueryChain returns records authored by agent, ordered by sequence.
func (s *Store) QueryChain(ctx context.Context, agent hash.Hash, f ChainFilter) ([]types.Record, error) {
	var records []types.Record
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var sb strings.Builder
		sb.WriteString(`SELECT blob FROM action WHERE author = ?`)
		args := []any{agent.Bytes()}

		if f.SeqFrom > 0 || f.SeqTo > 0 {
			sb.WriteString(` AND seq >= ?`)
			args = append(args, f.SeqFrom)
			if f.SeqTo > 0 {
				sb.WriteString(` AND seq <= ?`)
				args = append(args, f.SeqTo)
			}
		}
		if len(f.ActionTypes) > 0 {
			sb.WriteString(` AND type IN (` + placeholders(len(f.ActionTypes)) + `)`)
			for _, at := range f.ActionTypes {
				args = append(args, string(at))
			}
		}
		if f.Descending {
			sb.WriteString(` ORDER BY seq DESC`)
		} else {
			sb.WriteString(` ORDER BY seq ASC`)
		}
		if f.Limit > 0 {
			sb.WriteString(` LIMIT ?`)
			args = append(args, f.Limit)
		}

		rows, err := tx.Query(sb.String(), args...)
		if err != nil {
			return classify(err, "query chain")
		}
		defer rows.Close()

		var blobs [][]byte
		for rows.Next() {
			var blob []byte
			if err := rows.Scan(&blob); err != nil {
				return classify(err, "scan chain row")
			}
			blobs = append(blobs, blob)
		}
		if err := rows.Err(); err != nil {
			return classify(err, "iterate chain rows")
		}

		for _, blob := range blobs {
			sa, err := types.DecodeSignedAction(blob)
			if err != nil {
				return &Error{Code: CodeCorruption, Message: "chain row holds undecodable action", Wrapped: err}
			}
			rec := types.Record{SignedAction: *sa}
			if eh, _, ok := sa.Action.EntryData(); ok {
				entry, err := getEntryTx(tx, eh)
				if err != nil {
					return err
				}
				rec.Entry = entry
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// BasisFilter narrows a by-basis op query.
type BasisFilter struct {
	// Kinds restricts to the listed op kinds when non-empty.
	Kinds []types.OpKind
	// IntegratedOnly restricts to ops with when_integrated set.
	IntegratedOnly bool
	// Statuses restricts to the listed verdicts when non-empty.
	Statuses []Status
}

// QueryByBasis returns op rows whose basis equals basis, matching the
// filter, oldest first.
func (s *Store) QueryByBasis(ctx context.Context, basis hash.Hash, f BasisFilter) ([]OpRow, error) {
	var out []OpRow
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var sb strings.Builder
		sb.WriteString(opRowSelect + ` WHERE basis = ?`)
		args := []any{basis.Bytes()}

		if len(f.Kinds) > 0 {
			sb.WriteString(` AND kind IN (` + placeholders(len(f.Kinds)) + `)`)
			for _, k := range f.Kinds {
				args = append(args, string(k))
			}
		}
		if f.IntegratedOnly {
			sb.WriteString(` AND when_integrated IS NOT NULL`)
		}
		if len(f.Statuses) > 0 {
			sb.WriteString(` AND status IN (` + placeholders(len(f.Statuses)) + `)`)
			for _, st := range f.Statuses {
				args = append(args, string(st))
			}
		}
		sb.WriteString(` ORDER BY enqueued_at ASC`)

		rows, err := tx.Query(sb.String(), args...)
		if err != nil {
			return classify(err, "query by basis")
		}
		defer rows.Close()
		out, err = scanOpRows(rows)
		return err
	})
	return out, err
}

// QueryPending returns op rows currently in stage, oldest first.
func (s *Store) QueryPending(ctx context.Context, stage Stage, limit int) ([]OpRow, error) {
	var out []OpRow
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		q := opRowSelect + ` WHERE stage = ? ORDER BY enqueued_at ASC`
		args := []any{string(stage)}
		if limit > 0 {
			q += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := tx.Query(q, args...)
		if err != nil {
			return classify(err, "query pending")
		}
		defer rows.Close()
		out, err = scanOpRows(rows)
		return err
	})
	return out, err
}

// CountLimbo returns the number of ops not yet integrated, which is
// the figure bounded by the per-cell limbo budget.
func (s *Store) CountLimbo(ctx context.Context) (int, error) {
	var n int
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		return tx.QueryRow(`SELECT COUNT(*) FROM dht_op WHERE when_integrated IS NULL`).Scan(&n)
	})
	return n, err
}

// QueryPublishable returns authored, integrated, not receipt-satisfied
// ops, oldest first.
func (s *Store) QueryPublishable(ctx context.Context, limit int) ([]OpRow, error) {
	var out []OpRow
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		q := opRowSelect + ` WHERE is_authored = 1 AND receipts_done = 0 AND when_integrated IS NOT NULL
			ORDER BY enqueued_at ASC`
		args := []any{}
		if limit > 0 {
			q += ` LIMIT ?`
			args = append(args, limit)
		}
		rows, err := tx.Query(q, args...)
		if err != nil {
			return classify(err, "query publishable")
		}
		defer rows.Close()
		out, err = scanOpRows(rows)
		return err
	})
	return out, err
}

// Link is one row of the materialized link index.
type Link struct {
	CreateHash hash.Hash
	Base       hash.Hash
	Target     hash.Hash
	ZomeIndex  uint8
	LinkType   uint8
	Tag        []byte
	Timestamp  types.Timestamp
	Author     hash.Hash
	// DeleteHash is set once a DeleteLink against this link has
	// integrated.
	DeleteHash hash.Hash
}

// Dead reports whether the link is tombstoned.
func (l *Link) Dead() bool {
	return !l.DeleteHash.IsEmpty()
}

// LinkQuery selects links at a base.
type LinkQuery struct {
	Base      hash.Hash
	ZomeIndex *uint8
	LinkType  *uint8
	TagPrefix []byte
	Author    *hash.Hash
	// After/Before bound the link timestamp, exclusive, when non-zero.
	After  types.Timestamp
	Before types.Timestamp
	Limit  int
	// IncludeDead keeps tombstoned links in the result.
	IncludeDead bool
}

// QueryLinks returns links matching q ordered by timestamp.
func (s *Store) QueryLinks(ctx context.Context, q LinkQuery) ([]Link, error) {
	var out []Link
	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		var sb strings.Builder
		sb.WriteString(`
			SELECT create_hash, base, target, zome_index, link_type, tag, ts, author, delete_hash
			FROM link WHERE base = ?`)
		args := []any{q.Base.Bytes()}

		if q.ZomeIndex != nil {
			sb.WriteString(` AND zome_index = ?`)
			args = append(args, *q.ZomeIndex)
		}
		if q.LinkType != nil {
			sb.WriteString(` AND link_type = ?`)
			args = append(args, *q.LinkType)
		}
		if q.Author != nil {
			sb.WriteString(` AND author = ?`)
			args = append(args, q.Author.Bytes())
		}
		if q.After != 0 {
			sb.WriteString(` AND ts > ?`)
			args = append(args, int64(q.After))
		}
		if q.Before != 0 {
			sb.WriteString(` AND ts < ?`)
			args = append(args, int64(q.Before))
		}
		if !q.IncludeDead {
			sb.WriteString(` AND delete_hash IS NULL`)
		}
		sb.WriteString(` ORDER BY ts ASC`)
		if q.Limit > 0 {
			sb.WriteString(` LIMIT ?`)
			args = append(args, q.Limit)
		}

		rows, err := tx.Query(sb.String(), args...)
		if err != nil {
			return classify(err, "query links")
		}
		defer rows.Close()

		for rows.Next() {
			var (
				l                                 Link
				rawCreate, rawBase, rawTarget     []byte
				rawAuthor, rawDelete, tag         []byte
				ts                                int64
			)
			if err := rows.Scan(&rawCreate, &rawBase, &rawTarget, &l.ZomeIndex, &l.LinkType,
				&tag, &ts, &rawAuthor, &rawDelete); err != nil {
				return classify(err, "scan link row")
			}
			if l.CreateHash, err = hash.FromBytes(rawCreate); err != nil {
				return &Error{Code: CodeCorruption, Message: "link row holds malformed create hash", Wrapped: err}
			}
			if l.Base, err = hash.FromBytes(rawBase); err != nil {
				return &Error{Code: CodeCorruption, Hash: l.CreateHash, Message: "link row holds malformed base", Wrapped: err}
			}
			if l.Target, err = hash.FromBytes(rawTarget); err != nil {
				return &Error{Code: CodeCorruption, Hash: l.CreateHash, Message: "link row holds malformed target", Wrapped: err}
			}
			if l.Author, err = hash.FromBytes(rawAuthor); err != nil {
				return &Error{Code: CodeCorruption, Hash: l.CreateHash, Message: "link row holds malformed author", Wrapped: err}
			}
			if len(rawDelete) > 0 {
				if l.DeleteHash, err = hash.FromBytes(rawDelete); err != nil {
					return &Error{Code: CodeCorruption, Hash: l.CreateHash, Message: "link row holds malformed delete hash", Wrapped: err}
				}
			}
			l.Tag = tag
			l.Timestamp = types.Timestamp(ts)
			// Tag prefix matching happens here rather than in SQL so
			// arbitrary binary tags need no LIKE escaping.
			if len(q.TagPrefix) > 0 && !hasPrefix(l.Tag, q.TagPrefix) {
				continue
			}
			out = append(out, l)
		}
		return rows.Err()
	})
	return out, err
}

// CountLinks returns the number of links matching q.
func (s *Store) CountLinks(ctx context.Context, q LinkQuery) (int, error) {
	links, err := s.QueryLinks(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(links), nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	return string(b[:len(prefix)]) == string(prefix)
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// TouchCache records an access to basis for LRU accounting. Only
// meaningful on the cache role.
func (s *Store) TouchCache(ctx context.Context, basis hash.Hash, bytes int, now types.Timestamp) error {
	if s.role != RoleCache {
		return fmt.Errorf("touch cache on %s store", s.role)
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO cache_access (basis, accessed_at, bytes) VALUES (?, ?, ?)
			ON CONFLICT(basis) DO UPDATE SET accessed_at = excluded.accessed_at,
				bytes = MAX(bytes, excluded.bytes)
		`, basis.Bytes(), int64(now), bytes)
		return classify(err, "touch cache")
	})
}

// TrimCache evicts least-recently-used cache content until the tracked
// byte total is at or under maxBytes. Eviction removes the op rows and
// orphaned action/entry rows for the evicted bases; it never runs on
// the authored or dht roles.
func (s *Store) TrimCache(ctx context.Context, maxBytes int64) (evicted int, err error) {
	if s.role != RoleCache {
		return 0, fmt.Errorf("trim cache on %s store", s.role)
	}
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		var total int64
		if err := tx.QueryRow(`SELECT COALESCE(SUM(bytes), 0) FROM cache_access`).Scan(&total); err != nil {
			return classify(err, "trim cache total")
		}
		for total > maxBytes {
			var basis []byte
			var bytes int64
			err := tx.QueryRow(`
				SELECT basis, bytes FROM cache_access ORDER BY accessed_at ASC LIMIT 1
			`).Scan(&basis, &bytes)
			if err == sql.ErrNoRows {
				return nil
			}
			if err != nil {
				return classify(err, "trim cache pick")
			}
			for _, stmt := range []string{
				`DELETE FROM entry WHERE hash IN (
					SELECT entry_hash FROM action
					WHERE entry_hash IS NOT NULL
					  AND hash IN (SELECT action_hash FROM dht_op WHERE basis = ?))`,
				`DELETE FROM action WHERE hash IN (SELECT action_hash FROM dht_op WHERE basis = ?)`,
				`DELETE FROM dht_op WHERE basis = ?`,
				`DELETE FROM link WHERE base = ?`,
				`DELETE FROM cache_access WHERE basis = ?`,
			} {
				if _, err := tx.Exec(stmt, basis); err != nil {
					return classify(err, "trim cache evict")
				}
			}
			total -= bytes
			evicted++
		}
		return nil
	})
	return evicted, err
}
