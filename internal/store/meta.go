package store

import (
	"context"
	"database/sql"
)

// GetMeta reads a key from the meta table. Missing keys return ok=false.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.ReadTx(ctx, func(tx *sql.Tx) error {
		e := tx.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
		if e == sql.ErrNoRows {
			return nil
		}
		if e != nil {
			return classify(e, "get meta")
		}
		ok = true
		return nil
	})
	return
}

// SetMeta upserts a key in the meta table.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value); err != nil {
			return classify(err, "set meta")
		}
		return nil
	})
}
