package registry

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// RecordIndexCreated upserts the index's existence and primary key. Called
// by the processor once an IndexCreation batch's bbolt-side write commits.
func (r *Registry) RecordIndexCreated(ctx context.Context, indexUID, primaryKey string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO indexes (uid, primary_key)
		VALUES ($1, $2)
		ON CONFLICT (uid) DO UPDATE SET primary_key = EXCLUDED.primary_key, deleted_at = NULL
	`, indexUID, primaryKey)
	if err != nil {
		return fmt.Errorf("record index created %q: %w", indexUID, err)
	}
	return nil
}

// RecordIndexDeleted marks indexUID as deleted without removing the row,
// preserving history for audit/filter-by-deleted-index queries.
func (r *Registry) RecordIndexDeleted(ctx context.Context, indexUID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE indexes SET deleted_at = now() WHERE uid = $1`, indexUID)
	if err != nil {
		return fmt.Errorf("record index deleted %q: %w", indexUID, err)
	}
	return nil
}

// RecordIndexSwapped logs the swap and renames both index rows in place so
// each index_uid keeps pointing at its own (now-exchanged) document set.
func (r *Registry) RecordIndexSwapped(ctx context.Context, a, b string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index swap tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO index_swaps (index_a, index_b) VALUES ($1, $2)`, a, b); err != nil {
		return fmt.Errorf("log index swap %q/%q: %w", a, b, err)
	}
	// Exchange primary_key rows between a and b; the uid stays the same on
	// either side, only the settings each uid reports change ownership.
	const placeholder = "__bbtc_swap_tmp__"
	if _, err := tx.ExecContext(ctx, `UPDATE indexes SET uid = $1 WHERE uid = $2`, placeholder, a); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE indexes SET uid = $1 WHERE uid = $2`, a, b); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE indexes SET uid = $1 WHERE uid = $2`, b, placeholder); err != nil {
		return err
	}
	return tx.Commit()
}

// IndexExists reports whether indexUID is a currently live (non-deleted)
// index, used by the API layer to validate index-scoped task enqueues.
func (r *Registry) IndexExists(ctx context.Context, indexUID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM indexes WHERE uid = $1 AND deleted_at IS NULL)
	`, indexUID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check index exists %q: %w", indexUID, err)
	}
	return exists, nil
}

// LiveIndexUIDs filters uids down to the ones that currently exist and
// aren't soft-deleted, in one round trip.
func (r *Registry) LiveIndexUIDs(ctx context.Context, uids []string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT uid FROM indexes WHERE uid = ANY($1) AND deleted_at IS NULL
	`, pq.Array(uids))
	if err != nil {
		return nil, fmt.Errorf("filter live indexes: %w", err)
	}
	defer rows.Close()

	var live []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		live = append(live, uid)
	}
	return live, rows.Err()
}

// PrimaryKey returns the primary key indexUID was created with.
func (r *Registry) PrimaryKey(ctx context.Context, indexUID string) (string, error) {
	var pk string
	err := r.db.QueryRowContext(ctx, `SELECT primary_key FROM indexes WHERE uid = $1`, indexUID).Scan(&pk)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("index %q not found", indexUID)
	}
	if err != nil {
		return "", fmt.Errorf("read primary key %q: %w", indexUID, err)
	}
	return pk, nil
}
