package registry

import (
	"context"
	"fmt"
)

// RecordAPIKey persists an API key's uid and description. It does not
// generate, hash, or validate credentials — authentication itself is a
// non-goal; this table exists so a future auth layer has somewhere to
// record which keys it has issued.
func (r *Registry) RecordAPIKey(ctx context.Context, uid, description string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_keys (uid, description) VALUES ($1, $2)
		ON CONFLICT (uid) DO UPDATE SET description = EXCLUDED.description
	`, uid, description)
	if err != nil {
		return fmt.Errorf("record api key %q: %w", uid, err)
	}
	return nil
}

// RevokeAPIKey marks uid revoked without deleting its row.
func (r *Registry) RevokeAPIKey(ctx context.Context, uid string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET revoked_at = now() WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("revoke api key %q: %w", uid, err)
	}
	return nil
}
