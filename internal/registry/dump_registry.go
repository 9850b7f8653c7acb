package registry

import (
	"context"
	"fmt"
)

// RecordDumpCreated logs that a DumpCreation task produced dumpUID. The
// dump's actual file format is outside this module's scope (non-goal);
// this is bookkeeping only.
func (r *Registry) RecordDumpCreated(ctx context.Context, dumpUID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dumps (uid) VALUES ($1)
		ON CONFLICT (uid) DO NOTHING
	`, dumpUID)
	if err != nil {
		return fmt.Errorf("record dump created %q: %w", dumpUID, err)
	}
	return nil
}

// RecordSnapshotCreated logs that a SnapshotCreation task produced
// snapshotUID.
func (r *Registry) RecordSnapshotCreated(ctx context.Context, snapshotUID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO snapshots (uid) VALUES ($1)
		ON CONFLICT (uid) DO NOTHING
	`, snapshotUID)
	if err != nil {
		return fmt.Errorf("record snapshot created %q: %w", snapshotUID, err)
	}
	return nil
}
