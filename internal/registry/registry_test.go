package registry

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Registry{db: db}, mock
}

func TestRecordIndexCreatedUpserts(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectExec(`INSERT INTO indexes`).
		WithArgs("movies", "id").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.RecordIndexCreated(context.Background(), "movies", "id"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIndexDeletedMarksDeletedAt(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectExec(`UPDATE indexes SET deleted_at`).
		WithArgs("movies").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.RecordIndexDeleted(context.Background(), "movies"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIndexSwappedRunsInATransaction(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO index_swaps`).
		WithArgs("a", "b").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE indexes SET uid = \$1 WHERE uid = \$2`).
		WithArgs("__bbtc_swap_tmp__", "a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE indexes SET uid = \$1 WHERE uid = \$2`).
		WithArgs("a", "b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE indexes SET uid = \$1 WHERE uid = \$2`).
		WithArgs("b", "__bbtc_swap_tmp__").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, r.RecordIndexSwapped(context.Background(), "a", "b"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIndexExists(t *testing.T) {
	r, mock := newMockRegistry(t)
	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("movies").WillReturnRows(rows)

	ok, err := r.IndexExists(context.Background(), "movies")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// anyValue matches any bound argument; used where the driver-level
// encoding of a value (e.g. pq.Array's {"a","b"} literal) isn't worth
// asserting exactly.
type anyValue struct{}

func (anyValue) Match(driver.Value) bool { return true }

func TestLiveIndexUIDsFiltersDeleted(t *testing.T) {
	r, mock := newMockRegistry(t)
	rows := sqlmock.NewRows([]string{"uid"}).AddRow("movies")
	mock.ExpectQuery(`SELECT uid FROM indexes WHERE uid = ANY`).
		WithArgs(anyValue{}).
		WillReturnRows(rows)

	live, err := r.LiveIndexUIDs(context.Background(), []string{"movies", "ghost"})
	require.NoError(t, err)
	require.Equal(t, []string{"movies"}, live)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDumpCreatedIgnoresConflict(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectExec(`INSERT INTO dumps .*ON CONFLICT \(uid\) DO NOTHING`).
		WithArgs("dump-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.RecordDumpCreated(context.Background(), "dump-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSnapshotCreated(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectExec(`INSERT INTO snapshots`).
		WithArgs("snap-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.RecordSnapshotCreated(context.Background(), "snap-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAPIKey(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectExec(`UPDATE api_keys SET revoked_at`).
		WithArgs("key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, r.RevokeAPIKey(context.Background(), "key-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
