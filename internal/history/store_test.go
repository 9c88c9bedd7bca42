package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRecordAndRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	ctx := context.Background()

	first := Record{
		ID:               "exec-1",
		ScriptDigest:     "sha256:aaa",
		NamespacesCalled: []string{"kv", "mail"},
		Success:          true,
		DurationMS:       42,
		StartedAt:        time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	second := first
	second.ID = "exec-2"
	second.Success = false
	second.StartedAt = first.StartedAt.Add(time.Minute)

	require.NoError(t, store.Record(ctx, first))
	require.NoError(t, store.Record(ctx, second))

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	assert.Equal(t, "exec-2", recent[0].ID, "newest execution must sort first")
	assert.False(t, recent[0].Success)
	assert.Equal(t, "exec-1", recent[1].ID)
	assert.Equal(t, []string{"kv", "mail"}, recent[1].NamespacesCalled)
}

func TestStoreRecentDefaultsLimit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	recent, err := store.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

// TestStoreRecordSqlmock exercises the exact INSERT shape against a
// mocked driver, independent of a real SQLite file.
func TestStoreRecordSqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	rec := Record{
		ID:               "exec-1",
		ScriptDigest:     "sha256:aaa",
		NamespacesCalled: []string{"kv"},
		Success:          true,
		DurationMS:       10,
		StartedAt:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	mock.ExpectExec(`INSERT INTO executions`).
		WithArgs(rec.ID, rec.ScriptDigest, `["kv"]`, 1, rec.DurationMS, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Record(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}
