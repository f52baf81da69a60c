package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaunzlim0123/query-pilot/internal/storage"
)

// OpenDB opens a fresh SQLite database under the test's temp directory
// with the full schema applied.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
