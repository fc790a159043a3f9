// Package testutil provides test utilities for database setup.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/kiln/internal/infrastructure/sqlite"
)

// NewTestDB creates a migrated database in a per-test temp directory.
// It is closed automatically when the test completes.
func NewTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "kiln.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
