package storage_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loomd/internal/storage"
)

// newTestStore opens a file-backed SQLite database under t.TempDir, runs
// migrations, and registers cleanup. Using a real file (rather than
// ":memory:") exercises the same file-health probe and WAL pragmas the
// daemon uses in production, per spec.md §4.1.
func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := storage.Open(context.Background(), storage.Config{
		Path:          filepath.Join(dir, "loomd.db"),
		Max:           4,
		RunMigrations: true,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	return storage.New(pool)
}
