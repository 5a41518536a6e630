package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daybook-io/daybook/internal/adapter/repo/sqlite"
	"github.com/daybook-io/daybook/internal/domain"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRecord(namespace, sourceID, content string) domain.Record {
	rec := domain.NewRecord(namespace, sourceID, content, map[string]any{"origin": "test"})
	rec.DaysDate = "2026-03-11"
	return rec
}
