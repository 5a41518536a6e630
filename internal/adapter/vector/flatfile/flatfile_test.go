package flatfile_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook-io/daybook/internal/adapter/vector/flatfile"
	"github.com/daybook-io/daybook/internal/domain"
)

func newTestIndex(t *testing.T) (*flatfile.Index, string) {
	t.Helper()
	dir := t.TempDir()
	x, err := flatfile.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = x.Close() })
	return x, dir
}

func TestIndex_AddAndSearch(t *testing.T) {
	t.Parallel()
	x, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Add(ctx, "news:a", []float32{1, 0, 0}))
	require.NoError(t, x.Add(ctx, "news:b", []float32{0.8, 0.6, 0}))
	require.NoError(t, x.Add(ctx, "news:c", []float32{0, 1, 0}))

	hits, err := x.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "news:a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "news:b", hits[1].ID)
	assert.InDelta(t, 0.8, hits[1].Score, 1e-6)

	// k larger than the index returns everything, still ordered.
	hits, err = x.Search(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
	assert.Equal(t, "news:c", hits[2].ID)
}

func TestIndex_HeaderLayout(t *testing.T) {
	t.Parallel()
	x, dir := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Add(ctx, "news:a", []float32{1, 0, 0}))
	require.NoError(t, x.Add(ctx, "news:b", []float32{0, 1, 0}))
	require.NoError(t, x.Flush())

	buf, err := os.ReadFile(filepath.Join(dir, "vectors.idx"))
	require.NoError(t, err)
	require.Len(t, buf, 12+2*3*4)
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(buf[0:8]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[8:12]))
}

func TestIndex_AddOverwritesInPlace(t *testing.T) {
	t.Parallel()
	x, dir := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Add(ctx, "news:a", []float32{1, 0, 0}))
	require.NoError(t, x.Add(ctx, "news:a", []float32{0, 1, 0}))
	require.NoError(t, x.Flush())

	assert.Equal(t, 1, x.Len())
	info, err := os.Stat(filepath.Join(dir, "vectors.idx"))
	require.NoError(t, err)
	assert.Equal(t, int64(12+3*4), info.Size(), "overwrite must not grow the file")

	hits, err := x.Search(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestIndex_DimensionFixedByFirstAdd(t *testing.T) {
	t.Parallel()
	x, _ := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Add(ctx, "news:a", []float32{1, 0, 0}))

	err := x.Add(ctx, "news:b", []float32{1, 0, 0, 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)

	_, err = x.Search(ctx, []float32{1, 0}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestIndex_SearchValidatesK(t *testing.T) {
	t.Parallel()
	x, _ := newTestIndex(t)

	_, err := x.Search(context.Background(), []float32{1}, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestIndex_EmptySearch(t *testing.T) {
	t.Parallel()
	x, _ := newTestIndex(t)

	hits, err := x.Search(context.Background(), []float32{1, 2, 3}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_TieBreaksById(t *testing.T) {
	t.Parallel()
	x, _ := newTestIndex(t)
	ctx := context.Background()

	vec := []float32{0.5, 0.5, 0}
	require.NoError(t, x.Add(ctx, "news:b", vec))
	require.NoError(t, x.Add(ctx, "news:a", vec))

	hits, err := x.Search(ctx, []float32{1, 1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "news:a", hits[0].ID)
	assert.Equal(t, "news:b", hits[1].ID)
	assert.InDelta(t, hits[0].Score, hits[1].Score, 1e-9)
}

func TestIndex_RemoveAndRemoveNamespace(t *testing.T) {
	t.Parallel()
	x, _ := newTestIndex(t)
	ctx := context.Background()

	for _, id := range []string{"news:1", "news:2", "newsy:1", "weather:1"} {
		require.NoError(t, x.Add(ctx, id, []float32{1, 0, 0}))
	}

	require.NoError(t, x.Remove(ctx, "weather:1"))
	assert.False(t, x.Contains("weather:1"))
	assert.Equal(t, 3, x.Len())

	// Removing an absent id is a no-op.
	require.NoError(t, x.Remove(ctx, "weather:1"))

	n, err := x.RemoveNamespace(ctx, "news")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, x.Contains("newsy:1"), "prefix match must include the colon")

	hits, err := x.Search(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "newsy:1", hits[0].ID)
}

func TestIndex_PersistAndReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	x, err := flatfile.Open(dir)
	require.NoError(t, err)
	require.NoError(t, x.Add(ctx, "news:a", []float32{1, 0, 0}))
	require.NoError(t, x.Add(ctx, "news:b", []float32{0, 1, 0}))
	require.NoError(t, x.Add(ctx, "news:c", []float32{0, 0, 1}))
	require.NoError(t, x.Remove(ctx, "news:b"))
	require.NoError(t, x.Close())

	reopened, err := flatfile.Open(dir)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.Equal(t, 2, reopened.Len())
	assert.False(t, reopened.Contains("news:b"))

	stats := reopened.Stats()
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 3, stats.Dimension)
	// The dead slot stays in the file until compaction.
	assert.Equal(t, int64(12+3*3*4), stats.IndexBytes)
	assert.Positive(t, stats.MapBytes)

	hits, err := reopened.Search(ctx, []float32{0, 0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "news:c", hits[0].ID)
}

func TestIndex_AddValidates(t *testing.T) {
	t.Parallel()
	x, _ := newTestIndex(t)
	ctx := context.Background()

	err := x.Add(ctx, "", []float32{1})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = x.Add(ctx, "news:a", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
