package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook-io/daybook/internal/adapter/repo/sqlite"
	"github.com/daybook-io/daybook/internal/domain"
)

func TestItemRepo_UpsertLifecycle(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	rec := testRecord("news", "a1", "headline one")
	outcome, err := repo.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeInserted, outcome)

	stored, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "news", stored.Namespace)
	assert.Equal(t, "a1", stored.SourceID)
	assert.Equal(t, "headline one", stored.Content)
	assert.Equal(t, "2026-03-11", stored.DaysDate)
	assert.Equal(t, domain.EmbeddingPending, stored.EmbeddingStatus)
	assert.Equal(t, "test", stored.Metadata["origin"])
	assert.False(t, stored.CreatedAt.IsZero())

	// Identical payload leaves the row untouched.
	outcome, err = repo.Upsert(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUnchanged, outcome)
	unchanged, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, unchanged.UpdatedAt.Equal(stored.UpdatedAt))

	// Metadata-only change updates the row without resetting the
	// embedding status.
	require.NoError(t, repo.SetEmbeddingStatus(ctx, rec.ID, domain.EmbeddingCompleted))
	enriched := rec
	enriched.Metadata = map[string]any{"origin": "test", "tag": "breaking"}
	outcome, err = repo.Upsert(ctx, enriched)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdated, outcome)
	stored, err = repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmbeddingCompleted, stored.EmbeddingStatus)
	assert.Equal(t, "breaking", stored.Metadata["tag"])

	// Content change resets the embedding status to pending.
	rewritten := enriched
	rewritten.Content = "headline one, updated"
	outcome, err = repo.Upsert(ctx, rewritten)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdated, outcome)
	stored, err = repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EmbeddingPending, stored.EmbeddingStatus)
	assert.Equal(t, "headline one, updated", stored.Content)
	assert.True(t, stored.CreatedAt.Equal(unchanged.CreatedAt), "created_at must survive updates")
	assert.True(t, stored.UpdatedAt.After(unchanged.UpdatedAt))
}

func TestItemRepo_UpsertValidates(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	_, err := repo.Upsert(ctx, domain.Record{ID: "news:x", Namespace: "news"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	noDate := domain.NewRecord("news", "x", "content", nil)
	_, err = repo.Upsert(ctx, noDate)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "days_date")
}

func TestItemRepo_GetAndDeleteMissing(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	_, err := repo.Get(ctx, "news:absent")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = repo.Delete(ctx, "news:absent")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestItemRepo_DeleteNamespace(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := repo.Upsert(ctx, testRecord("twitter", id, "tweet "+id))
		require.NoError(t, err)
	}
	_, err := repo.Upsert(ctx, testRecord("news", "n1", "headline"))
	require.NoError(t, err)

	n, err := repo.DeleteNamespace(ctx, "twitter")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	counts, err := repo.CountByNamespace(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"news": 1}, counts)
}

func TestItemRepo_ListByDate(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	mk := func(ns, id string, offset time.Duration, date string) domain.Record {
		rec := testRecord(ns, id, "content "+id)
		rec.DaysDate = date
		rec.CreatedAt = base.Add(offset)
		return rec
	}
	for _, rec := range []domain.Record{
		mk("news", "n2", 2*time.Hour, "2026-03-11"),
		mk("news", "n1", 1*time.Hour, "2026-03-11"),
		mk("weather", "weather_2026-03-11", 30*time.Minute, "2026-03-11"),
		mk("news", "n3", 3*time.Hour, "2026-03-12"),
	} {
		_, err := repo.Upsert(ctx, rec)
		require.NoError(t, err)
	}

	all, err := repo.ListByDate(ctx, "2026-03-11")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "weather:weather_2026-03-11", all[0].ID)
	assert.Equal(t, "news:n1", all[1].ID)
	assert.Equal(t, "news:n2", all[2].ID)

	newsOnly, err := repo.ListByDate(ctx, "2026-03-11", "news")
	require.NoError(t, err)
	require.Len(t, newsOnly, 2)
	assert.Equal(t, "news:n1", newsOnly[0].ID)
	assert.Equal(t, "news:n2", newsOnly[1].ID)

	empty, err := repo.ListByDate(ctx, "2026-03-13")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestItemRepo_ListByIDs(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := repo.Upsert(ctx, testRecord("news", id, "content "+id))
		require.NoError(t, err)
	}

	got, err := repo.ListByIDs(ctx, []string{"news:a", "news:absent", "news:b"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	none, err := repo.ListByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestItemRepo_EmbeddingQueue(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	// Insert in reverse id order so queue order proves updated_at, not id.
	for _, id := range []string{"c", "b", "a"} {
		_, err := repo.Upsert(ctx, testRecord("limitless", id, "entry "+id))
		require.NoError(t, err)
	}

	queue, err := repo.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "limitless:c", queue[0].ID)
	assert.Equal(t, "limitless:b", queue[1].ID)
	assert.Equal(t, "limitless:a", queue[2].ID)

	// A content change pushes the row to the back of the queue.
	changed := testRecord("limitless", "c", "entry c, revised")
	_, err = repo.Upsert(ctx, changed)
	require.NoError(t, err)
	queue, err = repo.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "limitless:c", queue[2].ID)

	// Completed rows leave the queue; the limit caps the batch.
	require.NoError(t, repo.SetEmbeddingStatus(ctx, "limitless:b", domain.EmbeddingCompleted))
	queue, err = repo.PendingEmbeddings(ctx, 1)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "limitless:a", queue[0].ID)

	completed, err := repo.CountByStatus(ctx, domain.EmbeddingCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
}

func TestItemRepo_FailedEmbeddingsRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	ids := make([]string, 0, 2)
	for _, id := range []string{"a", "b"} {
		rec := testRecord("news", id, "content "+id)
		_, err := repo.Upsert(ctx, rec)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	require.NoError(t, repo.MarkEmbedFailed(ctx, ids))
	failed, err := repo.CountByStatus(ctx, domain.EmbeddingFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)
	queue, err := repo.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queue)

	n, err := repo.ResetFailedEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	queue, err = repo.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, queue, 2)

	require.NoError(t, repo.MarkEmbedFailed(ctx, nil))
}

func TestItemRepo_PendingExcludesExhaustedAttempts(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	rec := testRecord("news", "poison", "unembeddable")
	_, err := repo.Upsert(ctx, rec)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`UPDATE data_items SET embed_attempts = ? WHERE id = ?`, 5, rec.ID)
	require.NoError(t, err)

	queue, err := repo.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queue, "rows at the attempt cap must not re-enter the queue")

	// A reset grants a fresh budget even for exhausted rows.
	require.NoError(t, repo.MarkEmbedFailed(ctx, []string{rec.ID}))
	n, err := repo.ResetFailedEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	queue, err = repo.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestItemRepo_Counters(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := repo.Upsert(ctx, testRecord("news", id, "content "+id))
		require.NoError(t, err)
	}
	other := testRecord("news", "c", "content c")
	other.DaysDate = "2026-03-12"
	_, err := repo.Upsert(ctx, other)
	require.NoError(t, err)
	_, err = repo.Upsert(ctx, testRecord("weather", "weather_2026-03-11", "forecast"))
	require.NoError(t, err)

	n, err := repo.CountByDate(ctx, "news", "2026-03-11")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := repo.CountByNamespace(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"news": 3, "weather": 1}, counts)

	ids, err := repo.ExistingSourceIDs(ctx, "news")
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	_, ok := ids["b"]
	assert.True(t, ok)
}

func TestItemRepo_LatestFingerprintTime(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	repo := sqlite.NewItemRepo(db)
	ctx := context.Background()

	first := testRecord("limitless", "f1", "same talk")
	first.Metadata["content_fingerprint"] = "fp-abc"
	_, err := repo.Upsert(ctx, first)
	require.NoError(t, err)

	second := testRecord("limitless", "f2", "same talk again")
	second.Metadata["content_fingerprint"] = "fp-abc"
	_, err = repo.Upsert(ctx, second)
	require.NoError(t, err)

	storedSecond, err := repo.Get(ctx, second.ID)
	require.NoError(t, err)

	got, ok, err := repo.LatestFingerprintTime(ctx, "limitless", "fp-abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(storedSecond.UpdatedAt), "latest row wins")

	_, ok, err = repo.LatestFingerprintTime(ctx, "limitless", "fp-other")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = repo.LatestFingerprintTime(ctx, "news", "fp-abc")
	require.NoError(t, err)
	assert.False(t, ok, "fingerprints are namespace-scoped")
}
