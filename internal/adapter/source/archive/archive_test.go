package archive

import (
	"archive/zip"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook-io/daybook/internal/domain"
)

const tweetsJS = `window.YTD.tweets.part0 = [
  {"tweet": {"id_str": "1001", "full_text": "first tweet", "created_at": "Mon Sep 09 14:30:00 +0000 2024", "favorite_count": "2", "retweet_count": "0", "lang": "en"}},
  {"tweet": {"id_str": "1002", "full_text": "second tweet", "created_at": "Tue Sep 10 08:15:00 +0000 2024", "favorite_count": "0", "retweet_count": "1", "lang": "en"}}
]`

type stubIDs struct {
	ids map[string]struct{}
}

func (s stubIDs) ExistingSourceIDs(domain.Context, string) (map[string]struct{}, error) {
	return s.ids, nil
}

func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "twitter.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, werr := zw.Create(name)
		require.NoError(t, werr)
		_, werr = w.Write([]byte(body))
		require.NoError(t, werr)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func newTestAdapter(t *testing.T, path string, ids IDLister) *Adapter {
	t.Helper()
	return New(Config{Path: path}, ids, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func collect(t *testing.T, a *Adapter, limit int) ([]domain.Record, []error) {
	t.Helper()
	var (
		recs     []domain.Record
		itemErrs []error
	)
	err := a.FetchItems(context.Background(), nil, limit, func(rec domain.Record, perr error) error {
		if perr != nil {
			itemErrs = append(itemErrs, perr)
			return nil
		}
		recs = append(recs, rec)
		return nil
	})
	require.NoError(t, err)
	return recs, itemErrs
}

func TestFetchItems_ImportsTweets(t *testing.T) {
	path := writeArchive(t, map[string]string{"data/tweets.js": tweetsJS})
	a := newTestAdapter(t, path, nil)

	recs, itemErrs := collect(t, a, 0)
	require.Empty(t, itemErrs)
	require.Len(t, recs, 2)

	first := recs[0]
	assert.Equal(t, "twitter:1001", first.ID)
	assert.Equal(t, "1001", first.SourceID)
	assert.Equal(t, "first tweet", first.Content)
	assert.Equal(t, "2024-09-09T14:30:00Z", first.Metadata["original_created_at"])
	assert.Equal(t, "2", first.Metadata["favorite_count"])
	assert.Equal(t, "en", first.Metadata["lang"])
	assert.Contains(t, first.Metadata, "original")

	assert.Equal(t, "1002", recs[1].SourceID)
}

func TestFetchItems_EntityMetadata(t *testing.T) {
	body := `window.YTD.tweets.part0 = [
  {"tweet": {"id_str": "3001", "full_text": "reply with #golang", "created_at": "Mon Sep 09 14:30:00 +0000 2024",
    "in_reply_to_status_id_str": "2999",
    "source": "<a href=\"https://mobile.twitter.com\" rel=\"nofollow\">Twitter Web App</a>",
    "entities": {"hashtags": [{"text": "golang"}], "urls": [{"expanded_url": "https://go.dev/blog"}]}}}
]`
	path := writeArchive(t, map[string]string{"data/tweets.js": body})
	a := newTestAdapter(t, path, nil)

	recs, itemErrs := collect(t, a, 0)
	require.Empty(t, itemErrs)
	require.Len(t, recs, 1)

	meta := recs[0].Metadata
	assert.Equal(t, true, meta["is_reply"])
	assert.Equal(t, "Twitter Web App", meta["client"])
	assert.Equal(t, []string{"golang"}, meta["hashtags"])
	assert.Equal(t, []string{"https://go.dev/blog"}, meta["urls"])
}

func TestFetchItems_PlainTweetHasNoEntityKeys(t *testing.T) {
	path := writeArchive(t, map[string]string{"data/tweets.js": tweetsJS})
	a := newTestAdapter(t, path, nil)

	recs, itemErrs := collect(t, a, 0)
	require.Empty(t, itemErrs)
	require.Len(t, recs, 2)
	for _, key := range []string{"is_reply", "client", "hashtags", "urls"} {
		assert.NotContains(t, recs[0].Metadata, key)
	}
}

func TestFetchItems_RequiresExactTweetsBasename(t *testing.T) {
	cases := map[string]string{
		"singular":   "data/tweet.js",
		"mixed case": "data/Tweets.js",
	}
	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeArchive(t, map[string]string{entry: tweetsJS})
			a := newTestAdapter(t, path, nil)

			err := a.FetchItems(context.Background(), nil, 0, func(domain.Record, error) error {
				t.Fatal("nothing should be yielded")
				return nil
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "tweets.js")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestFetchItems_SkipsExistingIDs(t *testing.T) {
	path := writeArchive(t, map[string]string{"data/tweets.js": tweetsJS})
	a := newTestAdapter(t, path, stubIDs{ids: map[string]struct{}{"1001": {}}})

	recs, itemErrs := collect(t, a, 0)
	require.Empty(t, itemErrs)
	require.Len(t, recs, 1)
	assert.Equal(t, "1002", recs[0].SourceID)
}

func TestFetchItems_UnparseableTimestampSkipped(t *testing.T) {
	body := `window.YTD.tweets.part0 = [
  {"tweet": {"id_str": "2001", "full_text": "bad clock", "created_at": "not a date"}},
  {"tweet": {"id_str": "2002", "full_text": "fine", "created_at": "Tue Sep 10 08:15:00 +0000 2024"}}
]`
	path := writeArchive(t, map[string]string{"tweets.js": body})
	a := newTestAdapter(t, path, nil)

	recs, itemErrs := collect(t, a, 0)
	require.Len(t, itemErrs, 1)
	assert.ErrorIs(t, itemErrs[0], domain.ErrSchemaInvalid)
	assert.Contains(t, itemErrs[0].Error(), "2001")
	require.Len(t, recs, 1)
	assert.Equal(t, "2002", recs[0].SourceID)
}

func TestFetchItems_LimitRespected(t *testing.T) {
	path := writeArchive(t, map[string]string{"data/tweets.js": tweetsJS})
	a := newTestAdapter(t, path, nil)

	recs, itemErrs := collect(t, a, 1)
	require.Empty(t, itemErrs)
	assert.Len(t, recs, 1)
}

func TestFetchItems_RejectsNonZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, []byte("plain text, not an archive"), 0o644))
	a := newTestAdapter(t, path, nil)

	err := a.FetchItems(context.Background(), nil, 0, func(domain.Record, error) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTestConnection(t *testing.T) {
	good := writeArchive(t, map[string]string{"data/tweets.js": tweetsJS})
	require.NoError(t, newTestAdapter(t, good, nil).TestConnection(context.Background()))

	missing := filepath.Join(t.TempDir(), "nope.zip")
	err := newTestAdapter(t, missing, nil).TestConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
