package news

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/retry"
)

type stubCounter struct {
	count int
	err   error
	calls int
}

func (s *stubCounter) CountByDate(_ domain.Context, _, _ string) (int, error) {
	s.calls++
	return s.count, s.err
}

func newTestAdapter(t *testing.T, baseURL string, counter DayCounter) *Adapter {
	t.Helper()
	exec := retry.New(retry.Config{MaxRetries: 0}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(Config{
		BaseURL: baseURL,
		APIKey:  "rapid-key",
		APIHost: "news.example",
		Country: "US",
		Lang:    "en",
	}, counter, exec, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func articleJSON(title, link string) string {
	return fmt.Sprintf(`{"title":%q,"link":%q,"snippet":"details","published_datetime_utc":"2026-03-11T06:00:00.000Z","source_name":"Example Wire","authors":["Jane Doe"]}`, title, link)
}

func TestFetchItems_SelectsFirstFiveComplete(t *testing.T) {
	var gotQuery, gotKey, gotHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("x-rapidapi-key")
		gotHost = r.Header.Get("x-rapidapi-host")

		arts := []string{
			articleJSON("A", "https://example.com/a"),
			`{"title":"","link":"https://example.com/empty-title"}`,
			articleJSON("B", "https://example.com/b"),
			`{"title":"no link","link":""}`,
			articleJSON("C", "https://example.com/c"),
			articleJSON("D", "https://example.com/d"),
			articleJSON("E", "https://example.com/e"),
			articleJSON("F", "https://example.com/f"),
		}
		fmt.Fprintf(w, `{"status":"OK","data":[%s]}`, strings.Join(arts, ","))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, &stubCounter{count: 0})
	defer a.Close()

	var recs []domain.Record
	err := a.FetchItems(context.Background(), nil, 0, func(rec domain.Record, perr error) error {
		require.NoError(t, perr)
		recs = append(recs, rec)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, recs, 5)
	titles := make([]string, 0, len(recs))
	for _, r := range recs {
		titles = append(titles, r.Metadata["title"].(string))
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, titles)

	assert.Equal(t, "rapid-key", gotKey)
	assert.Equal(t, "news.example", gotHost)
	assert.Contains(t, gotQuery, "limit=20")
	assert.Contains(t, gotQuery, "country=US")
	assert.Contains(t, gotQuery, "lang=en")

	sum := sha1.Sum([]byte("https://example.com/a"))
	assert.Equal(t, hex.EncodeToString(sum[:]), recs[0].SourceID)
	assert.Equal(t, "A\n\ndetails", recs[0].Content)
	assert.Equal(t, "2026-03-11T06:00:00.000Z", recs[0].Metadata["published_datetime_utc"])
	assert.Equal(t, []string{"Jane Doe"}, recs[0].Metadata["authors"])
}

func TestFetchItems_DuplicateLinksCollapse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arts := []string{
			articleJSON("First take", "https://example.com/story"),
			articleJSON("Second take", "https://example.com/story"),
			articleJSON("Third take", "https://example.com/story"),
			articleJSON("Other", "https://example.com/other"),
		}
		fmt.Fprintf(w, `{"status":"OK","data":[%s]}`, strings.Join(arts, ","))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, &stubCounter{count: 0})
	defer a.Close()

	ids := map[string]struct{}{}
	var recs int
	err := a.FetchItems(context.Background(), nil, 0, func(rec domain.Record, perr error) error {
		require.NoError(t, perr)
		ids[rec.SourceID] = struct{}{}
		recs++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, recs)
	assert.Len(t, ids, recs)
}

func TestFetchItems_DistinctURLsSameTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arts := []string{
			articleJSON("Shared headline", "https://example.com/one"),
			articleJSON("Shared headline", "https://example.com/two"),
		}
		fmt.Fprintf(w, `{"status":"OK","data":[%s]}`, strings.Join(arts, ","))
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, &stubCounter{count: 0})
	defer a.Close()

	ids := map[string]struct{}{}
	err := a.FetchItems(context.Background(), nil, 0, func(rec domain.Record, perr error) error {
		require.NoError(t, perr)
		ids[rec.SourceID] = struct{}{}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestFetchItems_ShortCircuitsWhenTodayIngested(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"status":"OK","data":[]}`)
	}))
	defer srv.Close()

	counter := &stubCounter{count: 3}
	a := newTestAdapter(t, srv.URL, counter)
	defer a.Close()

	var yielded int
	err := a.FetchItems(context.Background(), nil, 0, func(domain.Record, error) error {
		yielded++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, yielded)
	assert.Equal(t, 0, calls, "no API call when today's headlines exist")
	assert.Equal(t, 1, counter.calls)
}

func TestHashLinkStable(t *testing.T) {
	a := hashLink("https://example.com/story")
	b := hashLink("https://example.com/story")
	c := hashLink("https://example.com/other")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)
}

func TestTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-rapidapi-key") == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `{"status":"OK","data":[]}`)
	}))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL, nil)
	defer a.Close()
	require.NoError(t, a.TestConnection(context.Background()))
}

func TestFetchItems_CounterErrorFailsSync(t *testing.T) {
	a := newTestAdapter(t, "http://unused.invalid", &stubCounter{err: fmt.Errorf("db closed")})
	defer a.Close()

	err := a.FetchItems(context.Background(), nil, 0, func(domain.Record, error) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count today")
}
