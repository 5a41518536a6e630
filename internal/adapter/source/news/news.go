// Package news ingests top headlines from the RapidAPI real-time news
// provider. One fetch per day: when today's headlines already exist the
// adapter yields nothing without touching the network.
package news

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/daybook-io/daybook/internal/adapter/source"
	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/retry"
)

const (
	defaultFetchLimit = 20
	defaultDailyCap   = 5
)

// DayCounter is the narrow store view the adapter needs for its daily
// short-circuit check.
type DayCounter interface {
	CountByDate(ctx domain.Context, namespace, date string) (int, error)
}

type Config struct {
	Namespace  string
	BaseURL    string
	APIKey     string
	APIHost    string
	Country    string
	Lang       string
	FetchLimit int
	DailyCap   int
	Timezone   *time.Location
	Timeout    time.Duration
}

type Adapter struct {
	cfg     Config
	client  *source.Client
	exec    *retry.Executor
	counter DayCounter
	log     *slog.Logger
	now     func() time.Time
}

func New(cfg Config, counter DayCounter, exec *retry.Executor, log *slog.Logger) *Adapter {
	if cfg.Namespace == "" {
		cfg.Namespace = domain.NamespaceNews
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = defaultDailyCap
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:     cfg,
		client:  source.NewClient("news", cfg.Timeout),
		exec:    exec,
		counter: counter,
		log:     log.With(slog.String("adapter", "news"), slog.String("namespace", cfg.Namespace)),
		now:     time.Now,
	}
}

func (a *Adapter) Namespace() string { return a.cfg.Namespace }

func (a *Adapter) Close() error { return a.client.Close() }

func (a *Adapter) TestConnection(ctx domain.Context) error {
	if _, err := a.fetchHeadlines(ctx, 1); err != nil {
		return fmt.Errorf("op=news.test_connection: %w", err)
	}
	return nil
}

// FetchItems pulls one page of headlines and keeps the first DailyCap
// articles that have both a title and a link, deduplicated by URL. The
// since parameter is ignored: headlines are a daily snapshot and the
// short-circuit check below is what prevents re-ingestion.
func (a *Adapter) FetchItems(ctx domain.Context, _ *time.Time, limit int, yield func(domain.Record, error) error) error {
	today := a.now().In(a.cfg.Timezone).Format("2006-01-02")
	if a.counter != nil {
		n, err := a.counter.CountByDate(ctx, a.cfg.Namespace, today)
		if err != nil {
			return fmt.Errorf("op=news.fetch_items: count today: %w", err)
		}
		if n > 0 {
			a.log.Info("headlines already ingested today",
				slog.String("date", today), slog.Int("existing", n))
			return nil
		}
	}

	var page *headlineResponse
	err := a.exec.Do(ctx, "news.fetch_headlines", func(ctx domain.Context) error {
		var ferr error
		page, ferr = a.fetchHeadlines(ctx, a.cfg.FetchLimit)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("op=news.fetch_items: %w", err)
	}

	budget := a.cfg.DailyCap
	if limit > 0 && limit < budget {
		budget = limit
	}

	seen := make(map[string]struct{}, budget)
	emitted := 0
	for _, raw := range page.Data {
		if emitted >= budget {
			break
		}
		var art article
		if err := json.Unmarshal(raw, &art); err != nil {
			if yerr := yield(domain.Record{}, fmt.Errorf("%w: article: %v", domain.ErrSchemaInvalid, err)); yerr != nil {
				return yerr
			}
			continue
		}
		title := strings.TrimSpace(art.Title)
		link := strings.TrimSpace(art.Link)
		if title == "" || link == "" {
			continue
		}
		sourceID := hashLink(link)
		if _, dup := seen[sourceID]; dup {
			continue
		}
		seen[sourceID] = struct{}{}

		rec, derr := a.decode(raw, art, sourceID, title, link)
		if derr != nil {
			if yerr := yield(domain.Record{}, derr); yerr != nil {
				return yerr
			}
			continue
		}
		if yerr := yield(rec, nil); yerr != nil {
			return yerr
		}
		emitted++
	}
	return nil
}

type headlineResponse struct {
	Status string            `json:"status"`
	Data   []json.RawMessage `json:"data"`
}

type article struct {
	Title                string   `json:"title"`
	Link                 string   `json:"link"`
	Snippet              string   `json:"snippet"`
	PhotoURL             string   `json:"photo_url"`
	PublishedDatetimeUTC string   `json:"published_datetime_utc"`
	SourceName           string   `json:"source_name"`
	SourceURL            string   `json:"source_url"`
	Authors              []string `json:"authors"`
}

func (a *Adapter) fetchHeadlines(ctx domain.Context, fetchLimit int) (*headlineResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(fetchLimit))
	if a.cfg.Country != "" {
		q.Set("country", a.cfg.Country)
	}
	if a.cfg.Lang != "" {
		q.Set("lang", a.cfg.Lang)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/top-headlines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-rapidapi-key", a.cfg.APIKey)
	req.Header.Set("x-rapidapi-host", a.cfg.APIHost)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.HTTP().Do(req)
	if err != nil {
		return nil, fmt.Errorf("get headlines: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := source.CheckResponse(resp); err != nil {
		return nil, err
	}
	var page headlineResponse
	if err := source.DecodeJSON(resp.Body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (a *Adapter) decode(raw json.RawMessage, art article, sourceID, title, link string) (domain.Record, error) {
	var original map[string]any
	if err := json.Unmarshal(raw, &original); err != nil {
		return domain.Record{}, fmt.Errorf("%w: article: %v", domain.ErrSchemaInvalid, err)
	}

	content := title
	if s := strings.TrimSpace(art.Snippet); s != "" {
		content = title + "\n\n" + s
	}

	meta := map[string]any{
		"original": original,
		"title":    title,
		"link":     link,
	}
	if art.PublishedDatetimeUTC != "" {
		meta["published_datetime_utc"] = art.PublishedDatetimeUTC
	}
	if art.SourceName != "" {
		meta["source_name"] = art.SourceName
	}
	if art.PhotoURL != "" {
		meta["photo_url"] = art.PhotoURL
	}
	if len(art.Authors) > 0 {
		meta["authors"] = art.Authors
	}
	return domain.NewRecord(a.cfg.Namespace, sourceID, content, meta), nil
}

// hashLink derives the stable source id for an article URL.
func hashLink(link string) string {
	sum := sha1.Sum([]byte(link))
	return hex.EncodeToString(sum[:])
}
