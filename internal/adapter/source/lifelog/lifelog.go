// Package lifelog ingests recorded conversations from the Limitless
// lifelog API. The provider pages with an opaque cursor and caps the
// per-request page size at 10.
package lifelog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/daybook-io/daybook/internal/adapter/source"
	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/retry"
	"github.com/daybook-io/daybook/pkg/timex"
)

// maxPageSize is the provider cap; larger requests are truncated upstream
// so asking for more only skews the pagination math.
const maxPageSize = 10

type Config struct {
	Namespace string
	BaseURL   string
	APIKey    string
	PageSize  int
	Timezone  *time.Location
	Timeout   time.Duration
}

type Adapter struct {
	cfg     Config
	client  *source.Client
	exec    *retry.Executor
	limiter *rate.Limiter
	log     *slog.Logger
}

func New(cfg Config, exec *retry.Executor, log *slog.Logger) *Adapter {
	if cfg.Namespace == "" {
		cfg.Namespace = domain.NamespaceLifelog
	}
	if cfg.PageSize <= 0 || cfg.PageSize > maxPageSize {
		cfg.PageSize = maxPageSize
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:     cfg,
		client:  source.NewClient("lifelog", cfg.Timeout),
		exec:    exec,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     log.With(slog.String("adapter", "lifelog"), slog.String("namespace", cfg.Namespace)),
	}
}

func (a *Adapter) Namespace() string { return a.cfg.Namespace }

func (a *Adapter) Close() error { return a.client.Close() }

// TestConnection fetches a single lifelog to prove the key and host work.
func (a *Adapter) TestConnection(ctx domain.Context) error {
	if _, err := a.fetchPage(ctx, nil, "", 1); err != nil {
		return fmt.Errorf("op=lifelog.test_connection: %w", err)
	}
	return nil
}

// FetchItems walks the cursor until the provider stops returning one or
// the item budget is spent. Pages are paced at one request per second.
func (a *Adapter) FetchItems(ctx domain.Context, since *time.Time, limit int, yield func(domain.Record, error) error) error {
	var (
		cursor  string
		fetched int
	)
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("op=lifelog.fetch_items: %w", err)
		}
		pageSize := a.cfg.PageSize
		if limit > 0 && limit-fetched < pageSize {
			pageSize = limit - fetched
		}
		var page *pageResponse
		err := a.exec.Do(ctx, "lifelog.fetch_page", func(ctx domain.Context) error {
			var ferr error
			page, ferr = a.fetchPage(ctx, since, cursor, pageSize)
			return ferr
		})
		if err != nil {
			return fmt.Errorf("op=lifelog.fetch_items: %w", err)
		}
		for _, raw := range page.Data.Lifelogs {
			rec, derr := a.decode(raw)
			if derr != nil {
				a.log.Warn("skipping malformed lifelog", slog.String("error", derr.Error()))
				if yerr := yield(domain.Record{}, derr); yerr != nil {
					return yerr
				}
				continue
			}
			if yerr := yield(rec, nil); yerr != nil {
				return yerr
			}
			fetched++
			if limit > 0 && fetched >= limit {
				return nil
			}
		}
		cursor = page.Meta.Lifelogs.NextCursor
		if cursor == "" {
			return nil
		}
	}
}

type pageResponse struct {
	Data struct {
		Lifelogs []json.RawMessage `json:"lifelogs"`
	} `json:"data"`
	Meta struct {
		Lifelogs struct {
			NextCursor string `json:"nextCursor"`
			Count      int    `json:"count"`
		} `json:"lifelogs"`
	} `json:"meta"`
}

func (a *Adapter) fetchPage(ctx domain.Context, since *time.Time, cursor string, pageSize int) (*pageResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	q.Set("includeMarkdown", "true")
	q.Set("includeHeadings", "true")
	q.Set("timezone", a.cfg.Timezone.String())
	if since != nil {
		q.Set("start", since.In(a.cfg.Timezone).Format("2006-01-02 15:04:05"))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/lifelogs?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", a.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.HTTP().Do(req)
	if err != nil {
		return nil, fmt.Errorf("get lifelogs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := source.CheckResponse(resp); err != nil {
		return nil, err
	}
	var page pageResponse
	if err := source.DecodeJSON(resp.Body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

type lifelogEntry struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Markdown  string        `json:"markdown"`
	StartTime string        `json:"startTime"`
	EndTime   string        `json:"endTime"`
	UpdatedAt string        `json:"updatedAt"`
	IsStarred bool          `json:"isStarred"`
	Contents  []contentNode `json:"contents"`
}

type contentNode struct {
	Type              string        `json:"type"`
	Content           string        `json:"content"`
	SpeakerName       string        `json:"speakerName"`
	SpeakerIdentifier string        `json:"speakerIdentifier"`
	StartTime         string        `json:"startTime"`
	EndTime           string        `json:"endTime"`
	Children          []contentNode `json:"children"`
}

// decode turns one provider payload into a Record. Content is the title
// followed by a depth-first flatten of the content tree; blockquote nodes
// carry dialogue and get a "{speaker}: " prefix, with the archive owner
// tagged "(You)".
func (a *Adapter) decode(raw json.RawMessage) (domain.Record, error) {
	var entry lifelogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.Record{}, fmt.Errorf("%w: lifelog entry: %v", domain.ErrSchemaInvalid, err)
	}
	if entry.ID == "" {
		return domain.Record{}, fmt.Errorf("%w: lifelog entry missing id", domain.ErrSchemaInvalid)
	}

	var (
		lines    []string
		speakers = map[string]struct{}{}
		types    = map[string]struct{}{}
	)
	if t := strings.TrimSpace(entry.Title); t != "" {
		lines = append(lines, t)
	}
	flattenNodes(entry.Contents, &lines, speakers, types)

	var original map[string]any
	if err := json.Unmarshal(raw, &original); err != nil {
		return domain.Record{}, fmt.Errorf("%w: lifelog entry: %v", domain.ErrSchemaInvalid, err)
	}

	meta := map[string]any{
		"original":      original,
		"title":         entry.Title,
		"speakers":      setToSlice(speakers),
		"content_types": setToSlice(types),
	}
	if entry.StartTime != "" {
		meta["start_time"] = entry.StartTime
	}
	if entry.EndTime != "" {
		meta["end_time"] = entry.EndTime
	}
	if entry.UpdatedAt != "" {
		meta["update_time"] = entry.UpdatedAt
	}
	if entry.IsStarred {
		meta["is_starred"] = true
	}
	if entry.Markdown != "" {
		meta["has_markdown"] = true
	}

	rec := domain.NewRecord(a.cfg.Namespace, entry.ID, strings.Join(lines, "\n"), meta)
	if entry.UpdatedAt != "" {
		if ts, terr := timex.Parse(entry.UpdatedAt, a.cfg.Timezone); terr == nil {
			rec.UpdatedAt = ts.UTC()
		}
	}
	return rec, nil
}

func flattenNodes(nodes []contentNode, lines *[]string, speakers, types map[string]struct{}) {
	for _, n := range nodes {
		if n.Type != "" {
			types[n.Type] = struct{}{}
		}
		text := strings.TrimSpace(n.Content)
		if text != "" {
			if n.Type == "blockquote" && n.SpeakerName != "" {
				speaker := n.SpeakerName
				if n.SpeakerIdentifier == "user" {
					speaker += " (You)"
				}
				speakers[speaker] = struct{}{}
				text = speaker + ": " + text
			}
			*lines = append(*lines, text)
		}
		flattenNodes(n.Children, lines, speakers, types)
	}
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
