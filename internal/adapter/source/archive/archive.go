// Package archive imports tweets from an offline Twitter data export.
// The export is a ZIP containing a tweets.js file: a JSON array behind a
// JavaScript assignment wrapper.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/pkg/timex"
)

// tweetsFile is matched against entry basenames exactly; exports from
// other tools ship a near-miss "tweet.js" that is a different format.
const tweetsFile = "tweets.js"

// createdAtLayout is the fixed timestamp format of the export.
const createdAtLayout = "Mon Jan 02 15:04:05 -0700 2006"

// IDLister is the narrow store view used for archive-level dedup.
type IDLister interface {
	ExistingSourceIDs(ctx domain.Context, namespace string) (map[string]struct{}, error)
}

type Config struct {
	Namespace string
	Path      string
	Timezone  *time.Location
}

type Adapter struct {
	cfg Config
	ids IDLister
	log *slog.Logger
}

func New(cfg Config, ids IDLister, log *slog.Logger) *Adapter {
	if cfg.Namespace == "" {
		cfg.Namespace = domain.NamespaceTwitter
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg: cfg,
		ids: ids,
		log: log.With(slog.String("adapter", "archive"), slog.String("namespace", cfg.Namespace)),
	}
}

func (a *Adapter) Namespace() string { return a.cfg.Namespace }

// Close is a no-op; the adapter holds no transport.
func (a *Adapter) Close() error { return nil }

// TestConnection verifies the archive exists and looks like a ZIP.
func (a *Adapter) TestConnection(_ domain.Context) error {
	if err := a.checkArchive(); err != nil {
		return fmt.Errorf("op=archive.test_connection: %w", err)
	}
	return nil
}

func (a *Adapter) checkArchive() error {
	if a.cfg.Path == "" {
		return fmt.Errorf("%w: archive path not set", domain.ErrInvalidArgument)
	}
	if _, err := os.Stat(a.cfg.Path); err != nil {
		return fmt.Errorf("%w: archive %s: %v", domain.ErrNotFound, a.cfg.Path, err)
	}
	mime, err := mimetype.DetectFile(a.cfg.Path)
	if err != nil {
		return fmt.Errorf("sniff archive: %w", err)
	}
	if !mime.Is("application/zip") {
		return fmt.Errorf("%w: archive %s is %s, want application/zip", domain.ErrInvalidArgument, a.cfg.Path, mime.String())
	}
	return nil
}

// FetchItems extracts the archive into a scratch directory, parses the
// tweets file, and yields one record per tweet not already stored. The
// since parameter is ignored: archives are point-in-time exports and the
// id-set dedup handles repeated imports.
func (a *Adapter) FetchItems(ctx domain.Context, _ *time.Time, limit int, yield func(domain.Record, error) error) error {
	if err := a.checkArchive(); err != nil {
		return fmt.Errorf("op=archive.fetch_items: %w", err)
	}

	scratch, err := os.MkdirTemp("", "daybook-archive-")
	if err != nil {
		return fmt.Errorf("op=archive.fetch_items: scratch dir: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(scratch); rerr != nil {
			a.log.Warn("failed to remove scratch dir", slog.String("dir", scratch), slog.String("error", rerr.Error()))
		}
	}()

	if err := extractZip(a.cfg.Path, scratch); err != nil {
		return fmt.Errorf("op=archive.fetch_items: %w", err)
	}

	tweetsPath, err := findTweetsFile(scratch)
	if err != nil {
		return fmt.Errorf("op=archive.fetch_items: %w", err)
	}

	wrappers, err := parseTweetsFile(tweetsPath)
	if err != nil {
		return fmt.Errorf("op=archive.fetch_items: %w", err)
	}

	existing := map[string]struct{}{}
	if a.ids != nil {
		existing, err = a.ids.ExistingSourceIDs(ctx, a.cfg.Namespace)
		if err != nil {
			return fmt.Errorf("op=archive.fetch_items: existing ids: %w", err)
		}
	}

	emitted, skipped := 0, 0
	for _, w := range wrappers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("op=archive.fetch_items: %w", err)
		}
		if limit > 0 && emitted >= limit {
			break
		}
		rec, derr := a.decodeTweet(w.Tweet, existing)
		if derr != nil {
			if errors.Is(derr, errAlreadyStored) {
				skipped++
				continue
			}
			a.log.Warn("skipping malformed tweet", slog.String("error", derr.Error()))
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
	a.log.Info("archive scan finished",
		slog.Int("total", len(wrappers)), slog.Int("yielded", emitted), slog.Int("already_stored", skipped))
	return nil
}

var errAlreadyStored = errors.New("already stored")

type tweetWrapper struct {
	Tweet json.RawMessage `json:"tweet"`
}

type tweet struct {
	IDStr         string        `json:"id_str"`
	FullText      string        `json:"full_text"`
	CreatedAt     string        `json:"created_at"`
	FavoriteCount string        `json:"favorite_count"`
	RetweetCount  string        `json:"retweet_count"`
	Lang          string        `json:"lang"`
	Source        string        `json:"source"`
	InReplyTo     string        `json:"in_reply_to_status_id_str"`
	Entities      tweetEntities `json:"entities"`
}

type tweetEntities struct {
	Hashtags []struct {
		Text string `json:"text"`
	} `json:"hashtags"`
	URLs []struct {
		ExpandedURL string `json:"expanded_url"`
	} `json:"urls"`
}

func (a *Adapter) decodeTweet(raw json.RawMessage, existing map[string]struct{}) (domain.Record, error) {
	var tw tweet
	if err := json.Unmarshal(raw, &tw); err != nil {
		return domain.Record{}, fmt.Errorf("%w: tweet: %v", domain.ErrSchemaInvalid, err)
	}
	if tw.IDStr == "" {
		return domain.Record{}, fmt.Errorf("%w: tweet missing id_str", domain.ErrSchemaInvalid)
	}
	if _, ok := existing[tw.IDStr]; ok {
		return domain.Record{}, errAlreadyStored
	}

	created, err := time.Parse(createdAtLayout, tw.CreatedAt)
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: tweet %s: created_at %q", domain.ErrSchemaInvalid, tw.IDStr, tw.CreatedAt)
	}

	var original map[string]any
	if err := json.Unmarshal(raw, &original); err != nil {
		return domain.Record{}, fmt.Errorf("%w: tweet %s: %v", domain.ErrSchemaInvalid, tw.IDStr, err)
	}

	meta := map[string]any{
		"original":            original,
		"original_created_at": timex.FormatISO(created.UTC()),
	}
	if tw.FavoriteCount != "" {
		meta["favorite_count"] = tw.FavoriteCount
	}
	if tw.RetweetCount != "" {
		meta["retweet_count"] = tw.RetweetCount
	}
	if tw.Lang != "" {
		meta["lang"] = tw.Lang
	}
	if tw.InReplyTo != "" {
		meta["is_reply"] = true
	}
	if client := clientName(tw.Source); client != "" {
		meta["client"] = client
	}
	tags := make([]string, 0, len(tw.Entities.Hashtags))
	for _, h := range tw.Entities.Hashtags {
		if h.Text != "" {
			tags = append(tags, h.Text)
		}
	}
	if len(tags) > 0 {
		meta["hashtags"] = tags
	}
	urls := make([]string, 0, len(tw.Entities.URLs))
	for _, u := range tw.Entities.URLs {
		if u.ExpandedURL != "" {
			urls = append(urls, u.ExpandedURL)
		}
	}
	if len(urls) > 0 {
		meta["urls"] = urls
	}
	return domain.NewRecord(a.cfg.Namespace, tw.IDStr, tw.FullText, meta), nil
}

// clientName extracts the display text from the export's source field,
// which ships as an HTML anchor like
// `<a href="..." rel="nofollow">Twitter Web App</a>`.
func clientName(source string) string {
	if i := strings.Index(source, ">"); i >= 0 {
		source = source[i+1:]
	}
	if i := strings.Index(source, "<"); i >= 0 {
		source = source[:i]
	}
	return strings.TrimSpace(source)
}

// extractZip unpacks src into dest, refusing entries that escape it.
func extractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = r.Close() }()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("%w: archive entry escapes extraction dir: %s", domain.ErrSchemaInvalid, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("extract %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// findTweetsFile walks the scratch tree for an entry whose basename is
// exactly tweets.js. The match is case-sensitive so the unrelated
// "tweet.js" single-tweet format is never picked up.
func findTweetsFile(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Base(path) == tweetsFile {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan extracted archive: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: archive contains no %s", domain.ErrNotFound, tweetsFile)
	}
	return found, nil
}

// parseTweetsFile strips the "window.YTD.tweets.part0 = " wrapper and
// decodes the JSON array behind it.
func parseTweetsFile(path string) ([]tweetWrapper, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", tweetsFile, err)
	}
	start := bytes.IndexByte(data, '[')
	if start < 0 {
		return nil, fmt.Errorf("%w: %s has no JSON array", domain.ErrSchemaInvalid, tweetsFile)
	}
	var wrappers []tweetWrapper
	dec := json.NewDecoder(bytes.NewReader(data[start:]))
	if err := dec.Decode(&wrappers); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrSchemaInvalid, tweetsFile, err)
	}
	return wrappers, nil
}
