package processor

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/pkg/timex"
)

// MetadataEnrichment stamps the processing history and materializes the
// conveniently-queryable fields: speakers, content types, duration, and
// source_type.
type MetadataEnrichment struct {
	now func() time.Time
}

func NewMetadataEnrichment() *MetadataEnrichment {
	return &MetadataEnrichment{now: time.Now}
}

func (*MetadataEnrichment) Name() string { return "metadata_enrichment" }

func (e *MetadataEnrichment) Process(_ context.Context, rec domain.Record) (domain.Record, error) {
	hist, _ := rec.Metadata["processing_history"].([]any)
	hist = append(hist, map[string]any{
		"processor":    e.Name(),
		"processed_at": timex.FormatISO(e.now().UTC()),
	})
	rec.Metadata["processing_history"] = hist

	if _, ok := rec.Metadata["source_type"]; !ok {
		rec.Metadata["source_type"] = rec.Namespace
	}
	if missingList(rec.Metadata, "speakers") {
		if speakers := extractSpeakers(rec.Content); len(speakers) > 0 {
			rec.Metadata["speakers"] = speakers
		}
	}
	if d, ok := duration(rec.Metadata); ok {
		rec.Metadata["duration_seconds"] = d
	}
	return rec, nil
}

func (e *MetadataEnrichment) ProcessBatch(ctx context.Context, recs []domain.Record) ([]domain.Record, error) {
	out := make([]domain.Record, len(recs))
	for i, rec := range recs {
		var err error
		out[i], err = e.Process(ctx, rec)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// missingList reports whether key is absent or an empty list. Metadata
// that round-tripped through JSON holds []any, fresh records []string.
func missingList(meta map[string]any, key string) bool {
	switch v := meta[key].(type) {
	case nil:
		return true
	case []string:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

func extractSpeakers(content string) []string {
	set := map[string]struct{}{}
	for _, line := range strings.Split(content, "\n") {
		if m := speakerLine.FindStringSubmatch(line); m != nil {
			set[m[1]] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// duration derives seconds between the start/end metadata timestamps.
func duration(meta map[string]any) (float64, bool) {
	start, ok1 := meta["start_time"].(string)
	end, ok2 := meta["end_time"].(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	st, err1 := timex.Parse(start, nil)
	en, err2 := timex.Parse(end, nil)
	if err1 != nil || err2 != nil || en.Before(st) {
		return 0, false
	}
	return en.Sub(st).Seconds(), true
}
