package processor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daybook-io/daybook/internal/domain"
)

type stubLookup struct {
	at  time.Time
	ok  bool
	err error
}

func (s stubLookup) LatestFingerprintTime(domain.Context, string, string) (time.Time, bool, error) {
	return s.at, s.ok, s.err
}

func TestBasicCleaning(t *testing.T) {
	rec := domain.NewRecord("limitless", "x", "a​b\r\nline  with   gaps\n\n\n\nnext  ", nil)
	out, err := BasicCleaning{}.Process(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "ab\nline with gaps\n\n\nnext", out.Content)
}

func TestFingerprintNormalizes(t *testing.T) {
	a := Fingerprint("Hello   World\nagain")
	b := Fingerprint("hello world AGAIN")
	c := Fingerprint("different text")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestDeduplication(t *testing.T) {
	base := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

	t.Run("drops when prior copy is at least as fresh", func(t *testing.T) {
		d := NewDeduplication(stubLookup{at: base.Add(time.Hour), ok: true})
		rec := domain.NewRecord("limitless", "x", "same talk", nil)
		rec.UpdatedAt = base
		_, err := d.Process(context.Background(), rec)
		assert.ErrorIs(t, err, domain.ErrSkipRecord)
	})

	t.Run("keeps when incoming copy is newer", func(t *testing.T) {
		d := NewDeduplication(stubLookup{at: base, ok: true})
		rec := domain.NewRecord("limitless", "x", "same talk", nil)
		rec.UpdatedAt = base.Add(time.Hour)
		out, err := d.Process(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, Fingerprint("same talk"), out.Metadata["content_fingerprint"])
	})

	t.Run("keeps when no prior fingerprint", func(t *testing.T) {
		d := NewDeduplication(stubLookup{ok: false})
		rec := domain.NewRecord("limitless", "x", "fresh talk", nil)
		out, err := d.Process(context.Background(), rec)
		require.NoError(t, err)
		assert.Contains(t, out.Metadata, "content_fingerprint")
	})

	t.Run("lookup failure fails the record", func(t *testing.T) {
		d := NewDeduplication(stubLookup{err: fmt.Errorf("db closed")})
		rec := domain.NewRecord("limitless", "x", "talk", nil)
		_, err := d.Process(context.Background(), rec)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrSkipRecord)
	})
}

func conversation(turns int) string {
	var b strings.Builder
	b.WriteString("Team retro\n")
	for i := 0; i < turns; i++ {
		speaker := "Ada (You)"
		if i%2 == 1 {
			speaker = "Grace"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, strings.Repeat("words and more words ", 20))
	}
	return b.String()
}

func TestSegmentation(t *testing.T) {
	seg := NewSegmentation(500, 3)

	t.Run("splits long conversations", func(t *testing.T) {
		content := conversation(4)
		rec := domain.NewRecord("limitless", "x", content, nil)
		out, err := seg.Process(context.Background(), rec)
		require.NoError(t, err)

		assert.Equal(t, content, out.Content, "content stays the full text")
		segs, ok := out.Metadata["segments"].([]map[string]any)
		require.True(t, ok, "segments present")
		require.Len(t, segs, 5)
		assert.Equal(t, "", segs[0]["speaker"], "leading narration has no speaker")
		assert.Equal(t, "Ada (You)", segs[1]["speaker"])
		assert.Equal(t, "Grace", segs[2]["speaker"])
		assert.Equal(t, 5, out.Metadata["segment_count"])
	})

	t.Run("short content untouched", func(t *testing.T) {
		rec := domain.NewRecord("limitless", "x", "Ada: hi\nGrace: hey\nAda: bye", nil)
		out, err := seg.Process(context.Background(), rec)
		require.NoError(t, err)
		assert.NotContains(t, out.Metadata, "segments")
	})

	t.Run("long but not conversational untouched", func(t *testing.T) {
		rec := domain.NewRecord("limitless", "x", strings.Repeat("plain prose without dialogue ", 40), nil)
		out, err := seg.Process(context.Background(), rec)
		require.NoError(t, err)
		assert.NotContains(t, out.Metadata, "segments")
	})
}

func TestMetadataEnrichment(t *testing.T) {
	e := NewMetadataEnrichment()

	rec := domain.NewRecord("limitless", "x", "Ada (You): hello\nGrace: hi", map[string]any{
		"start_time": "2026-03-11T09:00:00Z",
		"end_time":   "2026-03-11T09:30:00Z",
	})
	out, err := e.Process(context.Background(), rec)
	require.NoError(t, err)

	hist, ok := out.Metadata["processing_history"].([]any)
	require.True(t, ok)
	require.Len(t, hist, 1)
	entry := hist[0].(map[string]any)
	assert.Equal(t, "metadata_enrichment", entry["processor"])
	assert.NotEmpty(t, entry["processed_at"])

	assert.Equal(t, "limitless", out.Metadata["source_type"])
	assert.Equal(t, []string{"Ada (You)", "Grace"}, out.Metadata["speakers"])
	assert.InDelta(t, 1800.0, out.Metadata["duration_seconds"], 0.001)

	// a second pass appends instead of replacing
	again, err := e.Process(context.Background(), out)
	require.NoError(t, err)
	assert.Len(t, again.Metadata["processing_history"].([]any), 2)
}

func TestMetadataEnrichmentKeepsExistingFields(t *testing.T) {
	e := NewMetadataEnrichment()
	rec := domain.NewRecord("news", "x", "Plain headline", map[string]any{
		"source_type": "rss",
		"speakers":    []string{"Anchor"},
	})
	out, err := e.Process(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "rss", out.Metadata["source_type"])
	assert.Equal(t, []string{"Anchor"}, out.Metadata["speakers"])
	assert.NotContains(t, out.Metadata, "duration_seconds")
}

func TestChainRunClonesInput(t *testing.T) {
	chain := NewChain("default", nil, BasicCleaning{}, NewMetadataEnrichment())
	rec := domain.NewRecord("news", "x", "  headline  ", nil)

	out, err := chain.Run(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "headline", out.Content)
	assert.Contains(t, out.Metadata, "processing_history")
	assert.NotContains(t, rec.Metadata, "processing_history", "caller's record untouched")
}

func TestChainRunSkipPropagates(t *testing.T) {
	chain := NewChain("lifelog", nil,
		BasicCleaning{},
		NewDeduplication(stubLookup{at: time.Now().Add(time.Hour), ok: true}),
	)
	rec := domain.NewRecord("limitless", "x", "already seen", nil)
	_, err := chain.Run(context.Background(), rec)
	assert.ErrorIs(t, err, domain.ErrSkipRecord)
}

// flaky fails its batch form and poisons one record in per-item mode.
type flaky struct{ failOn string }

func (flaky) Name() string { return "flaky" }

func (f flaky) Process(_ context.Context, rec domain.Record) (domain.Record, error) {
	if rec.SourceID == f.failOn {
		return domain.Record{}, fmt.Errorf("poisoned record")
	}
	rec.Metadata["flaky"] = true
	return rec, nil
}

func (flaky) ProcessBatch(context.Context, []domain.Record) ([]domain.Record, error) {
	return nil, fmt.Errorf("batch exploded")
}

func TestChainRunBatchFallbackIsolation(t *testing.T) {
	chain := NewChain("default", nil, flaky{failOn: "item-3"}, NewMetadataEnrichment())

	recs := make([]domain.Record, 0, 5)
	for i := 1; i <= 5; i++ {
		recs = append(recs, domain.NewRecord("news", fmt.Sprintf("item-%d", i), "text", nil))
	}
	results := chain.RunBatch(context.Background(), recs)
	require.Len(t, results, 5)

	var failed, passed int
	for i, res := range results {
		if res.Err != nil {
			failed++
			assert.Equal(t, 2, i, "only item-3 fails")
			assert.Contains(t, res.Err.Error(), "poisoned")
			continue
		}
		passed++
		assert.Equal(t, true, res.Record.Metadata["flaky"])
		assert.Contains(t, res.Record.Metadata, "processing_history")
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, passed)
}

func TestChainRunBatchUsesBatchForm(t *testing.T) {
	chain := NewChain("default", nil, BasicCleaning{}, NewMetadataEnrichment())
	recs := []domain.Record{
		domain.NewRecord("news", "a", " one ", nil),
		domain.NewRecord("news", "b", " two ", nil),
	}
	results := chain.RunBatch(context.Background(), recs)
	require.Len(t, results, 2)
	assert.Equal(t, "one", results[0].Record.Content)
	assert.Equal(t, "two", results[1].Record.Content)
}

func TestRegistry(t *testing.T) {
	reg := Defaults(stubLookup{}, 2000, nil)

	lifelogChain := reg.ChainFor(domain.NamespaceLifelog)
	assert.Equal(t, []string{"basic_cleaning", "deduplication", "segmentation", "metadata_enrichment"}, lifelogChain.Stages())

	def := reg.ChainFor("news")
	assert.Equal(t, []string{"basic_cleaning", "metadata_enrichment"}, def.Stages())
	assert.Same(t, def, reg.ChainFor("weather"))
}
