package processor

import (
	"context"
	"strings"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/pkg/textx"
)

// BasicCleaning normalizes content: newline normalization, zero-width
// character removal, horizontal whitespace collapsing, and a cap on
// consecutive blank lines.
type BasicCleaning struct{}

func (BasicCleaning) Name() string { return "basic_cleaning" }

func (BasicCleaning) Process(_ context.Context, rec domain.Record) (domain.Record, error) {
	rec.Content = clean(rec.Content)
	return rec, nil
}

func (b BasicCleaning) ProcessBatch(ctx context.Context, recs []domain.Record) ([]domain.Record, error) {
	out := make([]domain.Record, len(recs))
	for i, rec := range recs {
		var err error
		out[i], err = b.Process(ctx, rec)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func clean(s string) string {
	s = textx.StripZeroWidth(s)
	s = textx.NormalizeNewlines(s)
	s = textx.CollapseSpaces(s)
	s = textx.LimitBlankLines(s, 2)
	return strings.TrimSpace(s)
}
