package usecase

import (
	"time"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/pkg/timex"
)

// dateKeys are inspected in order; the first parseable value wins.
var dateKeys = []string{"start_time", "forecast_start", "published_datetime_utc", "original_created_at"}

// DeriveDaysDate computes the YYYY-MM-DD bucket for a record in loc:
// known metadata timestamps first, then the record's created_at, then the
// wall clock.
func DeriveDaysDate(rec domain.Record, loc *time.Location, now func() time.Time) string {
	if loc == nil {
		loc = time.UTC
	}
	for _, key := range dateKeys {
		raw, ok := rec.Metadata[key].(string)
		if !ok || raw == "" {
			continue
		}
		if ts, err := timex.Parse(raw, loc); err == nil {
			return timex.DaysDate(ts, loc)
		}
	}
	if !rec.CreatedAt.IsZero() {
		return timex.DaysDate(rec.CreatedAt, loc)
	}
	if now == nil {
		now = time.Now
	}
	return timex.DaysDate(now(), loc)
}
