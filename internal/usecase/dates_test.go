package usecase_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/usecase"
)

func TestDeriveDaysDate_MetadataKeyPriority(t *testing.T) {
	rec := domain.NewRecord("limitless", "x", "content", map[string]any{
		"start_time":             "2026-03-10T22:30:00Z",
		"published_datetime_utc": "2026-03-12T09:00:00Z",
	})
	got := usecase.DeriveDaysDate(rec, time.UTC, nil)
	assert.Equal(t, "2026-03-10", got, "start_time outranks published_datetime_utc")
}

func TestDeriveDaysDate_TimezoneBucketing(t *testing.T) {
	rec := domain.NewRecord("limitless", "x", "content", map[string]any{
		"start_time": "2026-03-11T03:00:00Z",
	})
	tz := time.FixedZone("UTC-6", -6*3600)
	assert.Equal(t, "2026-03-10", usecase.DeriveDaysDate(rec, tz, nil),
		"a late-evening local timestamp lands on the local day")
	assert.Equal(t, "2026-03-11", usecase.DeriveDaysDate(rec, time.UTC, nil))
}

func TestDeriveDaysDate_SkipsUnparseableValues(t *testing.T) {
	rec := domain.NewRecord("weather", "x", "content", map[string]any{
		"start_time":     "yesterday-ish",
		"forecast_start": "2026-04-02T06:00:00Z",
	})
	got := usecase.DeriveDaysDate(rec, time.UTC, nil)
	assert.Equal(t, "2026-04-02", got)
}

func TestDeriveDaysDate_SkipsNonStringValues(t *testing.T) {
	rec := domain.NewRecord("news", "x", "content", map[string]any{
		"start_time":             12345,
		"published_datetime_utc": "2026-05-01T12:00:00Z",
	})
	got := usecase.DeriveDaysDate(rec, time.UTC, nil)
	assert.Equal(t, "2026-05-01", got)
}

func TestDeriveDaysDate_FallsBackToCreatedAt(t *testing.T) {
	rec := domain.NewRecord("twitter", "x", "content", nil)
	rec.CreatedAt = time.Date(2026, 6, 15, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-06-15", usecase.DeriveDaysDate(rec, time.UTC, nil))
}

func TestDeriveDaysDate_FallsBackToClock(t *testing.T) {
	rec := domain.Record{Namespace: "news", Metadata: map[string]any{}}
	clock := func() time.Time { return time.Date(2026, 7, 4, 10, 0, 0, 0, time.UTC) }
	assert.Equal(t, "2026-07-04", usecase.DeriveDaysDate(rec, time.UTC, clock))
}

func TestDeriveDaysDate_NilLocationMeansUTC(t *testing.T) {
	rec := domain.NewRecord("news", "x", "content", map[string]any{
		"published_datetime_utc": "2026-08-20T01:00:00Z",
	})
	assert.Equal(t, "2026-08-20", usecase.DeriveDaysDate(rec, nil, nil))
}
