// Package weather ingests daily forecasts from the Apple WeatherKit
// RapidAPI gateway. One GET returns a multi-day forecast; each day
// becomes its own record keyed weather_{YYYY-MM-DD}.
package weather

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/daybook-io/daybook/internal/adapter/source"
	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/retry"
	"github.com/daybook-io/daybook/pkg/timex"
)

type Config struct {
	Namespace string
	BaseURL   string
	APIKey    string
	APIHost   string
	Latitude  float64
	Longitude float64
	Units     string
	Timezone  *time.Location
	Timeout   time.Duration
}

type Adapter struct {
	cfg    Config
	client *source.Client
	exec   *retry.Executor
	log    *slog.Logger
}

func New(cfg Config, exec *retry.Executor, log *slog.Logger) *Adapter {
	if cfg.Namespace == "" {
		cfg.Namespace = domain.NamespaceWeather
	}
	if cfg.Units == "" {
		cfg.Units = "metric"
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		client: source.NewClient("weather", cfg.Timeout),
		exec:   exec,
		log:    log.With(slog.String("adapter", "weather"), slog.String("namespace", cfg.Namespace)),
	}
}

func (a *Adapter) Namespace() string { return a.cfg.Namespace }

func (a *Adapter) Close() error { return a.client.Close() }

func (a *Adapter) TestConnection(ctx domain.Context) error {
	if _, err := a.fetchForecast(ctx); err != nil {
		return fmt.Errorf("op=weather.test_connection: %w", err)
	}
	return nil
}

// FetchItems splits the daily forecast into one record per day. The since
// parameter is ignored: forecasts are forward-looking and each day's
// record is simply upserted on the next run.
func (a *Adapter) FetchItems(ctx domain.Context, _ *time.Time, limit int, yield func(domain.Record, error) error) error {
	var forecast *forecastResponse
	err := a.exec.Do(ctx, "weather.fetch_forecast", func(ctx domain.Context) error {
		var ferr error
		forecast, ferr = a.fetchForecast(ctx)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("op=weather.fetch_items: %w", err)
	}

	emitted := 0
	for _, raw := range forecast.ForecastDaily.Days {
		if limit > 0 && emitted >= limit {
			return nil
		}
		rec, derr := a.decodeDay(raw)
		if derr != nil {
			a.log.Warn("skipping malformed forecast day", slog.String("error", derr.Error()))
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

type forecastResponse struct {
	ForecastDaily struct {
		Days []json.RawMessage `json:"days"`
	} `json:"forecastDaily"`
}

type forecastDay struct {
	ForecastStart       string  `json:"forecastStart"`
	ForecastEnd         string  `json:"forecastEnd"`
	ConditionCode       string  `json:"conditionCode"`
	TemperatureMax      float64 `json:"temperatureMax"`
	TemperatureMin      float64 `json:"temperatureMin"`
	PrecipitationChance float64 `json:"precipitationChance"`
}

func (a *Adapter) fetchForecast(ctx domain.Context) (*forecastResponse, error) {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(a.cfg.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(a.cfg.Longitude, 'f', -1, 64))
	q.Set("units", a.cfg.Units)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-rapidapi-key", a.cfg.APIKey)
	req.Header.Set("x-rapidapi-host", a.cfg.APIHost)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.HTTP().Do(req)
	if err != nil {
		return nil, fmt.Errorf("get forecast: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := source.CheckResponse(resp); err != nil {
		return nil, err
	}
	var forecast forecastResponse
	if err := source.DecodeJSON(resp.Body, &forecast); err != nil {
		return nil, err
	}
	return &forecast, nil
}

func (a *Adapter) decodeDay(raw json.RawMessage) (domain.Record, error) {
	var day forecastDay
	if err := json.Unmarshal(raw, &day); err != nil {
		return domain.Record{}, fmt.Errorf("%w: forecast day: %v", domain.ErrSchemaInvalid, err)
	}
	start, err := timex.Parse(day.ForecastStart, a.cfg.Timezone)
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: forecast day start %q", domain.ErrSchemaInvalid, day.ForecastStart)
	}
	date := timex.DaysDate(start, a.cfg.Timezone)

	// The gateway returns Celsius for "standard"; present those as
	// Fahrenheit. "imperial" already arrives in Fahrenheit.
	tempUnit := "C"
	maxTemp, minTemp := day.TemperatureMax, day.TemperatureMin
	switch a.cfg.Units {
	case "standard":
		maxTemp = celsiusToFahrenheit(maxTemp)
		minTemp = celsiusToFahrenheit(minTemp)
		tempUnit = "F"
	case "imperial":
		tempUnit = "F"
	}

	var original map[string]any
	if err := json.Unmarshal(raw, &original); err != nil {
		return domain.Record{}, fmt.Errorf("%w: forecast day: %v", domain.ErrSchemaInvalid, err)
	}

	content := fmt.Sprintf("Weather for %s: %s, high %.1f°%s, low %.1f°%s, precipitation chance %.0f%%",
		date, day.ConditionCode, maxTemp, tempUnit, minTemp, tempUnit, day.PrecipitationChance*100)

	meta := map[string]any{
		"original":             original,
		"forecast_start":       day.ForecastStart,
		"condition_code":       day.ConditionCode,
		"temperature_max":      maxTemp,
		"temperature_min":      minTemp,
		"temperature_unit":     tempUnit,
		"precipitation_chance": day.PrecipitationChance,
		"units":                a.cfg.Units,
		"latitude":             a.cfg.Latitude,
		"longitude":            a.cfg.Longitude,
	}
	if day.ForecastEnd != "" {
		meta["forecast_end"] = day.ForecastEnd
	}
	return domain.NewRecord(a.cfg.Namespace, "weather_"+date, content, meta), nil
}

func celsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}
