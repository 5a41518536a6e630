package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/daybook-io/daybook/internal/adapter/embed"
	"github.com/daybook-io/daybook/internal/adapter/repo/sqlite"
	"github.com/daybook-io/daybook/internal/adapter/source/archive"
	"github.com/daybook-io/daybook/internal/adapter/source/lifelog"
	"github.com/daybook-io/daybook/internal/adapter/source/news"
	"github.com/daybook-io/daybook/internal/adapter/source/weather"
	"github.com/daybook-io/daybook/internal/config"
	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/retry"
	"github.com/daybook-io/daybook/internal/syncmgr"
)

// BuildSource constructs the adapter and schedule for one registry entry.
// Provider credentials come from cfg; cadence and per-source overrides come
// from the entry.
func BuildSource(cfg config.Config, entry config.SourceEntry, items *sqlite.ItemRepo, exec *retry.Executor, log *slog.Logger) (domain.SourceAdapter, syncmgr.ScheduleConfig, error) {
	loc := cfg.Location()
	if entry.Timezone != "" {
		parsed, err := time.LoadLocation(entry.Timezone)
		if err != nil {
			return nil, syncmgr.ScheduleConfig{}, fmt.Errorf("op=app.build_source: %w: source %q timezone: %v",
				domain.ErrInvalidArgument, entry.Namespace, err)
		}
		loc = parsed
	}

	var adapter domain.SourceAdapter
	switch entry.Kind {
	case domain.KindLifelog:
		adapter = lifelog.New(lifelog.Config{
			Namespace: entry.Namespace,
			BaseURL:   cfg.LifelogBaseURL,
			APIKey:    cfg.LifelogAPIKey,
			PageSize:  cfg.LifelogPageSize,
			Timezone:  loc,
			Timeout:   cfg.HTTPClientTimeout,
		}, exec, log)
	case domain.KindNews:
		adapter = news.New(news.Config{
			Namespace: entry.Namespace,
			BaseURL:   cfg.NewsBaseURL,
			APIKey:    cfg.NewsAPIKey,
			APIHost:   cfg.NewsAPIHost,
			Country:   cfg.NewsCountry,
			Lang:      cfg.NewsLang,
			DailyCap:  cfg.NewsDailyCap,
			Timezone:  loc,
			Timeout:   cfg.HTTPClientTimeout,
		}, items, exec, log)
	case domain.KindWeather:
		adapter = weather.New(weather.Config{
			Namespace: entry.Namespace,
			BaseURL:   cfg.WeatherBaseURL,
			APIKey:    cfg.WeatherAPIKey,
			APIHost:   cfg.WeatherAPIHost,
			Latitude:  cfg.WeatherLatitude,
			Longitude: cfg.WeatherLongitude,
			Units:     cfg.WeatherUnits,
			Timezone:  loc,
			Timeout:   cfg.HTTPClientTimeout,
		}, exec, log)
	case domain.KindArchive:
		path := entry.Options["path"]
		if path == "" {
			return nil, syncmgr.ScheduleConfig{}, fmt.Errorf("op=app.build_source: %w: source %q needs options.path",
				domain.ErrInvalidArgument, entry.Namespace)
		}
		adapter = archive.New(archive.Config{
			Namespace: entry.Namespace,
			Path:      path,
			Timezone:  loc,
		}, items, log)
	default:
		return nil, syncmgr.ScheduleConfig{}, fmt.Errorf("op=app.build_source: %w: unknown kind %q",
			domain.ErrInvalidArgument, entry.Kind)
	}

	sched := syncmgr.ScheduleConfig{
		Interval:      entry.Interval.Std(),
		Cron:          entry.Cron,
		Timeout:       cfg.SyncTimeout,
		SyncOnStartup: entry.SyncOnStartup == nil || *entry.SyncOnStartup,
		Kind:          entry.Kind,
		DisplayName:   entry.DisplayName,
		Timezone:      loc,
	}
	if entry.Kind == domain.KindNews {
		sched.DailyCap = cfg.NewsDailyCap
	}
	if entry.Timeout != 0 {
		sched.Timeout = entry.Timeout.Std()
	}
	return adapter, sched, nil
}

// BuildEmbedder picks the embedding backend. The local provider keeps the
// engine self-contained; openai needs OPENAI_API_KEY.
func BuildEmbedder(cfg config.Config, exec *retry.Executor, log *slog.Logger) domain.Embedder {
	if cfg.EmbedProvider == "openai" {
		return embed.NewOpenAI(embed.OpenAIConfig{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.EmbeddingsModel,
			Timeout: cfg.HTTPClientTimeout,
		}, exec, log)
	}
	return embed.NewDeterministic(cfg.EmbedDimensions)
}
