package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/daybook-io/daybook/internal/domain"
)

// Duration is a yaml-friendly time.Duration ("15m", "1h30m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// SourceEntry declares one namespace in the source registry.
// Interval and Cron are mutually exclusive cadences; neither means the
// source only syncs on demand (archives).
type SourceEntry struct {
	Namespace     string            `yaml:"namespace" validate:"required"`
	Kind          string            `yaml:"kind" validate:"required,oneof=lifelog news weather twitter_archive"`
	DisplayName   string            `yaml:"display_name"`
	Interval      Duration          `yaml:"interval"`
	Cron          string            `yaml:"cron"`
	Timeout       Duration          `yaml:"timeout"`
	Timezone      string            `yaml:"timezone"`
	SyncOnStartup *bool             `yaml:"sync_on_startup"`
	Options       map[string]string `yaml:"options"`
}

type sourcesFile struct {
	Sources []SourceEntry `yaml:"sources"`
}

// LoadSources parses and validates a YAML source registry.
func LoadSources(path string) ([]SourceEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadSources: %w", err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadSources: parse %s: %w", path, err)
	}
	v := validator.New()
	seen := make(map[string]struct{}, len(f.Sources))
	for i, s := range f.Sources {
		if err := v.Struct(s); err != nil {
			return nil, fmt.Errorf("op=config.LoadSources: source %d: %w", i, err)
		}
		if _, dup := seen[s.Namespace]; dup {
			return nil, fmt.Errorf("op=config.LoadSources: duplicate namespace %q: %w", s.Namespace, domain.ErrConflict)
		}
		seen[s.Namespace] = struct{}{}
		if s.Interval != 0 && s.Cron != "" {
			return nil, fmt.Errorf("op=config.LoadSources: source %q sets both interval and cron: %w", s.Namespace, domain.ErrInvalidArgument)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return nil, fmt.Errorf("op=config.LoadSources: source %q timezone: %w", s.Namespace, err)
			}
		}
	}
	return f.Sources, nil
}

// SourceEntries assembles the effective registry: entries derived from env
// flags, overlaid by the optional SourcesFile (matched by namespace).
func (c Config) SourceEntries() ([]SourceEntry, error) {
	entries := c.envSourceEntries()
	if c.SourcesFile == "" {
		return entries, nil
	}
	fromFile, err := LoadSources(c.SourcesFile)
	if err != nil {
		return nil, err
	}
	byNS := make(map[string]int, len(entries))
	for i, e := range entries {
		byNS[e.Namespace] = i
	}
	for _, e := range fromFile {
		if i, ok := byNS[e.Namespace]; ok {
			entries[i] = mergeEntry(entries[i], e)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c Config) envSourceEntries() []SourceEntry {
	var entries []SourceEntry
	if c.LifelogEnabled {
		entries = append(entries, SourceEntry{
			Namespace:   domain.NamespaceLifelog,
			Kind:        domain.KindLifelog,
			DisplayName: "Lifelog",
			Interval:    Duration(c.LifelogInterval),
			Timezone:    c.LifelogTimezone,
		})
	}
	if c.NewsEnabled {
		entries = append(entries, SourceEntry{
			Namespace:   domain.NamespaceNews,
			Kind:        domain.KindNews,
			DisplayName: "News",
			Interval:    Duration(c.NewsInterval),
		})
	}
	if c.WeatherEnabled {
		entries = append(entries, SourceEntry{
			Namespace:   domain.NamespaceWeather,
			Kind:        domain.KindWeather,
			DisplayName: "Weather",
			Interval:    Duration(c.WeatherInterval),
		})
	}
	return entries
}

func mergeEntry(base, over SourceEntry) SourceEntry {
	out := base
	if over.DisplayName != "" {
		out.DisplayName = over.DisplayName
	}
	if over.Interval != 0 {
		out.Interval = over.Interval
		out.Cron = ""
	}
	if over.Cron != "" {
		out.Cron = over.Cron
		out.Interval = 0
	}
	if over.Timeout != 0 {
		out.Timeout = over.Timeout
	}
	if over.Timezone != "" {
		out.Timezone = over.Timezone
	}
	if over.SyncOnStartup != nil {
		out.SyncOnStartup = over.SyncOnStartup
	}
	if len(over.Options) > 0 {
		if out.Options == nil {
			out.Options = map[string]string{}
		}
		for k, v := range over.Options {
			out.Options[k] = v
		}
	}
	return out
}
