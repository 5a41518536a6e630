// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"

	"github.com/daybook-io/daybook/internal/retry"
)

// Config holds all engine configuration parsed from environment variables.
// Provider secrets live here; per-source cadence can be overridden by the
// optional sources file (see sources.go).
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// DataDir anchors every runtime file: data.db, the vector index files
	// and logs/.
	DataDir string `env:"DATA_DIR" envDefault:"./data"`
	DBFile  string `env:"DB_FILE" envDefault:"data.db"`
	LogDir  string `env:"LOG_DIR" envDefault:"logs"`

	// Timezone is the user-wide default for date bucketing; sources may
	// override it per namespace.
	Timezone string `env:"TIMEZONE" envDefault:"UTC"`

	// SourcesFile optionally points at a YAML source registry.
	SourcesFile string `env:"SOURCES_FILE"`

	SyncOverlap      time.Duration `env:"SYNC_OVERLAP" envDefault:"1h"`
	SyncTimeout      time.Duration `env:"SYNC_TIMEOUT" envDefault:"10m"`
	IngestBatchSize  int           `env:"INGEST_BATCH_SIZE" envDefault:"50"`
	SegmentThreshold int           `env:"SEGMENT_THRESHOLD" envDefault:"2000"`
	SchedulerTick    time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`

	// Lifelog source
	LifelogEnabled  bool          `env:"LIFELOG_ENABLED" envDefault:"false"`
	LifelogAPIKey   string        `env:"LIFELOG_API_KEY"`
	LifelogBaseURL  string        `env:"LIFELOG_BASE_URL" envDefault:"https://api.limitless.ai"`
	LifelogInterval time.Duration `env:"LIFELOG_INTERVAL" envDefault:"15m"`
	LifelogPageSize int           `env:"LIFELOG_PAGE_SIZE" envDefault:"10"`
	LifelogTimezone string        `env:"LIFELOG_TIMEZONE"`

	// News source (RapidAPI-style headline provider)
	NewsEnabled  bool          `env:"NEWS_ENABLED" envDefault:"false"`
	NewsAPIKey   string        `env:"NEWS_API_KEY"`
	NewsAPIHost  string        `env:"NEWS_API_HOST" envDefault:"real-time-news-data.p.rapidapi.com"`
	NewsBaseURL  string        `env:"NEWS_BASE_URL" envDefault:"https://real-time-news-data.p.rapidapi.com"`
	NewsInterval time.Duration `env:"NEWS_INTERVAL" envDefault:"6h"`
	NewsCountry  string        `env:"NEWS_COUNTRY" envDefault:"US"`
	NewsLang     string        `env:"NEWS_LANG" envDefault:"en"`
	NewsDailyCap int           `env:"NEWS_DAILY_CAP" envDefault:"5"`

	// Weather source
	WeatherEnabled   bool          `env:"WEATHER_ENABLED" envDefault:"false"`
	WeatherAPIKey    string        `env:"WEATHER_API_KEY"`
	WeatherAPIHost   string        `env:"WEATHER_API_HOST" envDefault:"apple-weather.p.rapidapi.com"`
	WeatherBaseURL   string        `env:"WEATHER_BASE_URL" envDefault:"https://apple-weather.p.rapidapi.com"`
	WeatherInterval  time.Duration `env:"WEATHER_INTERVAL" envDefault:"3h"`
	WeatherLatitude  float64       `env:"WEATHER_LATITUDE" envDefault:"0"`
	WeatherLongitude float64       `env:"WEATHER_LONGITUDE" envDefault:"0"`
	WeatherUnits     string        `env:"WEATHER_UNITS" envDefault:"metric" validate:"oneof=metric standard imperial"`

	// Embeddings
	EmbedProvider        string        `env:"EMBED_PROVIDER" envDefault:"local" validate:"oneof=local openai"`
	EmbedDimensions      int           `env:"EMBED_DIMENSIONS" envDefault:"256" validate:"min=8"`
	OpenAIAPIKey         string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL        string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	EmbeddingsModel      string        `env:"EMBEDDINGS_MODEL" envDefault:"text-embedding-3-small"`
	EmbedBatchSize       int           `env:"EMBED_BATCH_SIZE" envDefault:"25" validate:"min=1"`
	EmbedDrainInterval   time.Duration `env:"EMBED_DRAIN_INTERVAL" envDefault:"30s"`
	EmbedMaxAttempts     int           `env:"EMBED_MAX_ATTEMPTS" envDefault:"5" validate:"min=1"`
	PendingWarnThreshold int           `env:"PENDING_WARN_THRESHOLD" envDefault:"1000"`

	// Retry policy for outbound provider calls
	RetryMaxRetries         int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay          time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay           time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryStrategy           string        `env:"RETRY_STRATEGY" envDefault:"exponential" validate:"oneof=fixed linear exponential custom_exponential rate_limit"`
	RetryFactor             float64       `env:"RETRY_FACTOR" envDefault:"2.0"`
	RetryRateLimitBaseDelay time.Duration `env:"RETRY_RATE_LIMIT_BASE_DELAY" envDefault:"30s"`
	RetryRateLimitMaxDelay  time.Duration `env:"RETRY_RATE_LIMIT_MAX_DELAY" envDefault:"5m"`
	RetryRespectRetryAfter  bool          `env:"RETRY_RESPECT_RETRY_AFTER" envDefault:"true"`
	RetryJitter             bool          `env:"RETRY_JITTER" envDefault:"true"`
	HTTPClientTimeout       time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"30s"`

	// HTTP API
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"daybook"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct tags plus the cross-field rules tags cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("op=config.Validate: %w", err)
	}
	if c.LifelogEnabled && c.LifelogAPIKey == "" {
		return fmt.Errorf("op=config.Validate: LIFELOG_API_KEY required when lifelog enabled")
	}
	if c.NewsEnabled && c.NewsAPIKey == "" {
		return fmt.Errorf("op=config.Validate: NEWS_API_KEY required when news enabled")
	}
	if c.WeatherEnabled && c.WeatherAPIKey == "" {
		return fmt.Errorf("op=config.Validate: WEATHER_API_KEY required when weather enabled")
	}
	if c.EmbedProvider == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("op=config.Validate: OPENAI_API_KEY required for openai embeddings")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("op=config.Validate: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// DBPath returns the SQLite file path under DataDir.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, c.DBFile) }

// LogPath returns the log directory; relative paths nest under DataDir.
// Empty disables the file sink.
func (c Config) LogPath() string {
	if c.LogDir == "" || filepath.IsAbs(c.LogDir) {
		return c.LogDir
	}
	return filepath.Join(c.DataDir, c.LogDir)
}

// Location resolves the default timezone. Validate guarantees it parses.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RetryConfig maps the retry env knobs onto the executor policy shared by
// all outbound provider clients.
func (c Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:         c.RetryMaxRetries,
		BaseDelay:          c.RetryBaseDelay,
		MaxDelay:           c.RetryMaxDelay,
		Strategy:           retry.Strategy(c.RetryStrategy),
		Factor:             c.RetryFactor,
		RateLimitBaseDelay: c.RetryRateLimitBaseDelay,
		RateLimitMaxDelay:  c.RetryRateLimitMaxDelay,
		RespectRetryAfter:  c.RetryRespectRetryAfter,
		Jitter:             c.RetryJitter,
	}
}
