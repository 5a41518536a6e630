package embed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/retry"
)

const (
	defaultModel   = "text-embedding-3-small"
	defaultTimeout = 60 * time.Second

	breakerFailureThreshold = 3
	breakerRecoveryTimeout  = 30 * time.Second
)

// OpenAIConfig points the client at an OpenAI-compatible embeddings
// endpoint. BaseURL carries everything up to the version root, e.g.
// https://api.openai.com/v1.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAI calls the /embeddings endpoint in batches. Retries happen per
// request inside the executor; a circuit breaker sits around the whole
// retry cycle so a dead provider fails fast instead of burning the
// backoff budget on every batch.
type OpenAI struct {
	cfg     OpenAIConfig
	client  *http.Client
	exec    *retry.Executor
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig, exec *retry.Executor, log *slog.Logger) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("adapter", "embed.openai"))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedder",
		Timeout: breakerRecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("embedder circuit state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("embed %s %s", r.Method, r.URL.Host)
		}),
	)
	return &OpenAI{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout, Transport: transport},
		exec:    exec,
		breaker: breaker,
		log:     log,
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per input text, index-aligned. When the
// breaker is open the call fails immediately with gobreaker.ErrOpenState
// wrapped, without touching the provider.
func (o *OpenAI) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if o.cfg.APIKey == "" {
		return nil, fmt.Errorf("op=embed.batch: %w: api key missing", domain.ErrInvalidArgument)
	}

	result, err := o.breaker.Execute(func() (interface{}, error) {
		var vecs [][]float32
		err := o.exec.Do(ctx, "embed.batch", func(ctx domain.Context) error {
			var berr error
			vecs, berr = o.postEmbeddings(ctx, texts)
			return berr
		})
		return vecs, err
	})
	if err != nil {
		return nil, fmt.Errorf("op=embed.batch: %w", err)
	}
	return result.([][]float32), nil
}

func (o *OpenAI) postEmbeddings(ctx domain.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Model: o.cfg.Model, Input: texts})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post embeddings: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.NewHTTPStatusError(resp)
	}

	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: decode embeddings: %v", domain.ErrSchemaInvalid, err))
	}
	if len(out.Data) != len(texts) {
		return nil, retry.Permanent(fmt.Errorf("%w: embeddings count %d for %d inputs", domain.ErrSchemaInvalid, len(out.Data), len(texts)))
	}

	vecs := make([][]float32, len(out.Data))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, retry.Permanent(fmt.Errorf("%w: embedding index %d out of range", domain.ErrSchemaInvalid, d.Index))
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vecs[d.Index] = vec
	}
	return vecs, nil
}
