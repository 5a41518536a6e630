// Package source holds the transport plumbing shared by the concrete
// provider adapters: lazily-built instrumented HTTP clients, response
// checking, and JSON decoding with the error taxonomy the retry layer
// understands.
package source

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/retry"
)

const defaultTimeout = 30 * time.Second

// NewHTTPClient builds an HTTP client with an OpenTelemetry instrumented
// transport. name labels the spans per adapter.
func NewHTTPClient(name string, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s %s", name, r.Method, r.URL.Host)
		}),
	)
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Client hands out one lazily-built HTTP client per adapter instance.
// The client is created on first use and released by Close.
type Client struct {
	name    string
	timeout time.Duration

	mu   sync.Mutex
	http *http.Client
}

func NewClient(name string, timeout time.Duration) *Client {
	return &Client{name: name, timeout: timeout}
}

// HTTP returns the underlying client, building it on first call.
func (c *Client) HTTP() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		c.http = NewHTTPClient(c.name, c.timeout)
	}
	return c.http
}

// Close drops idle connections and forgets the client; a later call to
// HTTP builds a fresh one.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http != nil {
		c.http.CloseIdleConnections()
		c.http = nil
	}
	return nil
}

// CheckResponse converts a non-2xx response into a typed status error the
// retry classifier understands. The body is partially consumed on error.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return retry.NewHTTPStatusError(resp)
}

// DecodeJSON decodes body into out. Malformed payloads surface as schema
// errors so the retry layer treats them as permanent.
func DecodeJSON(body io.Reader, out any) error {
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode body: %v", domain.ErrSchemaInvalid, err)
	}
	return nil
}
