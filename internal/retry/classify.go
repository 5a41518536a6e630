package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/daybook-io/daybook/internal/domain"
)

// bodySnippetLimit caps how much of an error response body is retained.
const bodySnippetLimit = 512

// HTTPStatusError carries the response details the retry policy needs.
type HTTPStatusError struct {
	StatusCode    int
	RetryAfter    time.Duration
	RetryAfterSet bool
	RateLimited   bool
	Body          string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// NewHTTPStatusError reads a failed response into an HTTPStatusError.
// It consumes up to bodySnippetLimit bytes of the body; callers still own
// closing resp.Body.
func NewHTTPStatusError(resp *http.Response) *HTTPStatusError {
	e := &HTTPStatusError{StatusCode: resp.StatusCode}
	if resp.Body != nil {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, bodySnippetLimit))
		e.Body = strings.TrimSpace(string(snippet))
	}
	if ra, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
		e.RetryAfter = ra
		e.RetryAfterSet = true
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.RateLimited = true
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		// some providers surface rate limits as 502/503 with a drained quota header
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			e.RateLimited = true
		}
	}
	return e
}

// ParseRetryAfter handles both Retry-After forms: integer seconds and
// HTTP-date. Negative waits clamp to zero.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

type class struct {
	retryable     bool
	rateLimited   bool
	retryAfter    time.Duration
	retryAfterSet bool
	reason        string
}

func (e *Executor) classify(err error) class {
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		if httpErr.RateLimited {
			return class{
				retryable:     true,
				rateLimited:   true,
				retryAfter:    httpErr.RetryAfter,
				retryAfterSet: httpErr.RetryAfterSet,
				reason:        "rate_limited",
			}
		}
		if _, ok := e.cfg.RetryStatuses[httpErr.StatusCode]; ok {
			return class{retryable: true, reason: fmt.Sprintf("http_%d", httpErr.StatusCode)}
		}
		return class{reason: fmt.Sprintf("http_%d", httpErr.StatusCode)}
	}

	if errors.Is(err, domain.ErrRateLimited) {
		return class{retryable: true, rateLimited: true, reason: "rate_limited"}
	}
	if errors.Is(err, domain.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return class{retryable: true, reason: "timeout"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return class{retryable: true, reason: "network"}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return class{retryable: true, reason: "network"}
	}

	return class{reason: "permanent"}
}
