package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instant swaps the executor's timer so tests never sleep.
func instant(e *Executor) {
	e.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
}

func statusErr(code int, header http.Header) *HTTPStatusError {
	rec := httptest.NewRecorder()
	for k, vs := range header {
		for _, v := range vs {
			rec.Header().Add(k, v)
		}
	}
	rec.WriteHeader(code)
	return NewHTTPStatusError(rec.Result())
}

func TestDo_FirstAttemptSucceeds(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 3}, nil)
	instant(e)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_TransientThenSuccess(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 3, BaseDelay: time.Millisecond, Jitter: false}, nil)
	instant(e)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		if calls < 3 {
			return statusErr(500, nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_AttemptsNeverExceedMaxRetriesPlusOne(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 2, BaseDelay: time.Millisecond, Jitter: false}, nil)
	instant(e)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return statusErr(503, nil)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 3, rerr.Attempts)
	assert.Positive(t, rerr.Elapsed)

	var httpErr *HTTPStatusError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 503, httpErr.StatusCode)
}

func TestDo_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 5}, nil)
	instant(e)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return statusErr(400, nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_PermanentWrapperStopsRetry(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 5}, nil)
	instant(e)

	boom := errors.New("parse failed")
	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return Permanent(boom)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, boom)
}

func TestDo_RetryAfterSecondsHonored(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 2, RespectRetryAfter: true, Jitter: true}, nil)
	instant(e)

	var delays []time.Duration
	e.cfg.OnRetry = func(_ int, d time.Duration, reason string) {
		delays = append(delays, d)
		assert.Equal(t, "rate_limited", reason)
	}

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		if calls == 1 {
			return statusErr(429, http.Header{"Retry-After": []string{"2"}})
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, delays, 1)
	// provider-specified wait is exact, jitter does not apply
	assert.Equal(t, 2*time.Second, delays[0])
}

func TestDo_RetryAfterBeyondCapAborts(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 5, RespectRetryAfter: true, RateLimitMaxDelay: 30 * time.Second}, nil)
	instant(e)

	retried := false
	e.cfg.OnRetry = func(int, time.Duration, string) { retried = true }

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return statusErr(429, http.Header{"Retry-After": []string{"600"}})
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "no further attempt after an over-cap Retry-After")
	assert.False(t, retried)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 1, rerr.Attempts)
}

func TestDo_ContextCancelCutsWaitShort(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 5, BaseDelay: 10 * time.Second, Jitter: false}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	e.cfg.OnRetry = func(int, time.Duration, string) { cancel() }

	start := time.Now()
	err := e.Do(ctx, "test.op", func(context.Context) error {
		return statusErr(502, nil)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "cancellation must not wait out the delay")
}

func TestDo_AttemptTimeoutRetries(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: false, AttemptTimeout: 15 * time.Millisecond}, nil)
	instant(e)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_NetworkErrorsRetryable(t *testing.T) {
	t.Parallel()
	e := New(Config{MaxRetries: 1, BaseDelay: time.Millisecond, Jitter: false}, nil)
	instant(e)

	calls := 0
	err := e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("read response: %w", io.ErrUnexpectedEOF)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDelayStrategies(t *testing.T) {
	t.Parallel()

	collect := func(cfg Config, failures int) []time.Duration {
		e := New(cfg, nil)
		instant(e)
		var delays []time.Duration
		e.cfg.OnRetry = func(_ int, d time.Duration, _ string) { delays = append(delays, d) }
		calls := 0
		_ = e.Do(context.Background(), "test.op", func(context.Context) error {
			calls++
			if calls <= failures {
				return statusErr(500, nil)
			}
			return nil
		})
		return delays
	}

	t.Run("fixed", func(t *testing.T) {
		t.Parallel()
		d := collect(Config{MaxRetries: 3, Strategy: StrategyFixed, BaseDelay: 100 * time.Millisecond, Jitter: false}, 3)
		require.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}, d)
	})

	t.Run("linear", func(t *testing.T) {
		t.Parallel()
		d := collect(Config{MaxRetries: 3, Strategy: StrategyLinear, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Jitter: false}, 3)
		require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, d)
	})

	t.Run("exponential doubles", func(t *testing.T) {
		t.Parallel()
		d := collect(Config{MaxRetries: 3, Strategy: StrategyExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: false}, 3)
		require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, d)
	})

	t.Run("custom exponential factor", func(t *testing.T) {
		t.Parallel()
		d := collect(Config{MaxRetries: 2, Strategy: StrategyCustomExponential, Factor: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Jitter: false}, 2)
		require.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}, d)
	})

	t.Run("max delay caps growth", func(t *testing.T) {
		t.Parallel()
		d := collect(Config{MaxRetries: 4, Strategy: StrategyExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond, Jitter: false}, 4)
		require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}, d)
	})

	t.Run("jitter stays within ten percent", func(t *testing.T) {
		t.Parallel()
		base := 100 * time.Millisecond
		d := collect(Config{MaxRetries: 5, Strategy: StrategyFixed, BaseDelay: base, Jitter: true}, 5)
		require.Len(t, d, 5)
		for _, delay := range d {
			assert.GreaterOrEqual(t, delay, time.Duration(float64(base)*0.9))
			assert.LessOrEqual(t, delay, time.Duration(float64(base)*1.1))
		}
	})
}

func TestDo_RateLimitUsesOwnTrack(t *testing.T) {
	t.Parallel()
	e := New(Config{
		MaxRetries:         2,
		BaseDelay:          time.Millisecond,
		RateLimitBaseDelay: 500 * time.Millisecond,
		RateLimitMaxDelay:  time.Minute,
		Jitter:             false,
		RespectRetryAfter:  true,
	}, nil)
	instant(e)

	var delays []time.Duration
	e.cfg.OnRetry = func(_ int, d time.Duration, _ string) { delays = append(delays, d) }

	calls := 0
	_ = e.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return statusErr(429, nil) // no Retry-After header
	})
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
}
