// Package retry provides a policy-driven executor for transient-failure
// retry around outbound provider calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Strategy selects how delays grow between attempts.
type Strategy string

const (
	StrategyFixed             Strategy = "fixed"
	StrategyLinear            Strategy = "linear"
	StrategyExponential       Strategy = "exponential"
	StrategyCustomExponential Strategy = "custom_exponential"
	StrategyRateLimit         Strategy = "rate_limit"
)

// Config defines retry behavior. Total attempts = MaxRetries + 1.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Strategy   Strategy
	// Factor is the growth factor for custom_exponential; exponential uses 2.
	Factor float64
	// Rate-limited failures (429 and friends) use their own delay track.
	RateLimitBaseDelay time.Duration
	RateLimitMaxDelay  time.Duration
	// RespectRetryAfter lets a Retry-After header replace the policy delay.
	// A Retry-After beyond RateLimitMaxDelay aborts retrying instead.
	RespectRetryAfter bool
	// Jitter multiplies each policy delay by a uniform factor in [0.9, 1.1].
	Jitter bool
	// AttemptTimeout bounds each attempt; zero means no per-attempt deadline.
	AttemptTimeout time.Duration
	// RetryStatuses are HTTP statuses retried as transient. Defaults to
	// 500, 502, 503, 504.
	RetryStatuses map[int]struct{}
	// OnRetry is invoked before each sleep with the attempt number just
	// failed, the chosen delay, and the classification reason.
	OnRetry func(attempt int, delay time.Duration, reason string)
}

// DefaultConfig mirrors the engine's env defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		Strategy:           StrategyExponential,
		Factor:             2.0,
		RateLimitBaseDelay: 30 * time.Second,
		RateLimitMaxDelay:  5 * time.Minute,
		RespectRetryAfter:  true,
		Jitter:             true,
		RetryStatuses:      DefaultRetryStatuses(),
	}
}

// DefaultRetryStatuses returns the transient status set.
func DefaultRetryStatuses() map[int]struct{} {
	return map[int]struct{}{500: {}, 502: {}, 503: {}, 504: {}}
}

// Error reports an exhausted retry loop. Unwrap exposes the last error.
type Error struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s) in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err non-retryable regardless of its classification.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Executor runs operations under a retry policy.
type Executor struct {
	cfg Config
	log *slog.Logger

	// timer seam for tests
	after func(time.Duration) <-chan time.Time
}

// New builds an Executor. Unset delay, strategy, and status fields fall
// back to defaults; MaxRetries 0 genuinely means a single attempt.
func New(cfg Config, log *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.Factor <= 1 {
		cfg.Factor = def.Factor
	}
	if cfg.RateLimitBaseDelay <= 0 {
		cfg.RateLimitBaseDelay = def.RateLimitBaseDelay
	}
	if cfg.RateLimitMaxDelay <= 0 {
		cfg.RateLimitMaxDelay = def.RateLimitMaxDelay
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = DefaultRetryStatuses()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{cfg: cfg, log: log, after: time.After}
}

// Do runs fn until it succeeds, a non-retryable error occurs, the context
// ends, or attempts are exhausted. The returned error is nil or *Error.
func (e *Executor) Do(ctx context.Context, operation string, fn func(context.Context) error) error {
	tracks := e.newDelayTracks()
	start := time.Now()
	maxAttempts := e.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempts < maxAttempts {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		attempts++

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			lastErr = perm.err
			break
		}
		cls := e.classify(err)
		if !cls.retryable || attempts >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay, ok := e.nextDelay(tracks, cls)
		if !ok {
			e.log.Warn("retry aborted: provider asked to wait too long",
				slog.String("op", operation),
				slog.Duration("retry_after", cls.retryAfter),
				slog.Duration("cap", e.cfg.RateLimitMaxDelay))
			break
		}
		if e.cfg.OnRetry != nil {
			e.cfg.OnRetry(attempts, delay, cls.reason)
		}
		e.log.Warn("retrying operation",
			slog.String("op", operation),
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
			slog.String("reason", cls.reason),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return &Error{Attempts: attempts, Elapsed: time.Since(start), Err: ctx.Err()}
		case <-e.after(delay):
		}
	}
	return &Error{Attempts: attempts, Elapsed: time.Since(start), Err: lastErr}
}

// delayTracks holds the per-call backoff state: one policy track for
// transient failures and a separate one for rate-limited responses.
type delayTracks struct {
	normal backoff.BackOff
	rate   backoff.BackOff
}

func (e *Executor) newDelayTracks() *delayTracks {
	return &delayTracks{
		normal: e.newPolicyBackOff(),
		rate:   newExponential(e.cfg.RateLimitBaseDelay, 2.0, e.cfg.RateLimitMaxDelay, e.cfg.Jitter),
	}
}

func (e *Executor) newPolicyBackOff() backoff.BackOff {
	switch e.cfg.Strategy {
	case StrategyFixed:
		return e.withJitter(backoff.NewConstantBackOff(e.cfg.BaseDelay))
	case StrategyLinear:
		return e.withJitter(&linearBackOff{base: e.cfg.BaseDelay, max: e.cfg.MaxDelay})
	case StrategyCustomExponential:
		return newExponential(e.cfg.BaseDelay, e.cfg.Factor, e.cfg.MaxDelay, e.cfg.Jitter)
	case StrategyRateLimit:
		return newExponential(e.cfg.RateLimitBaseDelay, 2.0, e.cfg.RateLimitMaxDelay, e.cfg.Jitter)
	default: // exponential
		return newExponential(e.cfg.BaseDelay, 2.0, e.cfg.MaxDelay, e.cfg.Jitter)
	}
}

func (e *Executor) nextDelay(tracks *delayTracks, cls class) (time.Duration, bool) {
	if cls.rateLimited {
		if e.cfg.RespectRetryAfter && cls.retryAfterSet {
			if cls.retryAfter > e.cfg.RateLimitMaxDelay {
				return 0, false
			}
			// provider-specified wait; used verbatim, no jitter
			return cls.retryAfter, true
		}
		return clampStop(tracks.rate.NextBackOff(), e.cfg.RateLimitMaxDelay), true
	}
	return clampStop(tracks.normal.NextBackOff(), e.cfg.MaxDelay), true
}

func clampStop(d, ceil time.Duration) time.Duration {
	if d == backoff.Stop || d > ceil {
		return ceil
	}
	return d
}

func newExponential(initial time.Duration, mult float64, max time.Duration, jitter bool) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initial
	expo.Multiplier = mult
	expo.MaxInterval = max
	expo.MaxElapsedTime = 0
	expo.RandomizationFactor = 0
	if jitter {
		expo.RandomizationFactor = 0.1
	}
	expo.Reset()
	return expo
}
