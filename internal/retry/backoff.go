package retry

import (
	"math/rand/v2"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// linearBackOff grows the delay by base each attempt, capped at max.
// Implements backoff.BackOff.
type linearBackOff struct {
	base time.Duration
	max  time.Duration
	n    int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	d := time.Duration(l.n) * l.base
	if l.max > 0 && d > l.max {
		d = l.max
	}
	return d
}

func (l *linearBackOff) Reset() { l.n = 0 }

// jitterBackOff multiplies delays by a uniform factor in [0.9, 1.1]; the
// exponential tracks get the same spread from RandomizationFactor instead.
type jitterBackOff struct {
	next backoff.BackOff
}

func (j *jitterBackOff) NextBackOff() time.Duration {
	d := j.next.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}

func (j *jitterBackOff) Reset() { j.next.Reset() }

func (e *Executor) withJitter(b backoff.BackOff) backoff.BackOff {
	if !e.cfg.Jitter {
		return b
	}
	return &jitterBackOff{next: b}
}
