// Package embed provides the embedding providers behind the Embedder
// port: a deterministic offline generator and an OpenAI-compatible HTTP
// client.
package embed

import (
	"crypto/sha1"
	"encoding/binary"
	"math"

	"github.com/daybook-io/daybook/internal/domain"
)

const defaultDims = 256

// Deterministic produces stable unit vectors from text alone, for
// offline use and tests. The same text always maps to the same vector.
type Deterministic struct{ dims int }

// NewDeterministic constructs the offline embedder with the given
// dimension count.
func NewDeterministic(dims int) *Deterministic {
	if dims <= 0 {
		dims = defaultDims
	}
	return &Deterministic{dims: dims}
}

// Embed returns one vector per input text, index-aligned.
func (d *Deterministic) Embed(ctx domain.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedText(t, d.dims)
	}
	return out, nil
}

// embedText seeds a linear congruential generator with sha1(text) and
// normalizes the stream to unit length.
func embedText(s string, dims int) []float32 {
	h := sha1.Sum([]byte(s))
	x := binary.BigEndian.Uint32(h[:4])
	const (
		a uint32 = 1664525
		c uint32 = 1013904223
	)
	vec := make([]float32, dims)
	var sum float64
	for i := range vec {
		x = a*x + c
		v := 2*float32(x)/float32(^uint32(0)) - 1
		vec[i] = v
		sum += float64(v) * float64(v)
	}
	if n := float32(math.Sqrt(sum)); n > 0 {
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}
