package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministic_StableAcrossCalls(t *testing.T) {
	d := NewDeterministic(64)

	a, err := d.Embed(context.Background(), []string{"the same text"})
	require.NoError(t, err)
	b, err := d.Embed(context.Background(), []string{"the same text"})
	require.NoError(t, err)

	require.Len(t, a, 1)
	assert.Equal(t, a[0], b[0])
}

func TestDeterministic_DistinctTextsDiffer(t *testing.T) {
	d := NewDeterministic(64)

	vecs, err := d.Embed(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestDeterministic_UnitLength(t *testing.T) {
	d := NewDeterministic(128)

	vecs, err := d.Embed(context.Background(), []string{"normalize me"})
	require.NoError(t, err)
	require.Len(t, vecs[0], 128)

	var sum float64
	for _, v := range vecs[0] {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestDeterministic_DefaultsDims(t *testing.T) {
	d := NewDeterministic(0)

	vecs, err := d.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs[0], defaultDims)
}

func TestDeterministic_EmptyInput(t *testing.T) {
	d := NewDeterministic(32)

	vecs, err := d.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}
