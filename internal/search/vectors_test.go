package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		v := []float32{0.5, 0.2, 0.9}
		assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-6)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	})

	t.Run("opposite vectors", func(t *testing.T) {
		assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 2}, []float32{-1, -2}), 1e-6)
	})

	t.Run("mismatched lengths", func(t *testing.T) {
		assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	})

	t.Run("zero vector", func(t *testing.T) {
		assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
	})
}

func TestVectorBytesRoundTrip(t *testing.T) {
	v := []float32{0.1, -2.5, 3.14159, 0}
	b := VectorToBytes(v)
	require.Len(t, b, 16)
	assert.Equal(t, v, BytesToVector(b))
}

func TestBytesToVectorRejectsMalformed(t *testing.T) {
	assert.Nil(t, BytesToVector(nil))
	assert.Nil(t, BytesToVector([]byte{1, 2, 3}))
}

func TestScaleToUnit(t *testing.T) {
	t.Run("scales by max", func(t *testing.T) {
		out := ScaleToUnit([]float64{2, 4, 1})
		assert.InDelta(t, 0.5, out[0], 1e-9)
		assert.InDelta(t, 1.0, out[1], 1e-9)
		assert.InDelta(t, 0.25, out[2], 1e-9)
	})

	t.Run("all zero passes through", func(t *testing.T) {
		in := []float64{0, 0}
		assert.Equal(t, in, ScaleToUnit(in))
	})
}
