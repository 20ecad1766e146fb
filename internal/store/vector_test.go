package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorCodec_RoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 0, 3.14159, 1e-7}
	blob := EncodeVector(vec)
	require.Len(t, blob, len(vec)*4)

	decoded := DecodeVector(blob)
	assert.Equal(t, vec, decoded)
}

func TestVectorCodec_Empty(t *testing.T) {
	assert.Empty(t, EncodeVector(nil))
	assert.Empty(t, DecodeVector(nil))
}

func TestDotProduct(t *testing.T) {
	assert.InDelta(t, 1.0, DotProduct([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, DotProduct([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 11.0, DotProduct([]float32{1, 2}, []float32{3, 4}), 1e-9)

	// Mismatched lengths score zero instead of panicking.
	assert.Equal(t, 0.0, DotProduct([]float32{1}, []float32{1, 2}))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 1}, []float32{-1, -1}), 1e-9)

	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
}
