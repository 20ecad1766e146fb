package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func results(ids ...int64) []SearchResult {
	out := make([]SearchResult, len(ids))
	for i, id := range ids {
		out[i] = SearchResult{ChunkID: id, DocumentID: id}
	}
	return out
}

func TestFuseRRF_BothLegs(t *testing.T) {
	semantic := results(1, 2, 3)
	keyword := results(2, 4)

	fused := FuseRRF(semantic, keyword, DefaultHybridWeights(), DefaultRRFK)
	require.Len(t, fused, 4)

	// Chunk 2 appears in both lists and must rank first.
	assert.Equal(t, int64(2), fused[0].ChunkID)
	assert.Equal(t, MatchHybrid, fused[0].MatchType)

	expected := 0.5/(60.0+2) + 0.5/(60.0+1)
	assert.InDelta(t, expected, fused[0].Score, 1e-12)
}

func TestFuseRRF_MatchTypeLabels(t *testing.T) {
	fused := FuseRRF(results(1), results(2), DefaultHybridWeights(), 0)
	require.Len(t, fused, 2)

	byID := map[int64]MatchType{}
	for _, r := range fused {
		byID[r.ChunkID] = r.MatchType
	}
	assert.Equal(t, MatchSemantic, byID[1])
	assert.Equal(t, MatchKeyword, byID[2])
}

func TestFuseRRF_TiesBreakByChunkID(t *testing.T) {
	// Equal weights, same rank in opposite legs: identical scores.
	fused := FuseRRF(results(9), results(3), DefaultHybridWeights(), DefaultRRFK)
	require.Len(t, fused, 2)
	assert.Equal(t, int64(3), fused[0].ChunkID)
	assert.Equal(t, int64(9), fused[1].ChunkID)
	assert.Equal(t, fused[0].Score, fused[1].Score)
}

func TestFuseRRF_WeightsSkew(t *testing.T) {
	weights := HybridWeights{Semantic: 1.0, Keyword: 0.0}
	fused := FuseRRF(results(1), results(2), weights, DefaultRRFK)
	require.Len(t, fused, 2)

	// With zero keyword weight the keyword-only hit scores zero.
	assert.Equal(t, int64(1), fused[0].ChunkID)
	assert.Greater(t, fused[0].Score, 0.0)
	assert.Equal(t, 0.0, fused[1].Score)
}

func TestFuseRRF_ZeroKUsesDefault(t *testing.T) {
	a := FuseRRF(results(1, 2), results(2), DefaultHybridWeights(), 0)
	b := FuseRRF(results(1, 2), results(2), DefaultHybridWeights(), DefaultRRFK)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, b[i].ChunkID, a[i].ChunkID)
		assert.Equal(t, b[i].Score, a[i].Score)
	}
}

func TestFuseRRF_EmptyLegs(t *testing.T) {
	assert.Empty(t, FuseRRF(nil, nil, DefaultHybridWeights(), DefaultRRFK))

	fused := FuseRRF(nil, results(5), DefaultHybridWeights(), DefaultRRFK)
	require.Len(t, fused, 1)
	assert.Equal(t, MatchKeyword, fused[0].MatchType)
}
