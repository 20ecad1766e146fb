package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/store"
)

// fakeAdapter implements only the search operations; everything else panics
// through the embedded nil interface if touched.
type fakeAdapter struct {
	store.Adapter

	keywordCalls  int
	semanticCalls int
	hybridCalls   int

	lastLimit int
	lastRRFK  float64
	results   []store.SearchResult
	err       error
}

func (f *fakeAdapter) SearchKeyword(ctx context.Context, query string, filters *store.Filters, limit int, opts *store.QueryOptions) ([]store.SearchResult, error) {
	f.keywordCalls++
	f.lastLimit = limit
	return f.results, f.err
}

func (f *fakeAdapter) SearchSemantic(ctx context.Context, embedding []float32, filters *store.Filters, limit int) ([]store.SearchResult, error) {
	f.semanticCalls++
	f.lastLimit = limit
	return f.results, f.err
}

func (f *fakeAdapter) SearchHybrid(ctx context.Context, query string, embedding []float32, filters *store.Filters, limit int, weights store.HybridWeights, rrfK float64, opts *store.QueryOptions) ([]store.SearchResult, error) {
	f.hybridCalls++
	f.lastLimit = limit
	f.lastRRFK = rrfK
	return f.results, f.err
}

func hits(n int) []store.SearchResult {
	out := make([]store.SearchResult, n)
	for i := range out {
		out[i] = store.SearchResult{
			ChunkID:   int64(i + 1),
			ChunkText: "hit",
			Score:     1.0 / float64(i+1),
			Metadata:  map[string]any{"k": "v"},
		}
	}
	return out
}

func TestSearch_ModeDispatch(t *testing.T) {
	fake := &fakeAdapter{results: hits(2)}
	svc := New(fake)
	ctx := context.Background()

	_, err := svc.Search(ctx, Request{Query: "q", Mode: ModeKeyword})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.keywordCalls)

	_, err = svc.Search(ctx, Request{Embedding: []float32{1, 0}, Mode: ModeSemantic})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.semanticCalls)

	resp, err := svc.Search(ctx, Request{Query: "q", Embedding: []float32{1, 0}, Mode: ModeHybrid})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.hybridCalls)
	assert.Equal(t, ModeHybrid, resp.Mode)
	assert.Equal(t, 2, resp.TotalResults)
}

func TestSearch_Defaults(t *testing.T) {
	fake := &fakeAdapter{results: hits(1)}
	svc := New(fake)

	// No mode defaults to hybrid; no limit defaults to 10; zero RRF constant
	// is replaced with the shared default.
	resp, err := svc.Search(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, resp.Mode)
	assert.Equal(t, 1, fake.hybridCalls)
	assert.Equal(t, 10, fake.lastLimit)
	assert.Equal(t, store.DefaultRRFK, fake.lastRRFK)
}

func TestSearch_LimitClamped(t *testing.T) {
	fake := &fakeAdapter{results: hits(1)}
	svc := New(fake)

	_, err := svc.Search(context.Background(), Request{Query: "q", Mode: ModeKeyword, Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 100, fake.lastLimit)
}

func TestSearch_Validation(t *testing.T) {
	svc := New(&fakeAdapter{})
	ctx := context.Background()

	_, err := svc.Search(ctx, Request{Mode: ModeKeyword})
	assert.Error(t, err)

	_, err = svc.Search(ctx, Request{Mode: ModeSemantic})
	assert.Error(t, err)

	_, err = svc.Search(ctx, Request{Mode: ModeHybrid})
	assert.Error(t, err)

	_, err = svc.Search(ctx, Request{Query: "q", Mode: Mode("bogus")})
	assert.Error(t, err)
}

func TestSearch_ErrorPropagates(t *testing.T) {
	boom := errors.New("backend down")
	svc := New(&fakeAdapter{err: boom})

	_, err := svc.Search(context.Background(), Request{Query: "q", Mode: ModeKeyword})
	assert.ErrorIs(t, err, boom)
}

func TestSearch_CacheHit(t *testing.T) {
	fake := &fakeAdapter{results: hits(3)}
	svc := New(fake)
	ctx := context.Background()

	req := Request{Query: "cached", Mode: ModeKeyword, UseCache: true}
	first, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 1, fake.keywordCalls)

	second, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, fake.keywordCalls, "cache hit must not touch the adapter")
	assert.Equal(t, first.TotalResults, second.TotalResults)
}

func TestSearch_CacheKeyedByRequest(t *testing.T) {
	fake := &fakeAdapter{results: hits(1)}
	svc := New(fake)
	ctx := context.Background()

	_, err := svc.Search(ctx, Request{Query: "a", Mode: ModeKeyword, UseCache: true})
	require.NoError(t, err)
	_, err = svc.Search(ctx, Request{Query: "b", Mode: ModeKeyword, UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.keywordCalls)

	// Different limits are different cache entries.
	_, err = svc.Search(ctx, Request{Query: "a", Mode: ModeKeyword, Limit: 20, UseCache: true})
	require.NoError(t, err)
	assert.Equal(t, 3, fake.keywordCalls)
}

func TestSearch_CacheExpiry(t *testing.T) {
	fake := &fakeAdapter{results: hits(1)}
	svc := New(fake)
	ctx := context.Background()

	req := Request{Query: "q", Mode: ModeKeyword, UseCache: true, CacheTTL: 10 * time.Millisecond}
	_, err := svc.Search(ctx, req)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	resp, err := svc.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, fake.keywordCalls)
}

func TestEvictExpired_KeepsFreshEntry(t *testing.T) {
	fake := &fakeAdapter{results: hits(1)}
	svc := New(fake)

	// A fresh entry under the same hash must survive eviction: this is the
	// window where a concurrent store lands between the expired read and the
	// write-locked removal.
	req := Request{Query: "q", Mode: ModeKeyword, UseCache: true, CacheTTL: time.Hour}
	svc.storeInCache(req, &Response{Results: hits(1), TotalResults: 1, Mode: ModeKeyword})
	require.Equal(t, 1, svc.CacheLen())

	svc.evictExpired(requestHash(req))
	assert.Equal(t, 1, svc.CacheLen())

	// An entry that is actually expired does get removed.
	stale := Request{Query: "stale", Mode: ModeKeyword, UseCache: true, CacheTTL: -time.Second}
	svc.storeInCache(stale, &Response{Results: hits(1), TotalResults: 1, Mode: ModeKeyword})
	svc.evictExpired(requestHash(stale))
	assert.Equal(t, 1, svc.CacheLen())
}

func TestSearch_EmptyResultsNotCached(t *testing.T) {
	fake := &fakeAdapter{}
	svc := New(fake)
	ctx := context.Background()

	req := Request{Query: "nothing", Mode: ModeKeyword, UseCache: true}
	_, err := svc.Search(ctx, req)
	require.NoError(t, err)
	_, err = svc.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.keywordCalls)
	assert.Equal(t, 0, svc.CacheLen())
}

func TestSearch_CachedResponseIsIsolated(t *testing.T) {
	fake := &fakeAdapter{results: hits(1)}
	svc := New(fake)
	ctx := context.Background()

	req := Request{Query: "q", Mode: ModeKeyword, UseCache: true}
	first, err := svc.Search(ctx, req)
	require.NoError(t, err)

	// Mutating a returned result must not leak into the cache.
	first.Results[0].ChunkText = "tampered"
	first.Results[0].Metadata["k"] = "tampered"

	second, err := svc.Search(ctx, req)
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	assert.Equal(t, "hit", second.Results[0].ChunkText)
	assert.Equal(t, "v", second.Results[0].Metadata["k"])
}

func TestInvalidateCache(t *testing.T) {
	fake := &fakeAdapter{results: hits(1)}
	svc := New(fake)
	ctx := context.Background()

	req := Request{Query: "q", Mode: ModeKeyword, UseCache: true}
	_, err := svc.Search(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, svc.CacheLen())

	svc.InvalidateCache()
	assert.Equal(t, 0, svc.CacheLen())

	_, err = svc.Search(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.keywordCalls)
}
