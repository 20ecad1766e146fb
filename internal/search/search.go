// Package search dispatches queries to a storage adapter and caches the
// responses. The adapter does the ranking; this layer picks the search mode,
// applies request defaults, and keeps an LRU cache of recent answers.
package search

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quarryhq/quarry/internal/store"
)

// Mode selects which search legs run.
type Mode string

const (
	ModeHybrid   Mode = "hybrid"   // keyword + semantic fused with RRF
	ModeSemantic Mode = "semantic" // vector similarity only
	ModeKeyword  Mode = "keyword"  // full-text only
)

const (
	defaultLimit    = 10
	maxLimit        = 100
	defaultCacheTTL = 1 * time.Hour
	cacheSize       = 1000
)

// Request carries one search invocation. The embedding for the query text is
// supplied by the caller; semantic and hybrid modes require it.
type Request struct {
	Query     string
	Embedding []float32
	Limit     int
	Mode      Mode
	Filters   *store.Filters
	QueryOpts *store.QueryOptions
	Weights   store.HybridWeights
	RRFK      float64
	UseCache  bool
	CacheTTL  time.Duration
}

// Response contains the ranked results and per-call metadata.
type Response struct {
	Results      []store.SearchResult
	TotalResults int
	Mode         Mode
	Duration     time.Duration
	CacheHit     bool
}

// cacheEntry pairs a cached response with its expiration time.
type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Service runs searches against a single adapter.
type Service struct {
	store   store.Adapter
	cache   *lru.Cache[[32]byte, *cacheEntry]
	cacheMu sync.RWMutex
}

// New creates a search service over the given adapter.
func New(adapter store.Adapter) *Service {
	cache, err := lru.New[[32]byte, *cacheEntry](cacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(fmt.Sprintf("failed to create query cache: %v", err))
	}
	return &Service{store: adapter, cache: cache}
}

// Search runs the request against the adapter, consulting the cache first
// when the request allows it.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if err := s.normalize(&req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	if req.UseCache {
		if cached := s.checkCache(req); cached != nil {
			cached.CacheHit = true
			cached.Duration = time.Since(start)
			return cached, nil
		}
	}

	var results []store.SearchResult
	var err error
	switch req.Mode {
	case ModeHybrid:
		results, err = s.store.SearchHybrid(ctx, req.Query, req.Embedding, req.Filters, req.Limit, req.Weights, req.RRFK, req.QueryOpts)
	case ModeSemantic:
		results, err = s.store.SearchSemantic(ctx, req.Embedding, req.Filters, req.Limit)
	case ModeKeyword:
		results, err = s.store.SearchKeyword(ctx, req.Query, req.Filters, req.Limit, req.QueryOpts)
	default:
		return nil, fmt.Errorf("unsupported search mode: %s", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	response := &Response{
		Results:      results,
		TotalResults: len(results),
		Mode:         req.Mode,
		Duration:     time.Since(start),
	}

	if req.UseCache && len(results) > 0 {
		s.storeInCache(req, response)
	}
	return response, nil
}

// normalize applies defaults and rejects requests no mode could serve.
func (s *Service) normalize(req *Request) error {
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	switch req.Mode {
	case ModeKeyword:
		if strings.TrimSpace(req.Query) == "" {
			return fmt.Errorf("query cannot be empty")
		}
	case ModeSemantic:
		if len(req.Embedding) == 0 {
			return fmt.Errorf("embedding cannot be empty")
		}
	case ModeHybrid:
		if strings.TrimSpace(req.Query) == "" && len(req.Embedding) == 0 {
			return fmt.Errorf("query and embedding cannot both be empty")
		}
	}

	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}
	if req.Limit > maxLimit {
		req.Limit = maxLimit
	}
	if req.RRFK == 0 {
		req.RRFK = store.DefaultRRFK
	}
	if req.Weights == (store.HybridWeights{}) {
		req.Weights = store.DefaultHybridWeights()
	}
	if req.CacheTTL == 0 {
		req.CacheTTL = defaultCacheTTL
	}
	return nil
}

// checkCache returns a copy of a fresh cached response, or nil on a miss.
func (s *Service) checkCache(req Request) *Response {
	hash := requestHash(req)
	now := time.Now()

	s.cacheMu.RLock()
	entry, found := s.cache.Get(hash)
	if !found {
		s.cacheMu.RUnlock()
		return nil
	}
	if now.After(entry.expiresAt) {
		s.cacheMu.RUnlock()
		s.evictExpired(hash)
		return nil
	}
	// Copy while still holding the read lock so the entry cannot change
	// underneath us.
	response := copyResponse(entry.response)
	s.cacheMu.RUnlock()
	return response
}

// evictExpired drops the entry under hash only if it is still expired once
// the write lock is held; a concurrent store may have replaced it with a
// fresh response between our read unlock and here.
func (s *Service) evictExpired(hash [32]byte) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if entry, found := s.cache.Get(hash); found && time.Now().After(entry.expiresAt) {
		s.cache.Remove(hash)
	}
}

// storeInCache saves a copy of the response under the request hash.
func (s *Service) storeInCache(req Request, response *Response) {
	entry := &cacheEntry{
		response:  copyResponse(response),
		expiresAt: time.Now().Add(req.CacheTTL),
	}
	s.cacheMu.Lock()
	s.cache.Add(requestHash(req), entry)
	s.cacheMu.Unlock()
}

// InvalidateCache drops every cached response. Called after indexing changes
// the corpus; the cache has no per-document index, so it is purged whole.
func (s *Service) InvalidateCache() {
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// CacheLen reports how many responses are currently cached.
func (s *Service) CacheLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}

// copyResponse deep-copies a response so cached entries cannot be mutated by
// callers. SearchResult metadata maps are copied; everything else is value
// typed.
func copyResponse(src *Response) *Response {
	if src == nil {
		return nil
	}
	dst := &Response{
		TotalResults: src.TotalResults,
		Mode:         src.Mode,
		Duration:     src.Duration,
		CacheHit:     src.CacheHit,
		Results:      make([]store.SearchResult, len(src.Results)),
	}
	copy(dst.Results, src.Results)
	for i, r := range src.Results {
		if r.Metadata != nil {
			meta := make(map[string]any, len(r.Metadata))
			for k, v := range r.Metadata {
				meta[k] = v
			}
			dst.Results[i].Metadata = meta
		}
	}
	return dst
}

// requestHash builds a deterministic digest of everything that affects the
// result set.
func requestHash(req Request) [32]byte {
	var b strings.Builder
	b.WriteString(req.Query)
	b.WriteString("|")
	b.WriteString(string(req.Mode))
	b.WriteString("|")
	b.WriteString(strconv.Itoa(req.Limit))
	b.WriteString("|")
	b.WriteString(strconv.FormatFloat(req.RRFK, 'f', 2, 64))
	b.WriteString("|")
	b.WriteString(strconv.FormatFloat(req.Weights.Semantic, 'f', 4, 64))
	b.WriteString(",")
	b.WriteString(strconv.FormatFloat(req.Weights.Keyword, 'f', 4, 64))

	if req.QueryOpts != nil && req.QueryOpts.UseWebSearchSyntax {
		b.WriteString("|web")
	}

	if f := req.Filters; f != nil {
		b.WriteString("|filters:")
		b.WriteString(strings.Join(f.Folders, ","))
		b.WriteString("|")
		b.WriteString(strings.Join(f.FileTypes, ","))
		b.WriteString("|")
		for i, st := range f.Status {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(string(st))
		}
		b.WriteString("|")
		b.WriteString(strings.Join(f.Tags, ","))
		b.WriteString("|")
		b.WriteString(strings.Join(f.Languages, ","))
		if f.DateFrom != nil {
			b.WriteString("|from:" + f.DateFrom.UTC().Format(time.RFC3339))
		}
		if f.DateTo != nil {
			b.WriteString("|to:" + f.DateTo.UTC().Format(time.RFC3339))
		}
	}

	if len(req.Embedding) > 0 {
		// Hash the raw vector rather than formatting every component.
		b.WriteString("|vec:")
		sum := sha256.Sum256(store.EncodeVector(req.Embedding))
		b.Write(sum[:])
	}

	return sha256.Sum256([]byte(b.String()))
}
