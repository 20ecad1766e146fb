package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	core "github.com/liliang-cn/sqvect/v2/pkg/core"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/internal/fts"
	"github.com/quarryhq/quarry/internal/store"
)

// hybridFetch is how many candidates each leg contributes to rank fusion.
const hybridFetch = 50

// keywordScanCap bounds how many candidate rows the keyword scan ranks.
const keywordScanCap = 1000

// keywordTerms splits a user query into required and excluded lowercase
// terms. In default mode every word is required and markup is ignored; in
// web-search mode phrases match as whole substrings and -term excludes. OR
// has no substring-scan equivalent and is treated as a plain conjunction.
func keywordTerms(query string, opts *store.QueryOptions) (required, excluded []string) {
	web := opts != nil && opts.UseWebSearchSyntax
	for _, tok := range fts.Tokenize(query) {
		if tok.Kind == fts.TokenOR {
			continue
		}
		if !web {
			for _, word := range strings.Fields(tok.Text) {
				required = append(required, strings.ToLower(word))
			}
			continue
		}
		text := strings.ToLower(tok.Text)
		if tok.Kind != fts.TokenPhrase {
			text = strings.ToLower(strings.TrimSpace(tok.Text))
		}
		if text == "" {
			continue
		}
		if tok.Negated {
			excluded = append(excluded, text)
		} else {
			required = append(required, text)
		}
	}
	return required, excluded
}

// SearchKeyword runs a substring scan over chunk text. The catalog carries
// no full-text index, so candidates are filtered in SQL with instr and
// ranked in process by term frequency.
func (s *Adapter) SearchKeyword(ctx context.Context, query string, filters *store.Filters, limit int, opts *store.QueryOptions) ([]store.SearchResult, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	return s.searchKeyword(ctx, db, query, filters, limit, opts)
}

func (s *Adapter) searchKeyword(ctx context.Context, db *sql.DB, query string, filters *store.Filters, limit int, opts *store.QueryOptions) ([]store.SearchResult, error) {
	required, excluded := keywordTerms(query, opts)
	if len(required) == 0 {
		return nil, nil
	}

	var where []string
	var args []any
	for _, term := range required {
		where = append(where, "instr(lower(c.text), ?) > 0")
		args = append(args, term)
	}
	for _, term := range excluded {
		where = append(where, "instr(lower(c.text), ?) = 0")
		args = append(args, term)
	}
	where, args = appendDocFilters(where, args, filters)

	sqlQuery := `
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY c.id
		LIMIT ?`
	args = append(args, keywordScanCap)

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FilePath, &r.FileName, &r.ChunkText); err != nil {
			return nil, err
		}
		r.MatchType = store.MatchKeyword
		r.Score = keywordScore(r.ChunkText, required)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// keywordScore maps total term frequency into (0, 1), higher is better.
func keywordScore(text string, terms []string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, term := range terms {
		hits += strings.Count(lower, term)
	}
	return 1.0 - 1.0/float64(1+hits)
}

// SearchSemantic returns the chunks nearest to the query embedding using the
// vector store, then hydrates and filters the hits from the catalog.
func (s *Adapter) SearchSemantic(ctx context.Context, embedding []float32, filters *store.Filters, limit int) ([]store.SearchResult, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if len(embedding) != s.opts.VectorDim {
		return nil, &store.DimensionError{Want: s.opts.VectorDim, Got: len(embedding)}
	}
	if limit <= 0 {
		limit = 10
	}
	return s.searchSemantic(ctx, db, embedding, filters, limit)
}

func (s *Adapter) searchSemantic(ctx context.Context, db *sql.DB, embedding []float32, filters *store.Filters, limit int) ([]store.SearchResult, error) {
	vec := s.vecStore()
	if vec == nil {
		return nil, store.ErrSemanticDisabled
	}

	// Over-fetch so catalog-side filters still leave enough hits.
	scored, err := vec.Search(ctx, embedding, core.SearchOptions{TopK: limit * 4})
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	scoreByID := make(map[int64]float64, len(scored))
	order := make([]int64, 0, len(scored))
	ids := make([]any, 0, len(scored))
	for _, hit := range scored {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		scoreByID[id] = hit.Score
		order = append(order, id)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	where := []string{"c.id IN (" + placeholders(len(ids)) + ")"}
	args := ids
	where, args = appendDocFilters(where, args, filters)

	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate semantic hits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[int64]store.SearchResult, len(order))
	for rows.Next() {
		var r store.SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FilePath, &r.FileName, &r.ChunkText); err != nil {
			return nil, err
		}
		r.MatchType = store.MatchSemantic
		r.Score = scoreByID[r.ChunkID]
		byID[r.ChunkID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]store.SearchResult, 0, limit)
	for _, id := range order {
		if r, ok := byID[id]; ok {
			results = append(results, r)
			if len(results) == limit {
				break
			}
		}
	}
	return results, nil
}

// SearchHybrid fuses the keyword and semantic legs with reciprocal rank
// fusion. A missing leg degrades to the other leg alone; with the vector
// store down the keyword leg still answers.
func (s *Adapter) SearchHybrid(ctx context.Context, query string, embedding []float32, filters *store.Filters, limit int, weights store.HybridWeights, rrfK float64, opts *store.QueryOptions) ([]store.SearchResult, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	if rrfK <= 0 {
		rrfK = store.DefaultRRFK
	}

	if strings.TrimSpace(query) == "" && len(embedding) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(query) == "" {
		return s.SearchSemantic(ctx, embedding, filters, limit)
	}
	if len(embedding) == 0 {
		return s.searchKeyword(ctx, db, query, filters, limit, opts)
	}
	if len(embedding) != s.opts.VectorDim {
		return nil, &store.DimensionError{Want: s.opts.VectorDim, Got: len(embedding)}
	}
	if s.vecStore() == nil {
		s.log.Debug("vector store unavailable, hybrid search degrades to keyword leg")
		return s.searchKeyword(ctx, db, query, filters, limit, opts)
	}

	fetch := limit * 2
	if fetch < hybridFetch {
		fetch = hybridFetch
	}

	var keyword, semantic []store.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		keyword, err = s.searchKeyword(gctx, db, query, filters, fetch, opts)
		return err
	})
	g.Go(func() error {
		var err error
		semantic, err = s.searchSemantic(gctx, db, embedding, filters, fetch)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := store.FuseRRF(semantic, keyword, weights, rrfK)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	return fused, nil
}
