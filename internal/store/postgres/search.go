package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/internal/store"
)

// hybridFetch is how many candidates each leg contributes to rank fusion.
const hybridFetch = 50

// tsqueryFunc picks the query parser. plainto_tsquery ANDs every word;
// websearch_to_tsquery natively understands quoted phrases, OR, and -term.
func tsqueryFunc(opts *store.QueryOptions) string {
	if opts != nil && opts.UseWebSearchSyntax {
		return "websearch_to_tsquery"
	}
	return "plainto_tsquery"
}

// SearchKeyword runs full-text search over chunk text using tsvector ranking.
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
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	args := &argList{}
	tsq := fmt.Sprintf("%s(%s, %s)", tsqueryFunc(opts), args.add(s.opts.TextSearchConfig), args.add(query))
	where := []string{"c.text_search @@ " + tsq}
	where = appendDocFilters(where, args, filters)

	sqlQuery := `
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text,
			ts_rank(c.text_search, ` + tsq + `) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY score DESC, c.id
		LIMIT ` + args.add(limit)

	rows, err := db.QueryContext(ctx, sqlQuery, args.vals...)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FilePath, &r.FileName, &r.ChunkText, &r.Score); err != nil {
			return nil, err
		}
		r.MatchType = store.MatchKeyword
		results = append(results, r)
	}
	return results, rows.Err()
}

// SearchSemantic returns the chunks nearest to the query embedding by cosine
// distance on the pgvector HNSW index.
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
	args := &argList{}
	vec := args.add(pgvector.NewVector(embedding))
	where := []string{"c.embedding IS NOT NULL"}
	where = appendDocFilters(where, args, filters)

	sqlQuery := `
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text,
			1 - (c.embedding <=> ` + vec + `) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY c.embedding <=> ` + vec + `, c.id
		LIMIT ` + args.add(limit)

	rows, err := db.QueryContext(ctx, sqlQuery, args.vals...)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FilePath, &r.FileName, &r.ChunkText, &r.Score); err != nil {
			return nil, err
		}
		r.MatchType = store.MatchSemantic
		results = append(results, r)
	}
	return results, rows.Err()
}

// SearchHybrid combines the keyword and semantic legs with reciprocal rank
// fusion. The fusion normally runs as one CTE statement; if that fails the
// legs run concurrently and fuse in process. A missing leg degrades to the
// other leg alone.
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

	results, err := s.searchHybridSQL(ctx, db, query, embedding, filters, limit, weights, rrfK, opts)
	if err == nil {
		return results, nil
	}
	s.log.Debug("sql rank fusion failed, fusing in process", "error", err)
	return s.searchHybridFused(ctx, db, query, embedding, filters, limit, weights, rrfK, opts)
}

func (s *Adapter) searchHybridSQL(ctx context.Context, db *sql.DB, query string, embedding []float32, filters *store.Filters, limit int, weights store.HybridWeights, rrfK float64, opts *store.QueryOptions) ([]store.SearchResult, error) {
	args := &argList{}
	tsq := fmt.Sprintf("%s(%s, %s)", tsqueryFunc(opts), args.add(s.opts.TextSearchConfig), args.add(query))
	vec := args.add(pgvector.NewVector(embedding))

	kwWhere := []string{"c.text_search @@ " + tsq}
	kwWhere = appendDocFilters(kwWhere, args, filters)
	semWhere := []string{"c.embedding IS NOT NULL"}
	semWhere = appendDocFilters(semWhere, args, filters)

	wSem := args.add(weights.Semantic)
	wKey := args.add(weights.Keyword)
	k := args.add(rrfK)
	fetch := args.add(hybridFetch)
	lim := args.add(limit)

	sqlQuery := `
		WITH kw AS (
			SELECT c.id AS chunk_id,
				ROW_NUMBER() OVER (ORDER BY ts_rank(c.text_search, ` + tsq + `) DESC, c.id) AS rn
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE ` + strings.Join(kwWhere, " AND ") + `
			LIMIT ` + fetch + `
		), sem AS (
			SELECT c.id AS chunk_id,
				ROW_NUMBER() OVER (ORDER BY c.embedding <=> ` + vec + `, c.id) AS rn
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE ` + strings.Join(semWhere, " AND ") + `
			LIMIT ` + fetch + `
		), ids AS (
			SELECT chunk_id FROM kw UNION SELECT chunk_id FROM sem
		)
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text,
			COALESCE(` + wSem + ` / (` + k + ` + sem.rn), 0) + COALESCE(` + wKey + ` / (` + k + ` + kw.rn), 0) AS score,
			CASE
				WHEN sem.chunk_id IS NOT NULL AND kw.chunk_id IS NOT NULL THEN 'hybrid'
				WHEN sem.chunk_id IS NOT NULL THEN 'semantic'
				ELSE 'keyword'
			END AS match_type
		FROM ids
		JOIN chunks c ON c.id = ids.chunk_id
		JOIN documents d ON d.id = c.document_id
		LEFT JOIN kw ON kw.chunk_id = ids.chunk_id
		LEFT JOIN sem ON sem.chunk_id = ids.chunk_id
		ORDER BY score DESC, c.id
		LIMIT ` + lim

	rows, err := db.QueryContext(ctx, sqlQuery, args.vals...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		var matchType string
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FilePath, &r.FileName, &r.ChunkText, &r.Score, &matchType); err != nil {
			return nil, err
		}
		r.MatchType = store.MatchType(matchType)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Adapter) searchHybridFused(ctx context.Context, db *sql.DB, query string, embedding []float32, filters *store.Filters, limit int, weights store.HybridWeights, rrfK float64, opts *store.QueryOptions) ([]store.SearchResult, error) {
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
