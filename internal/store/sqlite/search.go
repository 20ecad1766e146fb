package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/internal/fts"
	"github.com/quarryhq/quarry/internal/store"
)

// hybridFetch is how many candidates each leg contributes to rank fusion.
const hybridFetch = 50

// SearchKeyword runs full-text search over chunk text. The user query is
// converted to an FTS5 MATCH expression; queries FTS5 rejects fall back to a
// case-insensitive substring scan so a stray quote never errors out a search.
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
	useWeb := opts != nil && opts.UseWebSearchSyntax
	match := fts.ConvertToFTS5Query(query, useWeb)
	if strings.TrimSpace(match) == "" {
		return nil, nil
	}

	if err := fts.ValidateFTS5Query(match); err != nil {
		s.log.Debug("query rejected by validator, using substring fallback", "query", query, "error", err)
		return s.searchKeywordLike(ctx, db, query, filters, limit)
	}

	where := []string{"chunks_fts MATCH ?"}
	args := []any{match}
	where, args = appendDocFilters(where, args, filters)

	sqlQuery := `
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text, bm25(chunks_fts) AS rank
		FROM chunks_fts
		JOIN chunks c ON c.id = chunks_fts.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY rank
		LIMIT ?`

	rows, err := db.QueryContext(ctx, sqlQuery, append(args, limit)...)
	if err != nil {
		// FTS5 reports bad MATCH expressions at query time.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "MATCH") {
			s.log.Debug("fts5 rejected query, using substring fallback", "query", query, "error", err)
			return s.searchKeywordLike(ctx, db, query, filters, limit)
		}
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		var rank float64
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FilePath, &r.FileName, &r.ChunkText, &rank); err != nil {
			return nil, err
		}
		// bm25 is more negative for better matches; normalize to (0, 1].
		r.Score = 1.0 / (1.0 + math.Abs(rank))
		r.MatchType = store.MatchKeyword
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchKeywordLike is the substring fallback for queries FTS5 cannot parse.
func (s *Adapter) searchKeywordLike(ctx context.Context, db *sql.DB, query string, filters *store.Filters, limit int) ([]store.SearchResult, error) {
	needle := strings.TrimSpace(strings.Trim(query, `"`))
	if needle == "" {
		return nil, nil
	}

	where := []string{"lower(c.text) LIKE ?"}
	args := []any{"%" + strings.ToLower(needle) + "%"}
	where, args = appendDocFilters(where, args, filters)

	sqlQuery := `
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY c.id
		LIMIT ?`

	rows, err := db.QueryContext(ctx, sqlQuery, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("substring search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FilePath, &r.FileName, &r.ChunkText); err != nil {
			return nil, err
		}
		r.Score = 1.0 / float64(len(results)+1)
		r.MatchType = store.MatchKeyword
		results = append(results, r)
	}
	return results, rows.Err()
}

// SearchSemantic returns the chunks nearest to the query embedding. In HNSW
// mode the graph prunes candidates before re-scoring; when the graph is
// unavailable, or in brute-force mode, the scan runs in SQL through vec_dot.
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
	if ann := s.getANN(); ann != nil {
		// Over-fetch so filters applied after the graph walk still fill the
		// requested limit.
		ids := ann.search(embedding, limit*4)
		if len(ids) == 0 {
			return nil, nil
		}
		return s.scoreChunksByID(ctx, db, ids, embedding, filters, limit)
	}
	return s.searchSemanticBrute(ctx, db, embedding, filters, limit)
}

func (s *Adapter) scoreChunksByID(ctx context.Context, db *sql.DB, ids []int64, embedding []float32, filters *store.Filters, limit int) ([]store.SearchResult, error) {
	where := []string{"c.id IN (" + placeholders(len(ids)) + ")", "c.embedding IS NOT NULL"}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	where, args = appendDocFilters(where, args, filters)

	sqlQuery := `
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text, c.embedding
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ` + strings.Join(where, " AND ")

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		var blob []byte
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FilePath, &r.FileName, &r.ChunkText, &blob); err != nil {
			return nil, err
		}
		r.Score = store.DotProduct(embedding, store.DecodeVector(blob))
		r.MatchType = store.MatchSemantic
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

func (s *Adapter) searchSemanticBrute(ctx context.Context, db *sql.DB, embedding []float32, filters *store.Filters, limit int) ([]store.SearchResult, error) {
	where := []string{"c.embedding IS NOT NULL"}
	args := []any{store.EncodeVector(embedding)}
	where, args = appendDocFilters(where, args, filters)

	sqlQuery := `
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text, vec_dot(c.embedding, ?) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY score DESC, c.id
		LIMIT ?`

	rows, err := db.QueryContext(ctx, sqlQuery, append(args, limit)...)
	if err != nil {
		// vec_dot missing from this connection; scan in Go instead.
		if strings.Contains(err.Error(), "vec_dot") {
			s.log.Warn("vec_dot unavailable, scanning embeddings in process", "error", err)
			return s.searchSemanticScan(ctx, db, embedding, filters, limit)
		}
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

// searchSemanticScan is the last-resort path: pull candidate embeddings and
// rank them in process.
func (s *Adapter) searchSemanticScan(ctx context.Context, db *sql.DB, embedding []float32, filters *store.Filters, limit int) ([]store.SearchResult, error) {
	where := []string{"c.embedding IS NOT NULL"}
	where, args := appendDocFilters(where, nil, filters)

	sqlQuery := `
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text, c.embedding
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE ` + strings.Join(where, " AND ")

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic scan failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		var blob []byte
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.FilePath, &r.FileName, &r.ChunkText, &blob); err != nil {
			return nil, err
		}
		r.Score = store.DotProduct(embedding, store.DecodeVector(blob))
		r.MatchType = store.MatchSemantic
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

// SearchHybrid combines the keyword and semantic legs with reciprocal rank
// fusion. In brute-force mode the fusion runs in a single SQL statement; in
// HNSW mode, or when the SQL path fails, the legs run concurrently and fuse
// in process. A missing leg degrades to the other leg alone.
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

	if s.getANN() == nil {
		results, err := s.searchHybridSQL(ctx, db, query, embedding, filters, limit, weights, rrfK, opts)
		if err == nil {
			return results, nil
		}
		s.log.Debug("sql rank fusion failed, fusing in process", "error", err)
	}
	return s.searchHybridFused(ctx, db, query, embedding, filters, limit, weights, rrfK, opts)
}

// searchHybridSQL performs both legs and the RRF arithmetic inside SQLite.
func (s *Adapter) searchHybridSQL(ctx context.Context, db *sql.DB, query string, embedding []float32, filters *store.Filters, limit int, weights store.HybridWeights, rrfK float64, opts *store.QueryOptions) ([]store.SearchResult, error) {
	useWeb := opts != nil && opts.UseWebSearchSyntax
	match := fts.ConvertToFTS5Query(query, useWeb)
	if strings.TrimSpace(match) == "" {
		return s.searchSemantic(ctx, db, embedding, filters, limit)
	}
	if err := fts.ValidateFTS5Query(match); err != nil {
		return nil, err
	}

	kwWhere := []string{"chunks_fts MATCH ?"}
	kwArgs := []any{match}
	kwWhere, kwArgs = appendDocFilters(kwWhere, kwArgs, filters)

	semWhere := []string{"c.embedding IS NOT NULL"}
	semArgs := []any{store.EncodeVector(embedding)}
	semWhere, semArgs = appendDocFilters(semWhere, semArgs, filters)

	sqlQuery := `
		WITH kw AS (
			SELECT c.id AS chunk_id, ROW_NUMBER() OVER (ORDER BY bm25(chunks_fts)) AS rn
			FROM chunks_fts
			JOIN chunks c ON c.id = chunks_fts.rowid
			JOIN documents d ON d.id = c.document_id
			WHERE ` + strings.Join(kwWhere, " AND ") + `
			LIMIT ?
		), sem AS (
			SELECT c.id AS chunk_id, ROW_NUMBER() OVER (ORDER BY vec_dot(c.embedding, ?) DESC, c.id) AS rn
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE ` + strings.Join(semWhere, " AND ") + `
			LIMIT ?
		), ids AS (
			SELECT chunk_id FROM kw UNION SELECT chunk_id FROM sem
		)
		SELECT c.id, c.document_id, d.file_path, d.file_name, c.text,
			COALESCE(? / (? + sem.rn), 0) + COALESCE(? / (? + kw.rn), 0) AS score,
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
		LIMIT ?`

	args := make([]any, 0, len(kwArgs)+len(semArgs)+7)
	args = append(args, kwArgs...)
	args = append(args, hybridFetch)
	args = append(args, semArgs...)
	args = append(args, hybridFetch)
	args = append(args, weights.Semantic, rrfK, weights.Keyword, rrfK, limit)

	rows, err := db.QueryContext(ctx, sqlQuery, args...)
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

// searchHybridFused runs the two legs concurrently and fuses them in process.
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
