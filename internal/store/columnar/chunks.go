package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	core "github.com/liliang-cn/sqvect/v2/pkg/core"

	"github.com/quarryhq/quarry/internal/store"
)

const chunkColumns = `c.id, c.document_id, c.chunk_index, c.text, c.start_offset, c.end_offset,
	c.page, c.section, c.token_count, c.created_at`

func scanChunk(row interface{ Scan(...any) error }) (*store.Chunk, error) {
	var chunk store.Chunk
	var page, tokenCount sql.NullInt64
	var section sql.NullString

	err := row.Scan(
		&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Text,
		&chunk.StartOffset, &chunk.EndOffset, &page, &section, &tokenCount,
		&chunk.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if page.Valid {
		p := int(page.Int64)
		chunk.Page = &p
	}
	if section.Valid {
		chunk.Section = &section.String
	}
	if tokenCount.Valid {
		tc := int(tokenCount.Int64)
		chunk.TokenCount = &tc
	}
	return &chunk, nil
}

// CreateChunks bulk-inserts chunks for a document in batches of YieldEvery,
// re-checking the context between batches. Embeddings arrive later through
// UpdateChunkEmbeddings.
func (s *Adapter) CreateChunks(ctx context.Context, documentID int64, chunks []store.ChunkInput) ([]*store.Chunk, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return nil, err
	}

	var exists int
	if err := db.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = ?", documentID).Scan(&exists); err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created := make([]*store.Chunk, 0, len(chunks))
	for start := 0; start < len(chunks); start += store.YieldEvery {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + store.YieldEvery
		if end > len(chunks) {
			end = len(chunks)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		for _, input := range chunks[start:end] {
			chunk := &store.Chunk{
				DocumentID:  documentID,
				ChunkIndex:  input.ChunkIndex,
				Text:        input.Text,
				StartOffset: input.StartOffset,
				EndOffset:   input.EndOffset,
				Page:        input.Page,
				Section:     input.Section,
				TokenCount:  input.TokenCount,
				CreatedAt:   now,
			}
			result, err := tx.ExecContext(ctx, `
				INSERT INTO chunks (document_id, chunk_index, text, start_offset, end_offset,
					page, section, token_count, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				documentID, input.ChunkIndex, input.Text, input.StartOffset, input.EndOffset,
				input.Page, input.Section, input.TokenCount, now)
			if err != nil {
				_ = tx.Rollback()
				if isUniqueViolation(err) {
					return nil, store.ErrAlreadyExists
				}
				return nil, fmt.Errorf("failed to create chunk %d: %w", input.ChunkIndex, err)
			}
			chunk.ID, err = result.LastInsertId()
			if err != nil {
				_ = tx.Rollback()
				return nil, err
			}
			created = append(created, chunk)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	s.markDirty()
	return created, nil
}

// GetChunks returns a document's chunks in chunk-index order. Embeddings are
// joined in from the vector store when it is available.
func (s *Adapter) GetChunks(ctx context.Context, documentID int64) ([]*store.Chunk, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks c WHERE c.document_id = ? ORDER BY c.chunk_index",
		documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []*store.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if vec := s.vecStore(); vec != nil && len(chunks) > 0 {
		embs, err := vec.GetByDocID(ctx, vecDocID(documentID))
		if err != nil {
			s.log.Warn("failed to load embeddings", "document", documentID, "error", err)
			return chunks, nil
		}
		byID := make(map[int64][]float32, len(embs))
		for _, emb := range embs {
			id, err := strconv.ParseInt(emb.ID, 10, 64)
			if err != nil {
				continue
			}
			byID[id] = emb.Vector
		}
		for _, chunk := range chunks {
			chunk.Embedding = byID[chunk.ID]
		}
	}
	return chunks, nil
}

// DeleteChunks removes all chunks of a document from the catalog and the
// vector store.
func (s *Adapter) DeleteChunks(ctx context.Context, documentID int64) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	s.dropDocumentVectors(ctx, documentID)
	s.markDirty()
	return nil
}

// UpdateChunkEmbeddings writes embedding vectors into the vector store and
// flips the catalog's has_embedding flag. Every vector must match the
// configured dimension; a mismatch fails the whole call before anything is
// written.
func (s *Adapter) UpdateChunkEmbeddings(ctx context.Context, updates []store.EmbeddingUpdate) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}
	vec := s.vecStore()
	if vec == nil {
		return store.ErrSemanticDisabled
	}

	for _, u := range updates {
		if len(u.Embedding) != s.opts.VectorDim {
			return &store.DimensionError{Want: s.opts.VectorDim, Got: len(u.Embedding)}
		}
	}

	for start := 0; start < len(updates); start += store.YieldEvery {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + store.YieldEvery
		if end > len(updates) {
			end = len(updates)
		}

		batch := updates[start:end]
		embs := make([]*core.Embedding, 0, len(batch))
		for _, u := range batch {
			var docID int64
			var text string
			err := db.QueryRowContext(ctx, "SELECT document_id, text FROM chunks WHERE id = ?", u.ChunkID).
				Scan(&docID, &text)
			if err == sql.ErrNoRows {
				return fmt.Errorf("chunk %d: %w", u.ChunkID, store.ErrNotFound)
			}
			if err != nil {
				return err
			}
			embs = append(embs, &core.Embedding{
				ID:      vecID(u.ChunkID),
				Vector:  u.Embedding,
				Content: text,
				DocID:   vecDocID(docID),
			})
		}
		if err := vec.UpsertBatch(ctx, embs); err != nil {
			return fmt.Errorf("failed to upsert embeddings: %w", err)
		}

		ids := make([]any, 0, len(batch))
		for _, u := range batch {
			ids = append(ids, u.ChunkID)
		}
		if _, err := db.ExecContext(ctx,
			"UPDATE chunks SET has_embedding = 1 WHERE id IN ("+placeholders(len(ids))+")", ids...); err != nil {
			return fmt.Errorf("failed to flag embedded chunks: %w", err)
		}
	}
	s.markDirty()
	return nil
}

// CountChunks returns the total number of chunks.
func (s *Adapter) CountChunks(ctx context.Context) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}
