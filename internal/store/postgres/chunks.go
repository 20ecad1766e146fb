package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/quarryhq/quarry/internal/store"
)

const chunkColumns = `c.id, c.document_id, c.chunk_index, c.text, c.start_offset, c.end_offset,
	c.page, c.section, c.token_count, c.embedding, c.created_at`

func scanChunk(row interface{ Scan(...any) error }) (*store.Chunk, error) {
	var chunk store.Chunk
	var page, tokenCount sql.NullInt64
	var section sql.NullString
	var embedding *pgvector.Vector

	err := row.Scan(
		&chunk.ID, &chunk.DocumentID, &chunk.ChunkIndex, &chunk.Text,
		&chunk.StartOffset, &chunk.EndOffset, &page, &section, &tokenCount,
		&embedding, &chunk.CreatedAt,
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
	if embedding != nil {
		chunk.Embedding = embedding.Slice()
	}
	return &chunk, nil
}

// CreateChunks bulk-inserts chunks for a document in batches of YieldEvery,
// re-checking the context between batches.
func (s *Adapter) CreateChunks(ctx context.Context, documentID int64, chunks []store.ChunkInput) ([]*store.Chunk, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return nil, err
	}

	var exists int
	if err := db.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = $1", documentID).Scan(&exists); err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, err
	}

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
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, chunk_index, text, start_offset, end_offset,
				page, section, token_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`)
		if err != nil {
			_ = tx.Rollback()
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
			}
			err := stmt.QueryRowContext(ctx,
				documentID, input.ChunkIndex, input.Text, input.StartOffset, input.EndOffset,
				input.Page, input.Section, input.TokenCount).Scan(&chunk.ID, &chunk.CreatedAt)
			if err != nil {
				_ = stmt.Close()
				_ = tx.Rollback()
				if isUniqueViolation(err) {
					return nil, store.ErrAlreadyExists
				}
				return nil, fmt.Errorf("failed to create chunk %d: %w", input.ChunkIndex, err)
			}
			created = append(created, chunk)
		}
		_ = stmt.Close()
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	s.markDirty()
	return created, nil
}

// GetChunks returns a document's chunks in chunk-index order.
func (s *Adapter) GetChunks(ctx context.Context, documentID int64) ([]*store.Chunk, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks c WHERE c.document_id = $1 ORDER BY c.chunk_index",
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
	return chunks, rows.Err()
}

// DeleteChunks removes all chunks of a document.
func (s *Adapter) DeleteChunks(ctx context.Context, documentID int64) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = $1", documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	s.markDirty()
	return nil
}

// UpdateChunkEmbeddings attaches embedding vectors to existing chunks. Every
// vector must match the database dimension; a mismatch fails the whole call
// before anything is written.
func (s *Adapter) UpdateChunkEmbeddings(ctx context.Context, updates []store.EmbeddingUpdate) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
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

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, u := range updates[start:end] {
			result, err := tx.ExecContext(ctx, "UPDATE chunks SET embedding = $1 WHERE id = $2",
				pgvector.NewVector(u.Embedding), u.ChunkID)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("failed to update embedding for chunk %d: %w", u.ChunkID, err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			if affected == 0 {
				_ = tx.Rollback()
				return fmt.Errorf("chunk %d: %w", u.ChunkID, store.ErrNotFound)
			}
		}
		if err := tx.Commit(); err != nil {
			return err
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
