package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quarryhq/quarry/internal/store"
)

const chunkColumns = `c.id, c.document_id, c.chunk_index, c.text, c.start_offset, c.end_offset,
	c.page, c.section, c.token_count, c.embedding, c.created_at`

func scanChunk(row interface{ Scan(...any) error }) (*store.Chunk, error) {
	var chunk store.Chunk
	var page, tokenCount sql.NullInt64
	var section sql.NullString
	var embedding []byte

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
	if len(embedding) > 0 {
		chunk.Embedding = store.DecodeVector(embedding)
	}
	return &chunk, nil
}

// CreateChunks bulk-inserts chunks for a document. Inserts commit in batches
// of YieldEvery with a context check between batches so a large document does
// not starve concurrent work.
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

	created := make([]*store.Chunk, 0, len(chunks))
	now := time.Now().UTC()
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
			id, err := result.LastInsertId()
			if err != nil {
				_ = tx.Rollback()
				return nil, err
			}
			created = append(created, &store.Chunk{
				ID:          id,
				DocumentID:  documentID,
				ChunkIndex:  input.ChunkIndex,
				Text:        input.Text,
				StartOffset: input.StartOffset,
				EndOffset:   input.EndOffset,
				Page:        input.Page,
				Section:     input.Section,
				TokenCount:  input.TokenCount,
				CreatedAt:   now,
			})
		}
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
	return chunks, rows.Err()
}

func (s *Adapter) chunkIDs(ctx context.Context, db *sql.DB, documentID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, "SELECT id FROM chunks WHERE document_id = ?", documentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteChunks removes all chunks of a document and tombstones them out of
// the vector index.
func (s *Adapter) DeleteChunks(ctx context.Context, documentID int64) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}
	return s.deleteChunks(ctx, db, documentID)
}

func (s *Adapter) deleteChunks(ctx context.Context, db *sql.DB, documentID int64) error {
	ids, err := s.chunkIDs(ctx, db, documentID)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if ann := s.getANN(); ann != nil {
		for _, id := range ids {
			ann.remove(id)
		}
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

	ann := s.getANN()
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
			result, err := tx.ExecContext(ctx, "UPDATE chunks SET embedding = ? WHERE id = ?",
				store.EncodeVector(u.Embedding), u.ChunkID)
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

		if ann != nil {
			for _, u := range updates[start:end] {
				ann.insert(u.ChunkID, u.Embedding)
			}
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
