package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/store"
)

const documentColumns = `d.id, d.file_path, d.file_name, d.file_extension, d.file_size, d.file_hash,
	d.title, d.author, d.language, d.page_count, d.status, d.ocr_status, d.metadata,
	d.file_modified_at, d.indexed_at, d.created_at, d.updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*store.Document, error) {
	var doc store.Document
	var title, author, language sql.NullString
	var pageCount sql.NullInt64
	var metadata string
	var fileModifiedAt, indexedAt sql.NullTime

	err := row.Scan(
		&doc.ID, &doc.FilePath, &doc.FileName, &doc.FileExtension, &doc.FileSize, &doc.FileHash,
		&title, &author, &language, &pageCount, &doc.Status, &doc.OCRStatus, &metadata,
		&fileModifiedAt, &indexedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if title.Valid {
		doc.Title = &title.String
	}
	if author.Valid {
		doc.Author = &author.String
	}
	if language.Valid {
		doc.Language = &language.String
	}
	if pageCount.Valid {
		pc := int(pageCount.Int64)
		doc.PageCount = &pc
	}
	if fileModifiedAt.Valid {
		t := fileModifiedAt.Time
		doc.FileModifiedAt = &t
	}
	if indexedAt.Valid {
		t := indexedAt.Time
		doc.IndexedAt = &t
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode document metadata: %w", err)
		}
	}
	return &doc, nil
}

func encodeMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders returns "?, ?, ..." with n slots.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// appendDocFilters extends a WHERE clause with document filters. The document
// table must be aliased d in the enclosing query.
func appendDocFilters(where []string, args []any, f *store.Filters) ([]string, []any) {
	if f == nil {
		return where, args
	}

	if len(f.Folders) > 0 {
		ors := make([]string, 0, len(f.Folders))
		for _, folder := range f.Folders {
			ors = append(ors, "d.file_path LIKE ?")
			args = append(args, "%"+store.NormalizePath(folder)+"%")
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if len(f.FileTypes) > 0 {
		where = append(where, "d.file_extension IN ("+placeholders(len(f.FileTypes))+")")
		for _, ft := range f.FileTypes {
			args = append(args, store.NormalizeExtension(ft))
		}
	}
	if len(f.Status) > 0 {
		where = append(where, "d.status IN ("+placeholders(len(f.Status))+")")
		for _, st := range f.Status {
			args = append(args, string(st))
		}
	}
	if len(f.Languages) > 0 {
		where = append(where, "d.language IN ("+placeholders(len(f.Languages))+")")
		for _, lang := range f.Languages {
			args = append(args, lang)
		}
	}
	if len(f.Tags) > 0 {
		where = append(where,
			"EXISTS (SELECT 1 FROM document_tags dt JOIN tags t ON t.id = dt.tag_id WHERE dt.document_id = d.id AND t.name IN ("+placeholders(len(f.Tags))+"))")
		for _, tag := range f.Tags {
			args = append(args, tag)
		}
	}
	if f.DateFrom != nil {
		where = append(where, "d.file_modified_at >= ?")
		args = append(args, *f.DateFrom)
	}
	if f.DateTo != nil {
		where = append(where, "d.file_modified_at <= ?")
		args = append(args, *f.DateTo)
	}
	return where, args
}

// CreateDocument inserts a new document in pending status. The file path is
// normalized to forward slashes and must be unique.
func (s *Adapter) CreateDocument(ctx context.Context, input *store.DocumentInput) (*store.Document, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return nil, err
	}

	metadata, err := encodeMetadata(input.Metadata)
	if err != nil {
		return nil, err
	}
	ocrStatus := input.OCRStatus
	if ocrStatus == "" {
		ocrStatus = store.OCRNotNeeded
	}

	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, `
		INSERT INTO documents (file_path, file_name, file_extension, file_size, file_hash,
			title, author, language, page_count, status, ocr_status, metadata,
			file_modified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		store.NormalizePath(input.FilePath), input.FileName, store.NormalizeExtension(input.FileExtension),
		input.FileSize, input.FileHash, input.Title, input.Author, input.Language, input.PageCount,
		string(store.StatusPending), string(ocrStatus), metadata, input.FileModifiedAt, now, now)
	if isUniqueViolation(err) {
		return nil, store.ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	s.markDirty()
	return s.getDocument(ctx, db, id)
}

func (s *Adapter) getDocument(ctx context.Context, db *sql.DB, id int64) (*store.Document, error) {
	row := db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents d WHERE d.id = ?", id)
	doc, err := scanDocument(row)
	if err != nil {
		return nil, err
	}
	doc.Tags, err = s.documentTags(ctx, db, id)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocument returns a document with its tags, or ErrNotFound.
func (s *Adapter) GetDocument(ctx context.Context, id int64) (*store.Document, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return s.getDocument(ctx, db, id)
}

// GetDocumentByPath looks a document up by its normalized file path.
func (s *Adapter) GetDocumentByPath(ctx context.Context, path string) (*store.Document, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents d WHERE d.file_path = ?",
		store.NormalizePath(path))
	doc, err := scanDocument(row)
	if err != nil {
		return nil, err
	}
	doc.Tags, err = s.documentTags(ctx, db, doc.ID)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// UpdateDocument applies a partial update; nil fields are left unchanged.
func (s *Adapter) UpdateDocument(ctx context.Context, id int64, update *store.DocumentUpdate) (*store.Document, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return nil, err
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	appendSet := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if update.FileSize != nil {
		appendSet("file_size", *update.FileSize)
	}
	if update.FileHash != nil {
		appendSet("file_hash", *update.FileHash)
	}
	if update.Title != nil {
		appendSet("title", *update.Title)
	}
	if update.Author != nil {
		appendSet("author", *update.Author)
	}
	if update.Language != nil {
		appendSet("language", *update.Language)
	}
	if update.PageCount != nil {
		appendSet("page_count", *update.PageCount)
	}
	if update.Status != nil {
		appendSet("status", string(*update.Status))
	}
	if update.OCRStatus != nil {
		appendSet("ocr_status", string(*update.OCRStatus))
	}
	if update.Metadata != nil {
		metadata, err := encodeMetadata(update.Metadata)
		if err != nil {
			return nil, err
		}
		appendSet("metadata", metadata)
	}
	if update.FileModifiedAt != nil {
		appendSet("file_modified_at", *update.FileModifiedAt)
	}
	if update.IndexedAt != nil {
		appendSet("indexed_at", *update.IndexedAt)
	}

	result, err := db.ExecContext(ctx, "UPDATE documents SET "+strings.Join(sets, ", ")+" WHERE id = ?",
		append(args, id)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	s.markDirty()
	return s.getDocument(ctx, db, id)
}

// DeleteDocument removes a document; chunks and tag links cascade. In HNSW
// mode the deleted chunk IDs are tombstoned out of the vector index.
func (s *Adapter) DeleteDocument(ctx context.Context, id int64) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}

	chunkIDs, err := s.chunkIDs(ctx, db, id)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}

	if ann := s.getANN(); ann != nil {
		for _, chunkID := range chunkIDs {
			ann.remove(chunkID)
		}
	}
	s.pruneOrphanTags(ctx, db)
	s.markDirty()
	return nil
}

// ListDocuments returns documents matching the filters, ordered by path.
func (s *Adapter) ListDocuments(ctx context.Context, filters *store.Filters) ([]*store.Document, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	where, args := appendDocFilters(nil, nil, filters)
	query := "SELECT " + documentColumns + " FROM documents d"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY d.file_path"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*store.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachTags(ctx, db, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// CountDocuments counts documents matching the filters.
func (s *Adapter) CountDocuments(ctx context.Context, filters *store.Filters) (int, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	where, args := appendDocFilters(nil, nil, filters)
	query := "SELECT COUNT(*) FROM documents d"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var count int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// attachTags loads tags for a batch of documents with one query.
func (s *Adapter) attachTags(ctx context.Context, db *sql.DB, docs []*store.Document) error {
	if len(docs) == 0 {
		return nil
	}
	byID := make(map[int64]*store.Document, len(docs))
	args := make([]any, 0, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
		args = append(args, doc.ID)
	}

	rows, err := db.QueryContext(ctx,
		"SELECT dt.document_id, t.name FROM document_tags dt JOIN tags t ON t.id = dt.tag_id WHERE dt.document_id IN ("+placeholders(len(args))+") ORDER BY t.name",
		args...)
	if err != nil {
		return fmt.Errorf("failed to load tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var docID int64
		var name string
		if err := rows.Scan(&docID, &name); err != nil {
			return err
		}
		if doc, ok := byID[docID]; ok {
			doc.Tags = append(doc.Tags, name)
		}
	}
	return rows.Err()
}

func (s *Adapter) documentTags(ctx context.Context, db *sql.DB, documentID int64) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT t.name FROM document_tags dt JOIN tags t ON t.id = dt.tag_id WHERE dt.document_id = ? ORDER BY t.name",
		documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// AddTags attaches tag names to a document, creating tags as needed.
// Duplicate names are idempotent.
func (s *Adapter) AddTags(ctx context.Context, documentID int64, names []string) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}

	var exists int
	if err := db.QueryRowContext(ctx, "SELECT 1 FROM documents WHERE id = ?", documentID).Scan(&exists); err == sql.ErrNoRows {
		return store.ErrNotFound
	} else if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO tags (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to create tag %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO document_tags (document_id, tag_id) SELECT ?, id FROM tags WHERE name = ?",
			documentID, name); err != nil {
			return fmt.Errorf("failed to attach tag %q: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.markDirty()
	return nil
}

// RemoveTags detaches tag names from a document and prunes tags no document
// uses anymore.
func (s *Adapter) RemoveTags(ctx context.Context, documentID int64, names []string) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	args := []any{documentID}
	for _, name := range names {
		args = append(args, strings.TrimSpace(name))
	}
	_, err = db.ExecContext(ctx,
		"DELETE FROM document_tags WHERE document_id = ? AND tag_id IN (SELECT id FROM tags WHERE name IN ("+placeholders(len(names))+"))",
		args...)
	if err != nil {
		return fmt.Errorf("failed to remove tags: %w", err)
	}
	s.pruneOrphanTags(ctx, db)
	s.markDirty()
	return nil
}

func (s *Adapter) pruneOrphanTags(ctx context.Context, db *sql.DB) {
	if _, err := db.ExecContext(ctx,
		"DELETE FROM tags WHERE id NOT IN (SELECT DISTINCT tag_id FROM document_tags)"); err != nil {
		s.log.Warn("failed to prune orphan tags", "error", err)
	}
}

// GetDocumentTags returns the tag names attached to a document.
func (s *Adapter) GetDocumentTags(ctx context.Context, documentID int64) ([]string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return s.documentTags(ctx, db, documentID)
}

// GetAllTags returns every tag with its document count, most used first.
func (s *Adapter) GetAllTags(ctx context.Context) ([]store.TagCount, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT t.name, COUNT(dt.document_id)
		FROM tags t
		LEFT JOIN document_tags dt ON dt.tag_id = t.id
		GROUP BY t.id, t.name
		ORDER BY COUNT(dt.document_id) DESC, t.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tags []store.TagCount
	for rows.Next() {
		var tc store.TagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, err
		}
		tags = append(tags, tc)
	}
	return tags, rows.Err()
}
