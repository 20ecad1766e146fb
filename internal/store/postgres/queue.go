package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/internal/store"
)

const queueColumns = `id, file_path, priority, status, attempts, last_error, file_size,
	created_at, started_at, completed_at`

// priorityRankCase orders queue rows cheapest-to-process first; it must agree
// with store.PriorityRank.
const priorityRankCase = `CASE priority
	WHEN 'text' THEN 0
	WHEN 'markup' THEN 1
	WHEN 'pdf' THEN 2
	WHEN 'image' THEN 3
	WHEN 'ocr' THEN 4
	WHEN 'deferred' THEN 5
	ELSE 6 END`

func scanQueueItem(row interface{ Scan(...any) error }) (*store.QueueItem, error) {
	var item store.QueueItem
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&item.ID, &item.FilePath, &item.Priority, &item.Status, &item.Attempts,
		&item.LastError, &item.FileSize, &item.CreatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		t := startedAt.Time
		item.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		item.CompletedAt = &t
	}
	return &item, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func enqueue(ctx context.Context, q execer, input store.QueueInput) error {
	priority := input.Priority
	if priority == "" {
		priority = store.PriorityText
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO queue (file_path, priority, status, attempts, last_error, file_size)
		VALUES ($1, $2, 'pending', 0, '', $3)
		ON CONFLICT (file_path) DO UPDATE SET
			priority = EXCLUDED.priority,
			status = 'pending',
			attempts = 0,
			last_error = '',
			file_size = EXCLUDED.file_size,
			created_at = now(),
			started_at = NULL,
			completed_at = NULL`,
		store.NormalizePath(input.FilePath), string(priority), input.FileSize)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", input.FilePath, err)
	}
	return nil
}

// EnqueueItem adds a path to the indexing queue. Re-enqueuing an existing
// path resets it to a fresh pending item at the new priority.
func (s *Adapter) EnqueueItem(ctx context.Context, input store.QueueInput) (*store.QueueItem, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return nil, err
	}
	if err := enqueue(ctx, db, input); err != nil {
		return nil, err
	}
	s.markDirty()
	return s.getQueueItemByPath(ctx, db, input.FilePath)
}

// EnqueueItems enqueues a batch in one transaction and returns the count.
func (s *Adapter) EnqueueItems(ctx context.Context, inputs []store.QueueInput) (int, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, input := range inputs {
		if err := enqueue(ctx, tx, input); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.markDirty()
	return len(inputs), nil
}

// DequeueItem leases the next pending item: cheapest priority class first,
// then smallest file, then oldest. FOR UPDATE SKIP LOCKED keeps concurrent
// workers from leasing the same row. Returns (nil, nil) when the queue has no
// pending work.
func (s *Adapter) DequeueItem(ctx context.Context) (*store.QueueItem, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		UPDATE queue SET status = 'processing', attempts = attempts + 1, started_at = now()
		WHERE id = (
			SELECT id FROM queue
			WHERE status = 'pending'
			ORDER BY `+priorityRankCase+`, file_size, created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns)
	item, err := scanQueueItem(row)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	s.markDirty()
	return item, nil
}

// UpdateQueueItem applies a partial update; nil fields are left unchanged.
func (s *Adapter) UpdateQueueItem(ctx context.Context, id int64, update store.QueueUpdate) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}

	args := &argList{}
	var sets []string
	if update.Status != nil {
		sets = append(sets, "status = "+args.add(string(*update.Status)))
		switch *update.Status {
		case store.QueueCompleted, store.QueueFailed:
			sets = append(sets, "completed_at = now()")
		case store.QueuePending:
			sets = append(sets, "started_at = NULL", "completed_at = NULL")
		}
	}
	if update.Priority != nil {
		sets = append(sets, "priority = "+args.add(string(*update.Priority)))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = "+args.add(*update.LastError))
	}
	if len(sets) == 0 {
		return nil
	}

	result, err := db.ExecContext(ctx,
		"UPDATE queue SET "+strings.Join(sets, ", ")+" WHERE id = "+args.add(id),
		args.vals...)
	if err != nil {
		return fmt.Errorf("failed to update queue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	s.markDirty()
	return nil
}

// DeleteQueueItem removes one queue item.
func (s *Adapter) DeleteQueueItem(ctx context.Context, id int64) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, "DELETE FROM queue WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	s.markDirty()
	return nil
}

// GetQueueItemByPath looks an item up by its normalized file path.
func (s *Adapter) GetQueueItemByPath(ctx context.Context, path string) (*store.QueueItem, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	return s.getQueueItemByPath(ctx, db, path)
}

func (s *Adapter) getQueueItemByPath(ctx context.Context, db *sql.DB, path string) (*store.QueueItem, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+queueColumns+" FROM queue WHERE file_path = $1", store.NormalizePath(path))
	return scanQueueItem(row)
}

// GetQueueStatus summarizes queue depth by state.
func (s *Adapter) GetQueueStatus(ctx context.Context) (*store.QueueStatus, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to get queue status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	status := &store.QueueStatus{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		switch store.QueueItemStatus(state) {
		case store.QueuePending:
			status.Pending = count
		case store.QueueProcessing:
			status.Processing = count
		case store.QueueCompleted:
			status.Completed = count
		case store.QueueFailed:
			status.Failed = count
		}
		status.Total += count
	}
	return status, rows.Err()
}

// ClearCompletedQueueItems deletes completed items and returns the count.
func (s *Adapter) ClearCompletedQueueItems(ctx context.Context) (int, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return 0, err
	}
	result, err := db.ExecContext(ctx, "DELETE FROM queue WHERE status = 'completed'")
	if err != nil {
		return 0, fmt.Errorf("failed to clear completed queue items: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.markDirty()
	}
	return int(affected), nil
}

// ClearQueue deletes every queue item and returns the count.
func (s *Adapter) ClearQueue(ctx context.Context) (int, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return 0, err
	}
	result, err := db.ExecContext(ctx, "DELETE FROM queue")
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.markDirty()
	}
	return int(affected), nil
}

// RecoverStuckDocuments resets documents a crashed pipeline left in a
// transient state: their chunks are dropped, the document returns to pending,
// and the path is re-enqueued at text priority. Each document recovers in its
// own transaction so one failure does not block the rest.
func (s *Adapter) RecoverStuckDocuments(ctx context.Context) (*store.RecoveryReport, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]string, 0, len(store.PipelineStatuses))
	for _, st := range store.PipelineStatuses {
		statuses = append(statuses, string(st))
	}
	rows, err := db.QueryContext(ctx,
		"SELECT id, file_path, file_size FROM documents WHERE status = ANY($1) ORDER BY id",
		statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck documents: %w", err)
	}

	type stuck struct {
		id       int64
		filePath string
		fileSize int64
	}
	var stuckDocs []stuck
	for rows.Next() {
		var d stuck
		if err := rows.Scan(&d.id, &d.filePath, &d.fileSize); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stuckDocs = append(stuckDocs, d)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &store.RecoveryReport{}
	for _, doc := range stuckDocs {
		if err := s.recoverOne(ctx, db, doc.id, doc.filePath, doc.fileSize); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", doc.filePath, err))
			continue
		}
		report.RecoveredDocuments++
		report.RequeuedPaths = append(report.RequeuedPaths, doc.filePath)
	}

	if report.RecoveredDocuments > 0 {
		s.markDirty()
		s.log.Info("recovered stuck documents",
			"recovered", report.RecoveredDocuments, "errors", len(report.Errors))
	}
	return report, nil
}

func (s *Adapter) recoverOne(ctx context.Context, db *sql.DB, id int64, filePath string, fileSize int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = $1", id); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE documents SET status = 'pending', indexed_at = NULL, updated_at = now() WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to reset document: %w", err)
	}
	if err := enqueue(ctx, tx, store.QueueInput{
		FilePath: filePath,
		Priority: store.PriorityText,
		FileSize: fileSize,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
