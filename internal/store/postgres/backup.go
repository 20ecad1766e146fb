package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/store"
)

// backupTables are snapshotted in dependency order so the restore can replay
// them with foreign keys satisfied.
var backupTables = []string{"documents", "chunks", "tags", "document_tags", "queue", "config"}

// CheckIntegrity runs structural checks (amcheck b-tree verification when the
// extension is available) plus data-level sanity checks.
func (s *Adapter) CheckIntegrity(ctx context.Context) (*store.IntegrityReport, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	report := &store.IntegrityReport{OK: true}

	if s.amcheckAvailable {
		rows, err := db.QueryContext(ctx, `
			SELECT c.relname
			FROM pg_index i
			JOIN pg_class c ON c.oid = i.indexrelid
			JOIN pg_class t ON t.oid = i.indrelid
			JOIN pg_am am ON am.oid = c.relam
			WHERE t.relname IN ('documents', 'chunks', 'tags', 'document_tags', 'queue', 'config')
			  AND am.amname = 'btree'`)
		if err != nil {
			return nil, fmt.Errorf("failed to list indexes: %w", err)
		}
		var indexes []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				_ = rows.Close()
				return nil, err
			}
			indexes = append(indexes, name)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		for _, index := range indexes {
			if _, err := db.ExecContext(ctx, "SELECT bt_index_check($1::regclass)", index); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("bt_index_check %s: %v", index, err))
			}
		}
	} else {
		report.Warnings = append(report.Warnings, "amcheck extension unavailable, structural index verification skipped")
	}

	// Readability probe per table; a corrupted heap fails here.
	for _, table := range backupTables {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("count %s: %v", table, err))
		}
	}

	var orphans int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks c
		LEFT JOIN documents d ON d.id = c.document_id
		WHERE d.id IS NULL`).Scan(&orphans); err == nil && orphans > 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("%d chunks reference missing documents", orphans))
	}

	var emptyIndexed int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents d
		WHERE d.status = 'indexed' AND NOT EXISTS (SELECT 1 FROM chunks c WHERE c.document_id = d.id)`).Scan(&emptyIndexed); err == nil && emptyIndexed > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d documents are marked indexed but have no chunks", emptyIndexed))
	}

	report.OK = len(report.Errors) == 0
	return report, nil
}

// CreateBackup snapshots every table into the backup schema inside the same
// database. Concurrent calls coalesce; the backup is skipped when nothing
// changed, when the database is empty, or when it exceeds the size ceiling.
// An integrity failure blocks the backup so a corrupt snapshot never replaces
// a good one.
func (s *Adapter) CreateBackup(ctx context.Context) (*store.BackupResult, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return nil, err
	}

	if !s.backupGuard.TryAcquire() {
		return &store.BackupResult{SkipReason: "backup already in progress"}, nil
	}
	defer s.backupGuard.Release()

	start := time.Now()
	if !s.dirty.Load() {
		return &store.BackupResult{SkipReason: "no changes since last backup"}, nil
	}

	var docs int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&docs); err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	if docs == 0 {
		return &store.BackupResult{SkipReason: "empty database"}, nil
	}

	var size int64
	if err := db.QueryRowContext(ctx, "SELECT pg_database_size(current_database())").Scan(&size); err == nil && size > s.opts.BackupMaxBytes {
		s.log.Warn("skipping backup, database exceeds size ceiling", "size", size, "ceiling", s.opts.BackupMaxBytes)
		return &store.BackupResult{SkipReason: "database exceeds size ceiling"}, nil
	}

	integrity, err := s.CheckIntegrity(ctx)
	if err != nil {
		return nil, fmt.Errorf("integrity check before backup failed to run: %w", err)
	}
	if !integrity.OK {
		s.log.Error("refusing to back up a database that fails integrity checks",
			"errors", strings.Join(integrity.Errors, "; "))
		return nil, fmt.Errorf("integrity check failed before backup: %s", strings.Join(integrity.Errors, "; "))
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+backupSchema+" CASCADE"); err != nil {
		return nil, fmt.Errorf("failed to drop old backup schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "CREATE SCHEMA "+backupSchema); err != nil {
		return nil, fmt.Errorf("failed to create backup schema: %w", err)
	}
	for _, table := range backupTables {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("CREATE TABLE %s.%s AS SELECT * FROM public.%s", backupSchema, table, table)); err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("CREATE TABLE %s.backup_meta AS SELECT now() AS created_at", backupSchema)); err != nil {
		return nil, fmt.Errorf("failed to stamp backup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit backup: %w", err)
	}

	s.dirty.Store(false)
	result := &store.BackupResult{
		Performed: true,
		Path:      backupSchema,
		SizeBytes: size,
		Duration:  time.Since(start),
	}
	s.log.Info("backup completed", "schema", backupSchema, "duration", result.Duration)
	return result, nil
}

// restoreFromBackup rebuilds the public tables from the backup schema. Used
// once during Initialize when the live tables are corrupted.
func (s *Adapter) restoreFromBackup(ctx context.Context) error {
	db, err := sql.Open("pgx", s.opts.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database for restore: %w", err)
	}
	defer func() { _ = db.Close() }()

	var exists bool
	if err := db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", backupSchema).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no backup schema available")
	}

	for _, table := range backupTables {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS public."+table+" CASCADE"); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS public.schema_version"); err != nil {
		return err
	}
	if err := applyMigrations(ctx, db, s.opts.VectorDim, s.opts.TextSearchConfig); err != nil {
		return fmt.Errorf("failed to recreate schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range backupTables {
		cols, err := tableColumns(ctx, db, table)
		if err != nil {
			return err
		}
		colList := strings.Join(cols, ", ")
		stmt := fmt.Sprintf("INSERT INTO public.%s (%s) OVERRIDING SYSTEM VALUE SELECT %s FROM %s.%s",
			table, colList, colList, backupSchema, table)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to restore %s: %w", table, err)
		}
	}
	for _, table := range []string{"documents", "chunks", "tags", "queue"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"SELECT setval(pg_get_serial_sequence('public.%s', 'id'), COALESCE((SELECT MAX(id) FROM public.%s), 1))",
			table, table)); err != nil {
			return fmt.Errorf("failed to reset %s sequence: %w", table, err)
		}
	}
	return tx.Commit()
}

// tableColumns lists a table's columns in ordinal order, excluding generated
// columns, which cannot be inserted into.
func tableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1 AND is_generated = 'NEVER'
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
