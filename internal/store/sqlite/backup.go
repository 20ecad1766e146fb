package sqlite

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/store"
)

// corruptionPatterns are the error-text heuristics that route a startup
// failure into restore-from-backup. SQLite has no structured corruption
// codes, so substring matching against the canonical messages is the
// available signal.
var corruptionPatterns = []string{
	"database disk image is malformed",
	"file is not a database",
	"malformed database schema",
	"database corruption",
}

func corruptionRemediation(restoreErr error) string {
	if restoreErr != nil {
		return fmt.Sprintf("Automatic restore failed (%v). Delete the database file and re-index, or restore a known-good backup manually.", restoreErr)
	}
	return "The backup was restored but the database still fails to open. Delete the database file and re-index from the original documents."
}

// CheckIntegrity runs the engine's structural checks plus data-level sanity
// checks. Structural damage and constraint violations are errors; suspicious
// but non-fatal conditions are warnings.
func (s *Adapter) CheckIntegrity(ctx context.Context) (*store.IntegrityReport, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	report := &store.IntegrityReport{OK: true}

	rows, err := db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("integrity_check failed to run: %w", err)
	}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if line != "ok" {
			report.Errors = append(report.Errors, "integrity_check: "+line)
		}
	}
	_ = rows.Close()

	rows, err = db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("foreign_key_check failed to run: %w", err)
	}
	for rows.Next() {
		var table string
		var rowid, fkid any
		var parent string
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			_ = rows.Close()
			return nil, err
		}
		report.Errors = append(report.Errors, fmt.Sprintf("foreign_key_check: %s row %v references missing %s", table, rowid, parent))
	}
	_ = rows.Close()

	// FTS index self-check; a damaged index breaks keyword search silently.
	if _, err := db.ExecContext(ctx, "INSERT INTO chunks_fts(chunks_fts) VALUES ('integrity-check')"); err != nil {
		report.Errors = append(report.Errors, "fts integrity-check: "+err.Error())
	}

	var badEmbeddings int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL AND length(embedding) != ?",
		s.opts.VectorDim*4).Scan(&badEmbeddings); err != nil {
		return nil, err
	}
	if badEmbeddings > 0 {
		report.Errors = append(report.Errors, fmt.Sprintf("%d embeddings have the wrong byte length for dimension %d", badEmbeddings, s.opts.VectorDim))
	}

	var emptyIndexed int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents d
		WHERE d.status = 'indexed' AND NOT EXISTS (SELECT 1 FROM chunks c WHERE c.document_id = d.id)`).Scan(&emptyIndexed); err != nil {
		return nil, err
	}
	if emptyIndexed > 0 {
		report.Warnings = append(report.Warnings, fmt.Sprintf("%d documents are marked indexed but have no chunks", emptyIndexed))
	}

	report.OK = len(report.Errors) == 0
	return report, nil
}

// CreateBackup snapshots the database file. Concurrent calls coalesce: the
// second caller observes the guard held and returns a skip. A backup is also
// skipped for in-memory databases, when nothing changed since the last
// backup, when the database is empty, and when it exceeds the size ceiling.
// An integrity failure blocks the backup with an error so a corrupt snapshot
// never overwrites a good one.
func (s *Adapter) CreateBackup(ctx context.Context) (*store.BackupResult, error) {
	if _, err := s.writeConn(ctx); err != nil {
		return nil, err
	}

	if !s.backupGuard.TryAcquire() {
		return &store.BackupResult{SkipReason: "backup already in progress"}, nil
	}
	defer s.backupGuard.Release()

	start := time.Now()
	if s.opts.Path == ":memory:" {
		return &store.BackupResult{SkipReason: "in-memory database"}, nil
	}
	if !s.dirty.Load() {
		return &store.BackupResult{SkipReason: "no changes since last backup"}, nil
	}

	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var docs int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&docs); err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	if docs == 0 {
		return &store.BackupResult{SkipReason: "empty database"}, nil
	}

	if info, err := os.Stat(s.opts.Path); err == nil && info.Size() > s.opts.BackupMaxBytes {
		s.log.Warn("skipping backup, database exceeds size ceiling",
			"size", info.Size(), "ceiling", s.opts.BackupMaxBytes)
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

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("wal checkpoint before backup failed", "error", err)
	}

	tmp := s.opts.BackupPath + ".tmp"
	_ = os.Remove(tmp)
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmp, s.opts.BackupPath); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to move backup into place: %w", err)
	}

	s.saveANNSidecar(ctx, db)
	s.dirty.Store(false)

	result := &store.BackupResult{
		Performed: true,
		Path:      s.opts.BackupPath,
		Duration:  time.Since(start),
	}
	if info, err := os.Stat(s.opts.BackupPath); err == nil {
		result.SizeBytes = info.Size()
	}
	s.log.Info("backup completed", "path", result.Path, "bytes", result.SizeBytes, "duration", result.Duration)
	return result, nil
}

// restoreFromBackup replaces the database file with the latest backup. Called
// with the handle closed, before the retry open.
func (s *Adapter) restoreFromBackup() error {
	if s.opts.BackupPath == "" {
		return fmt.Errorf("no backup path configured")
	}
	if _, err := os.Stat(s.opts.BackupPath); err != nil {
		return fmt.Errorf("no backup available: %w", err)
	}

	for _, path := range []string{s.opts.Path, s.opts.Path + "-wal", s.opts.Path + "-shm", s.sidecarPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return copyFile(s.opts.BackupPath, s.opts.Path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
