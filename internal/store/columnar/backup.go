package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/quarryhq/quarry/internal/store"
)

// corruptionPatterns match the fatal error text of the embedded engine.
var corruptionPatterns = []string{
	"database disk image is malformed",
	"file is not a database",
	"malformed database schema",
	"database corruption",
}

func corruptionRemediation(restoreErr error) string {
	if restoreErr != nil {
		return fmt.Sprintf("restore from backup failed (%v); delete the database files and re-index from source documents", restoreErr)
	}
	return "delete the database files and re-index from source documents"
}

// CheckIntegrity runs the engine's structural checks over the catalog plus
// cross-store consistency checks against the vector store.
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("foreign_key_check failed to run: %w", err)
	}
	for rows.Next() {
		var table, parent string
		var rowid, fkid any
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			_ = rows.Close()
			return nil, err
		}
		report.Errors = append(report.Errors, fmt.Sprintf("foreign_key_check: %s row references missing %s", table, parent))
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The catalog flags which chunks should have a vector; the vector store
	// count must cover them.
	var embedded int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE has_embedding = 1").Scan(&embedded); err != nil {
		return nil, err
	}
	if vec := s.vecStore(); vec != nil {
		vs, err := vec.Stats(ctx)
		if err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("vector store stats unavailable: %v", err))
		} else {
			if int(vs.Count) < embedded {
				report.Errors = append(report.Errors,
					fmt.Sprintf("vector store holds %d embeddings but catalog flags %d chunks as embedded", vs.Count, embedded))
			} else if int(vs.Count) > embedded {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("vector store holds %d orphan embeddings beyond the %d flagged chunks", int(vs.Count)-embedded, embedded))
			}
		}
	} else if embedded > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("vector store unavailable, %d embedded chunks cannot be verified", embedded))
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

// CreateBackup snapshots the catalog and the vector store to their backup
// paths. Concurrent calls coalesce; the backup is skipped when nothing
// changed, when the database is empty or in memory, or when it exceeds the
// size ceiling. An integrity failure blocks the backup so a corrupt snapshot
// never replaces a good one.
func (s *Adapter) CreateBackup(ctx context.Context) (*store.BackupResult, error) {
	db, err := s.writeConn(ctx)
	if err != nil {
		return nil, err
	}

	if !s.backupGuard.TryAcquire() {
		return &store.BackupResult{SkipReason: "backup already in progress"}, nil
	}
	defer s.backupGuard.Release()

	if s.opts.Path == ":memory:" {
		return &store.BackupResult{SkipReason: "in-memory database"}, nil
	}
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
	if info, err := os.Stat(s.opts.Path); err == nil {
		size = info.Size()
	}
	if info, err := os.Stat(s.opts.VectorPath); err == nil {
		size += info.Size()
	}
	if size > s.opts.BackupMaxBytes {
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

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("wal checkpoint before backup failed", "error", err)
	}
	if err := vacuumInto(ctx, db, s.opts.BackupPath); err != nil {
		return nil, fmt.Errorf("failed to back up catalog: %w", err)
	}

	if vec := s.vecStore(); vec != nil {
		vdb := vec.GetDB()
		if _, err := vdb.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.log.Warn("vector store checkpoint before backup failed", "error", err)
		}
		if err := vacuumInto(ctx, vdb, s.vectorBackupPath()); err != nil {
			return nil, fmt.Errorf("failed to back up vector store: %w", err)
		}
	}

	s.dirty.Store(false)
	result := &store.BackupResult{
		Performed: true,
		Path:      s.opts.BackupPath,
		Duration:  time.Since(start),
	}
	if info, err := os.Stat(s.opts.BackupPath); err == nil {
		result.SizeBytes = info.Size()
	}
	s.log.Info("backup completed", "path", s.opts.BackupPath, "duration", result.Duration)
	return result, nil
}

func (s *Adapter) vectorBackupPath() string {
	return s.opts.VectorPath + ".backup"
}

// vacuumInto writes a compacted snapshot next to the target and renames it
// into place so a crashed backup never leaves a truncated file behind.
func vacuumInto(ctx context.Context, db *sql.DB, target string) error {
	tmp := target + ".tmp"
	_ = os.Remove(tmp)
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

// restoreFromBackup replaces the live catalog and vector store files with
// their last backups. Used once during Initialize when the catalog is
// corrupted.
func (s *Adapter) restoreFromBackup() error {
	if _, err := os.Stat(s.opts.BackupPath); err != nil {
		return fmt.Errorf("no backup available: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(s.opts.Path + suffix)
		_ = os.Remove(s.opts.VectorPath + suffix)
	}
	if err := copyFile(s.opts.BackupPath, s.opts.Path); err != nil {
		return fmt.Errorf("failed to restore catalog: %w", err)
	}
	if _, err := os.Stat(s.vectorBackupPath()); err == nil {
		if err := copyFile(s.vectorBackupPath(), s.opts.VectorPath); err != nil {
			return fmt.Errorf("failed to restore vector store: %w", err)
		}
	} else {
		s.log.Warn("no vector store backup found, embeddings must be regenerated")
	}
	return nil
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
