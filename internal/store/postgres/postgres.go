// Package postgres implements the storage adapter on PostgreSQL with the
// pgvector extension. Keyword search runs on tsvector generated columns with
// GIN indexes; semantic search runs on pgvector cosine distance; hybrid
// fusion runs as a single CTE statement with an in-process fallback. Backups
// snapshot every table into a dedicated schema inside the same database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/internal/store"
)

// Config keys written by the adapter itself.
const (
	configKeyDimension  = "vector_dimension"
	configKeyInstanceID = "instance_id"
)

// backupSchema holds the table snapshots written by CreateBackup.
const backupSchema = "quarry_backup"

// Options configures a Postgres adapter.
type Options struct {
	DSN       string
	VectorDim int
	ReadOnly  bool

	// TextSearchConfig is the regconfig used for tsvector/tsquery.
	// Defaults to "english".
	TextSearchConfig string

	// BackupMaxBytes is the database-size ceiling above which backups are
	// skipped. Defaults to 1 GiB.
	BackupMaxBytes int64

	MaxOpenConns int
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TextSearchConfig == "" {
		o.TextSearchConfig = "english"
	}
	if o.BackupMaxBytes <= 0 {
		o.BackupMaxBytes = 1 << 30
	}
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Adapter implements store.Adapter on a PostgreSQL database.
type Adapter struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	db        *sql.DB
	suspended bool

	initialized atomic.Bool
	dirty       atomic.Bool
	barrier     *store.ReadyBarrier
	backupGuard store.FlightGuard

	amcheckAvailable bool
}

var _ store.Adapter = (*Adapter)(nil)

// New creates an adapter bound to the database at opts.DSN. Initialize must
// be called before any data operation.
func New(opts Options) (*Adapter, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if opts.VectorDim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", opts.VectorDim)
	}
	opts = opts.withDefaults()
	return &Adapter{
		opts:    opts,
		log:     opts.Logger.With("backend", "postgres"),
		barrier: store.NewReadyBarrier(),
	}, nil
}

// Initialize connects, ensures the vector extension, and applies migrations.
// A corruption error triggers one restore from the backup schema before the
// error escalates to FatalCorruptionError.
func (s *Adapter) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized.Load() {
		return nil
	}

	db, err := s.open(ctx)
	if err != nil {
		if s.opts.ReadOnly || !isCorruptionError(err) {
			return err
		}
		s.log.Warn("database corrupted at startup, restoring from backup schema", "error", err)
		if rerr := s.restoreFromBackup(ctx); rerr != nil {
			return &store.FatalCorruptionError{Path: "postgres", Cause: err, Remediation: corruptionRemediation(rerr)}
		}
		db, err = s.open(ctx)
		if err != nil {
			return &store.FatalCorruptionError{Path: "postgres", Cause: err, Remediation: corruptionRemediation(nil)}
		}
		s.log.Info("database restored from backup schema")
	}

	if err := s.bootstrapConfig(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	s.amcheckAvailable = detectAmcheck(ctx, db)

	s.db = db
	s.suspended = false
	s.initialized.Store(true)
	s.log.Info("storage initialized",
		"dimension", s.opts.VectorDim, "read_only", s.opts.ReadOnly,
		"amcheck", s.amcheckAvailable)
	return nil
}

func (s *Adapter) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", s.opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.opts.MaxOpenConns)
	db.SetMaxIdleConns(s.opts.MaxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if !s.opts.ReadOnly {
		if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ensure pgvector extension: %w", err)
		}
		if err := applyMigrations(ctx, db, s.opts.VectorDim, s.opts.TextSearchConfig); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	return db, nil
}

func (s *Adapter) bootstrapConfig(ctx context.Context, db *sql.DB) error {
	var stored string
	err := db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = $1", configKeyDimension).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if s.opts.ReadOnly {
			return nil
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO config (key, value, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO NOTHING",
			configKeyDimension, fmt.Sprint(s.opts.VectorDim)); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if stored != fmt.Sprint(s.opts.VectorDim) {
			return fmt.Errorf("database was created with vector dimension %s, adapter configured for %d", stored, s.opts.VectorDim)
		}
	}

	if s.opts.ReadOnly {
		return nil
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO config (key, value, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO NOTHING",
		configKeyInstanceID, uuid.NewString())
	return err
}

// detectAmcheck reports whether the amcheck extension can be used for
// structural index verification.
func detectAmcheck(ctx context.Context, db *sql.DB) bool {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS amcheck"); err != nil {
		return false
	}
	var exists bool
	err := db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'amcheck')").Scan(&exists)
	return err == nil && exists
}

// Initialized reports whether the adapter is ready for data operations.
func (s *Adapter) Initialized() bool {
	return s.initialized.Load()
}

// Close tears down the connection pool. Idempotent; teardown failures are
// logged, never returned.
func (s *Adapter) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized.Load() {
		return nil
	}
	if s.db != nil {
		s.closeWithTimeout(s.db)
		s.db = nil
	}
	s.initialized.Store(false)
	s.suspended = false
	s.barrier.Release()
	s.log.Info("storage closed")
	return nil
}

func (s *Adapter) closeWithTimeout(db *sql.DB) {
	done := make(chan error, 1)
	go func() { done <- db.Close() }()
	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("error closing database", "error", err)
		}
	case <-time.After(store.CloseTimeout):
		s.log.Warn("database close timed out, abandoning pool", "timeout", store.CloseTimeout)
	}
}

// Reconnect drops and rebuilds the connection pool. Concurrent operations
// block on the ready barrier until the new pool is up.
func (s *Adapter) Reconnect(ctx context.Context) error {
	if !s.initialized.Load() {
		return store.ErrNotInitialized
	}

	s.barrier.Hold()
	defer s.barrier.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return store.ErrNotInitialized
	}

	s.closeWithTimeout(s.db)
	s.db = nil
	debug.FreeOSMemory()

	db, err := s.open(ctx)
	if err != nil {
		s.initialized.Store(false)
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	s.db = db
	s.log.Info("database pool reconnected")
	return nil
}

// Suspend closes the pool while keeping the adapter initialized. Data
// operations block on the ready barrier until Resume.
func (s *Adapter) Suspend(ctx context.Context) error {
	if !s.initialized.Load() {
		return store.ErrNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return nil
	}

	s.barrier.Hold()
	if s.db != nil {
		s.closeWithTimeout(s.db)
		s.db = nil
	}
	s.suspended = true
	s.log.Info("storage suspended")
	return nil
}

// Resume reopens a suspended adapter and releases the ready barrier.
func (s *Adapter) Resume(ctx context.Context) error {
	if !s.initialized.Load() {
		return store.ErrNotInitialized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return nil
	}

	db, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	s.db = db
	s.suspended = false
	s.barrier.Release()
	s.log.Info("storage resumed")
	return nil
}

func (s *Adapter) conn(ctx context.Context) (*sql.DB, error) {
	if !s.initialized.Load() {
		return nil, store.ErrNotInitialized
	}
	if err := s.barrier.Await(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, store.ErrNotInitialized
	}
	return db, nil
}

func (s *Adapter) writeConn(ctx context.Context) (*sql.DB, error) {
	if s.opts.ReadOnly {
		return nil, store.ErrReadOnly
	}
	return s.conn(ctx)
}

func (s *Adapter) markDirty() {
	s.dirty.Store(true)
}

// isCorruptionError matches the SQLSTATE classes Postgres raises for data
// corruption, plus the canonical message fragments for cases that surface as
// internal errors.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "XX000", "XX001", "XX002": // internal_error, data_corrupted, index_corrupted
			return true
		}
	}
	return store.IsCorruptionError(err, []string{
		"could not read block",
		"unexpected zero page",
		"invalid page in block",
		"index contains corrupted page",
	})
}

func corruptionRemediation(restoreErr error) string {
	if restoreErr != nil {
		return fmt.Sprintf("Automatic restore from the %s schema failed (%v). Restore the database from an external backup or re-index from the original documents.", backupSchema, restoreErr)
	}
	return "The backup schema was restored but the database still fails. Restore from an external backup or re-index from the original documents."
}

// GetConfigValue returns the stored value for key, or ErrNotFound.
func (s *Adapter) GetConfigValue(ctx context.Context, key string) (string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config value: %w", err)
	}
	return value, nil
}

// SetConfigValue upserts a config entry.
func (s *Adapter) SetConfigValue(ctx context.Context, key, value string) error {
	db, err := s.writeConn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO config (key, value, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at",
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set config value: %w", err)
	}
	s.markDirty()
	return nil
}

// GetStats summarizes database contents. Counts run concurrently on the
// connection pool.
func (s *Adapter) GetStats(ctx context.Context) (*store.Stats, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	stats := &store.Stats{
		Backend:           "postgres",
		DocumentsByStatus: make(map[store.DocumentStatus]int),
	}

	var statusMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	count := func(query string, dest *int) func() error {
		return func() error {
			return db.QueryRowContext(gctx, query).Scan(dest)
		}
	}

	g.Go(count("SELECT COUNT(*) FROM documents", &stats.Documents))
	g.Go(count("SELECT COUNT(*) FROM chunks", &stats.Chunks))
	g.Go(count("SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL", &stats.ChunksWithEmbeddings))
	g.Go(count("SELECT COUNT(*) FROM tags", &stats.Tags))
	g.Go(count("SELECT COUNT(*) FROM queue WHERE status IN ('pending', 'processing')", &stats.QueueDepth))
	g.Go(func() error {
		return db.QueryRowContext(gctx, "SELECT pg_database_size(current_database())").Scan(&stats.DatabaseSizeBytes)
	})
	g.Go(func() error {
		rows, err := db.QueryContext(gctx, "SELECT status, COUNT(*) FROM documents GROUP BY status")
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			statusMu.Lock()
			stats.DocumentsByStatus[store.DocumentStatus(status)] = n
			statusMu.Unlock()
		}
		return rows.Err()
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	return stats, nil
}
