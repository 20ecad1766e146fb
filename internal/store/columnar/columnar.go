// Package columnar implements the storage adapter as a two-file pair: a
// SQLite catalog for documents, chunk text, tags, queue, and config, plus a
// sqvect vector store holding the embeddings column-wise. Semantic search is
// served entirely by the vector store; keyword search is a substring scan
// over the catalog. When the vector store cannot be opened the adapter stays
// usable and semantic search reports ErrSemanticDisabled.
package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	core "github.com/liliang-cn/sqvect/v2/pkg/core"
	_ "modernc.org/sqlite"

	"github.com/quarryhq/quarry/internal/store"
)

// Config keys written by the adapter itself.
const (
	configKeyDimension  = "vector_dimension"
	configKeyInstanceID = "instance_id"
)

// Options configures a columnar adapter. Path names the catalog database;
// the vector store lives next to it. Path ":memory:" keeps both in memory.
type Options struct {
	Path      string
	VectorDim int
	ReadOnly  bool

	// VectorPath defaults to Path + ".vectors".
	VectorPath string
	// BackupPath defaults to Path + ".backup". The vector store backup
	// lives at VectorPath + ".backup".
	BackupPath string
	// BackupMaxBytes is the size ceiling above which backups are skipped.
	// Defaults to 1 GiB.
	BackupMaxBytes int64

	// HNSW tunes the vector store's graph index. Leaving Enabled false
	// selects a flat scan inside the vector store.
	HNSW   core.HNSWConfig
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.VectorPath == "" {
		if o.Path == ":memory:" {
			o.VectorPath = ":memory:"
		} else {
			o.VectorPath = o.Path + ".vectors"
		}
	}
	if o.BackupPath == "" && o.Path != ":memory:" {
		o.BackupPath = o.Path + ".backup"
	}
	if o.BackupMaxBytes <= 0 {
		o.BackupMaxBytes = 1 << 30
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Adapter implements store.Adapter on a catalog database plus a sqvect
// vector store.
type Adapter struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex // guards handle swaps and lifecycle transitions
	db        *sql.DB
	suspended bool

	initialized atomic.Bool
	dirty       atomic.Bool
	barrier     *store.ReadyBarrier
	backupGuard store.FlightGuard

	vecMu  sync.RWMutex
	vec    *core.SQLiteStore // nil when the vector store failed to open
	vecErr error
}

var _ store.Adapter = (*Adapter)(nil)

// New creates an adapter bound to the catalog at opts.Path. Initialize must
// be called before any data operation.
func New(opts Options) (*Adapter, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if opts.VectorDim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", opts.VectorDim)
	}
	opts = opts.withDefaults()
	return &Adapter{
		opts:    opts,
		log:     opts.Logger.With("backend", "columnar", "path", opts.Path),
		barrier: store.NewReadyBarrier(),
	}, nil
}

// Initialize opens the catalog and the vector store. A corrupted catalog
// triggers one restore-from-backup attempt before the error escalates to
// FatalCorruptionError. A vector store that will not open only disables the
// semantic path.
func (s *Adapter) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized.Load() {
		return nil
	}

	db, err := s.openCatalog(ctx)
	if err != nil {
		if s.opts.ReadOnly || s.opts.Path == ":memory:" || !store.IsCorruptionError(err, corruptionPatterns) {
			return err
		}
		s.log.Warn("catalog corrupted at startup, restoring from backup", "error", err)
		if rerr := s.restoreFromBackup(); rerr != nil {
			return &store.FatalCorruptionError{Path: s.opts.Path, Cause: err, Remediation: corruptionRemediation(rerr)}
		}
		db, err = s.openCatalog(ctx)
		if err != nil {
			return &store.FatalCorruptionError{Path: s.opts.Path, Cause: err, Remediation: corruptionRemediation(nil)}
		}
		s.log.Info("catalog restored from backup", "backup", s.opts.BackupPath)
	}

	if err := s.bootstrapConfig(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.openVectors(ctx)

	s.db = db
	s.suspended = false
	s.initialized.Store(true)
	s.log.Info("storage initialized",
		"dimension", s.opts.VectorDim,
		"hnsw", s.opts.HNSW.Enabled,
		"semantic", s.vecStore() != nil,
		"read_only", s.opts.ReadOnly)
	return nil
}

func (s *Adapter) openCatalog(ctx context.Context) (*sql.DB, error) {
	dsn := s.opts.Path
	if s.opts.ReadOnly && s.opts.Path != ":memory:" {
		dsn = "file:" + s.opts.Path + "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	if !s.opts.ReadOnly {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	var check string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&check); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("quick_check failed, database disk image is malformed: %w", err)
	}
	if check != "ok" {
		_ = db.Close()
		return nil, fmt.Errorf("quick_check failed, database disk image is malformed: %s", check)
	}

	if !s.opts.ReadOnly {
		if err := applyMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	return db, nil
}

// openVectors opens the sqvect store. Failure is recorded, not fatal.
func (s *Adapter) openVectors(ctx context.Context) {
	cfg := core.DefaultConfig()
	cfg.Path = s.opts.VectorPath
	cfg.VectorDim = s.opts.VectorDim
	cfg.AutoDimAdapt = core.StrictMode
	cfg.HNSW = s.opts.HNSW
	if s.opts.HNSW.Enabled {
		cfg.IndexType = core.IndexTypeHNSW
	} else {
		cfg.IndexType = core.IndexTypeFlat
	}

	vec, err := core.NewWithConfig(cfg)
	if err == nil {
		err = vec.Init(ctx)
	}
	if err != nil {
		s.setVec(nil, err)
		s.log.Warn("vector store unavailable, semantic search disabled", "error", err)
		return
	}
	s.setVec(vec, nil)
}

func (s *Adapter) setVec(vec *core.SQLiteStore, err error) {
	s.vecMu.Lock()
	s.vec = vec
	s.vecErr = err
	s.vecMu.Unlock()
}

func (s *Adapter) vecStore() *core.SQLiteStore {
	s.vecMu.RLock()
	defer s.vecMu.RUnlock()
	return s.vec
}

func (s *Adapter) closeVectors() {
	s.vecMu.Lock()
	if s.vec != nil {
		if err := s.vec.Close(); err != nil {
			s.log.Warn("error closing vector store", "error", err)
		}
		s.vec = nil
	}
	s.vecMu.Unlock()
}

func (s *Adapter) bootstrapConfig(ctx context.Context, db *sql.DB) error {
	var v string
	err := db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", configKeyDimension).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		if s.opts.ReadOnly {
			return nil
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)",
			configKeyDimension, strconv.Itoa(s.opts.VectorDim), time.Now().UTC()); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		dim, _ := strconv.Atoi(v)
		if dim != s.opts.VectorDim {
			return fmt.Errorf("database was created with vector dimension %s, adapter configured for %d", v, s.opts.VectorDim)
		}
	}

	if s.opts.ReadOnly {
		return nil
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING",
		configKeyInstanceID, uuid.NewString(), time.Now().UTC())
	return err
}

// Initialized reports whether the adapter is ready for data operations.
func (s *Adapter) Initialized() bool {
	return s.initialized.Load()
}

// Close tears down both handles. It is idempotent and never fails on
// teardown problems.
func (s *Adapter) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized.Load() {
		return nil
	}

	s.closeVectors()
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
			s.log.Warn("error closing catalog", "error", err)
		}
	case <-time.After(store.CloseTimeout):
		s.log.Warn("catalog close timed out, abandoning handle", "timeout", store.CloseTimeout)
	}
}

// Reconnect closes and reopens both handles to release native memory.
// Concurrent operations block on the ready barrier until the new handles are
// up.
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

	if !s.opts.ReadOnly {
		if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.log.Warn("wal checkpoint before reconnect failed", "error", err)
		}
	}
	s.closeVectors()
	s.closeWithTimeout(s.db)
	s.db = nil
	debug.FreeOSMemory()

	db, err := s.openCatalog(ctx)
	if err != nil {
		s.initialized.Store(false)
		return fmt.Errorf("failed to reopen catalog: %w", err)
	}
	s.openVectors(ctx)
	s.db = db
	s.log.Info("database handles reconnected")
	return nil
}

// Suspend checkpoints and closes both handles while keeping the adapter
// initialized. Data operations block on the ready barrier until Resume.
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
	s.closeVectors()
	if s.db != nil {
		if !s.opts.ReadOnly {
			if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.log.Warn("wal checkpoint before suspend failed", "error", err)
			}
		}
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

	db, err := s.openCatalog(ctx)
	if err != nil {
		return fmt.Errorf("failed to reopen catalog: %w", err)
	}
	s.openVectors(ctx)
	s.db = db
	s.suspended = false
	s.barrier.Release()
	s.log.Info("storage resumed")
	return nil
}

// conn returns the live catalog handle after passing the initialization
// check and the ready barrier.
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

// writeConn is conn plus the read-only guard.
func (s *Adapter) writeConn(ctx context.Context) (*sql.DB, error) {
	if s.opts.ReadOnly {
		return nil, store.ErrReadOnly
	}
	return s.conn(ctx)
}

// markDirty records that the database changed since the last backup.
func (s *Adapter) markDirty() {
	s.dirty.Store(true)
}

// vecID is the embedding ID used for a chunk in the vector store.
func vecID(chunkID int64) string {
	return strconv.FormatInt(chunkID, 10)
}

// vecDocID groups a document's embeddings in the vector store.
func vecDocID(documentID int64) string {
	return strconv.FormatInt(documentID, 10)
}

// GetConfigValue returns the stored value for key, or ErrNotFound.
func (s *Adapter) GetConfigValue(ctx context.Context, key string) (string, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return "", err
	}
	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
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
		"INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set config value: %w", err)
	}
	s.markDirty()
	return nil
}

// GetStats summarizes catalog contents plus the vector store footprint.
func (s *Adapter) GetStats(ctx context.Context) (*store.Stats, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	stats := &store.Stats{
		Backend:           "columnar",
		DocumentsByStatus: make(map[store.DocumentStatus]int),
	}

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&stats.Documents); err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM documents GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count documents by status: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.DocumentsByStatus[store.DocumentStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&stats.Chunks); err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE has_embedding = 1").Scan(&stats.ChunksWithEmbeddings); err != nil {
		return nil, fmt.Errorf("failed to count embedded chunks: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tags").Scan(&stats.Tags); err != nil {
		return nil, fmt.Errorf("failed to count tags: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM queue WHERE status IN ('pending', 'processing')").Scan(&stats.QueueDepth); err != nil {
		return nil, fmt.Errorf("failed to count queue depth: %w", err)
	}

	if s.opts.Path != ":memory:" {
		if info, err := os.Stat(s.opts.Path); err == nil {
			stats.DatabaseSizeBytes = info.Size()
		}
	}
	if vec := s.vecStore(); vec != nil {
		if vs, err := vec.Stats(ctx); err == nil {
			stats.DatabaseSizeBytes += vs.Size
		}
	}
	return stats, nil
}
