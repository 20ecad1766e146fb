// Package sqlite implements the storage adapter on an embedded single-file
// SQLite database. Keyword search runs on FTS5 with external-content sync
// triggers; semantic search runs either on an in-memory HNSW graph persisted
// to a sidecar file or on a brute-force scan through a registered vec_dot SQL
// function. The driver is selected at build time (modernc by default, mattn
// under the sqlite_vec tag).
package sqlite

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

	"github.com/quarryhq/quarry/internal/store"
)

// VectorMode selects the semantic search strategy. The mode is fixed when the
// database is created and stored in the config table; reopening with a
// different mode keeps the stored one.
type VectorMode string

const (
	ModeBruteForce VectorMode = "bruteforce"
	ModeHNSW       VectorMode = "hnsw"
)

// Config keys written by the adapter itself.
const (
	configKeyDimension  = "vector_dimension"
	configKeyVectorMode = "vector_mode"
	configKeyInstanceID = "instance_id"
)

// Options configures a SQLite adapter. Path ":memory:" opens an in-memory
// database, useful for tests; in-memory databases are never backed up.
type Options struct {
	Path      string
	VectorDim int
	Mode      VectorMode
	ReadOnly  bool

	// BackupPath defaults to Path + ".backup".
	BackupPath string
	// BackupMaxBytes is the size ceiling above which backups are skipped.
	// Defaults to 1 GiB.
	BackupMaxBytes int64

	HNSW   HNSWParams
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeBruteForce
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

// Adapter implements store.Adapter on a single SQLite database file.
type Adapter struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex // guards db handle swap and lifecycle transitions
	db        *sql.DB
	suspended bool

	initialized atomic.Bool
	dirty       atomic.Bool
	barrier     *store.ReadyBarrier
	backupGuard store.FlightGuard

	mode VectorMode

	annMu  sync.RWMutex
	ann    *annIndex // non-nil only in HNSW mode with a healthy index
	annErr error
}

var _ store.Adapter = (*Adapter)(nil)

// New creates an adapter bound to the database at opts.Path. Initialize must
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
		log:     opts.Logger.With("backend", "sqlite", "path", opts.Path),
		barrier: store.NewReadyBarrier(),
		mode:    opts.Mode,
	}, nil
}

// Initialize opens the database, applies migrations, and builds the vector
// index. A corrupted database file triggers one restore-from-backup attempt
// before the error is escalated to FatalCorruptionError.
func (s *Adapter) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized.Load() {
		return nil
	}

	if err := registerDriver(); err != nil {
		return fmt.Errorf("failed to register sqlite driver: %w", err)
	}

	db, err := s.open(ctx)
	if err != nil {
		if s.opts.ReadOnly || s.opts.Path == ":memory:" || !store.IsCorruptionError(err, corruptionPatterns) {
			return err
		}
		s.log.Warn("database corrupted at startup, restoring from backup", "error", err)
		if rerr := s.restoreFromBackup(); rerr != nil {
			return &store.FatalCorruptionError{Path: s.opts.Path, Cause: err, Remediation: corruptionRemediation(rerr)}
		}
		db, err = s.open(ctx)
		if err != nil {
			return &store.FatalCorruptionError{Path: s.opts.Path, Cause: err, Remediation: corruptionRemediation(nil)}
		}
		s.log.Info("database restored from backup", "backup", s.opts.BackupPath)
	}

	if err := s.bootstrapConfig(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.suspended = false
	s.initialized.Store(true)

	if s.mode == ModeHNSW {
		s.buildANN(ctx, db)
	}

	s.log.Info("storage initialized",
		"driver", DriverName, "build", BuildMode,
		"mode", string(s.mode), "dimension", s.opts.VectorDim,
		"read_only", s.opts.ReadOnly)
	return nil
}

// open opens and verifies a database handle. A failed quick_check surfaces as
// an error so Initialize can route it through corruption handling.
func (s *Adapter) open(ctx context.Context) (*sql.DB, error) {
	dsn := s.opts.Path
	if s.opts.ReadOnly && s.opts.Path != ":memory:" {
		dsn = "file:" + s.opts.Path + "?mode=ro"
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite benefits from a single writer.
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

// bootstrapConfig pins the vector dimension and mode on first open and
// verifies them on every later open. The stored mode wins over the option so
// a database keeps its index strategy for life.
func (s *Adapter) bootstrapConfig(ctx context.Context, db *sql.DB) error {
	get := func(key string) (string, bool, error) {
		var v string
		err := db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&v)
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return v, err == nil, err
	}
	set := func(key, value string) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
			key, value, time.Now().UTC())
		return err
	}

	if s.opts.ReadOnly {
		if v, ok, err := get(configKeyDimension); err != nil {
			return err
		} else if ok {
			dim, _ := strconv.Atoi(v)
			if dim != s.opts.VectorDim {
				return fmt.Errorf("database was created with vector dimension %s, adapter configured for %d", v, s.opts.VectorDim)
			}
		}
		if v, ok, err := get(configKeyVectorMode); err != nil {
			return err
		} else if ok {
			s.mode = VectorMode(v)
		}
		return nil
	}

	if v, ok, err := get(configKeyDimension); err != nil {
		return err
	} else if !ok {
		if err := set(configKeyDimension, strconv.Itoa(s.opts.VectorDim)); err != nil {
			return err
		}
	} else {
		dim, _ := strconv.Atoi(v)
		if dim != s.opts.VectorDim {
			return fmt.Errorf("database was created with vector dimension %s, adapter configured for %d", v, s.opts.VectorDim)
		}
	}

	if v, ok, err := get(configKeyVectorMode); err != nil {
		return err
	} else if !ok {
		if err := set(configKeyVectorMode, string(s.opts.Mode)); err != nil {
			return err
		}
		s.mode = s.opts.Mode
	} else {
		if VectorMode(v) != s.opts.Mode {
			s.log.Warn("vector mode is fixed at database creation, keeping stored mode",
				"stored", v, "requested", string(s.opts.Mode))
		}
		s.mode = VectorMode(v)
	}

	if _, ok, err := get(configKeyInstanceID); err != nil {
		return err
	} else if !ok {
		if err := set(configKeyInstanceID, uuid.NewString()); err != nil {
			return err
		}
	}
	return nil
}

// buildANN constructs the HNSW graph, preferring the sidecar snapshot over a
// full table rebuild. Failure leaves semantic search on the brute-force path
// rather than disabling it.
func (s *Adapter) buildANN(ctx context.Context, db *sql.DB) {
	ann := newANNIndex(s.opts.VectorDim, s.opts.HNSW)

	if s.opts.Path != ":memory:" {
		if n, err := ann.loadSidecar(s.sidecarPath()); err == nil {
			s.setANN(ann, nil)
			s.log.Info("vector index loaded from sidecar", "vectors", n)
			return
		} else if !os.IsNotExist(err) {
			s.log.Warn("failed to load vector index sidecar, rebuilding", "error", err)
			ann = newANNIndex(s.opts.VectorDim, s.opts.HNSW)
		}
	}

	n, err := ann.rebuildFromDB(ctx, db)
	if err != nil {
		s.setANN(nil, err)
		s.log.Warn("vector index rebuild failed, semantic search falls back to brute force", "error", err)
		return
	}
	s.setANN(ann, nil)
	s.log.Info("vector index rebuilt from database", "vectors", n)
}

func (s *Adapter) setANN(ann *annIndex, err error) {
	s.annMu.Lock()
	s.ann = ann
	s.annErr = err
	s.annMu.Unlock()
}

func (s *Adapter) getANN() *annIndex {
	s.annMu.RLock()
	defer s.annMu.RUnlock()
	return s.ann
}

func (s *Adapter) sidecarPath() string {
	return s.opts.Path + ".hnsw"
}

// Initialized reports whether the adapter is ready for data operations.
func (s *Adapter) Initialized() bool {
	return s.initialized.Load()
}

// Close tears down the database handle. It is idempotent and never fails on
// teardown problems; a handle that will not close within CloseTimeout is
// abandoned and logged.
func (s *Adapter) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized.Load() {
		return nil
	}

	if s.db != nil {
		s.saveANNSidecar(ctx, s.db)
		s.closeWithTimeout(s.db)
		s.db = nil
	}
	s.initialized.Store(false)
	s.suspended = false
	// Wake anyone parked on the barrier so they observe the closed state.
	s.barrier.Release()
	s.log.Info("storage closed")
	return nil
}

func (s *Adapter) saveANNSidecar(ctx context.Context, db *sql.DB) {
	if s.mode != ModeHNSW || s.opts.Path == ":memory:" || s.opts.ReadOnly {
		return
	}
	if s.getANN() == nil {
		return
	}
	if err := saveSidecar(ctx, db, s.sidecarPath(), s.opts.VectorDim); err != nil {
		s.log.Warn("failed to save vector index sidecar", "error", err)
	}
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
		s.log.Warn("database close timed out, abandoning handle", "timeout", store.CloseTimeout)
	}
}

// Reconnect closes and reopens the engine handle to release native memory
// accumulated by the connection. Concurrent operations block on the ready
// barrier until the new handle is up.
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
	s.closeWithTimeout(s.db)
	s.db = nil
	debug.FreeOSMemory()

	db, err := s.open(ctx)
	if err != nil {
		s.initialized.Store(false)
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	s.db = db
	s.log.Info("database handle reconnected")
	return nil
}

// Suspend checkpoints and closes the handle while keeping the adapter
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
	if s.db != nil {
		if !s.opts.ReadOnly {
			if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.log.Warn("wal checkpoint before suspend failed", "error", err)
			}
		}
		s.saveANNSidecar(ctx, s.db)
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

// conn returns the live handle after passing the initialization check and the
// ready barrier.
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

// VectorStatus describes the active semantic search strategy.
type VectorStatus struct {
	Mode            string
	SemanticEnabled bool
	Detail          string
}

// GetVectorStatus reports which semantic path queries take right now.
func (s *Adapter) GetVectorStatus() VectorStatus {
	s.annMu.RLock()
	defer s.annMu.RUnlock()
	status := VectorStatus{Mode: string(s.mode), SemanticEnabled: true}
	if s.mode == ModeHNSW && s.ann == nil {
		status.Detail = "index unavailable, using brute-force scan"
		if s.annErr != nil {
			status.Detail = fmt.Sprintf("index unavailable (%v), using brute-force scan", s.annErr)
		}
	}
	return status
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

// GetStats summarizes database contents and on-disk size.
func (s *Adapter) GetStats(ctx context.Context) (*store.Stats, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	stats := &store.Stats{
		Backend:           "sqlite",
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
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL").Scan(&stats.ChunksWithEmbeddings); err != nil {
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
	return stats, nil
}
