// Package config loads the quarry configuration from a TOML file plus the
// environment. The file selects the storage backend and its tuning; secrets
// like the postgres DSN come from the environment, with .env support for
// development.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Backend names accepted in the config file.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendColumnar = "columnar"
)

// EnvPostgresDSN overrides storage.postgres_dsn when set.
const EnvPostgresDSN = "QUARRY_POSTGRES_DSN"

// DefaultVectorDim matches the common embedding size of small local models.
const DefaultVectorDim = 768

// Storage selects and tunes the backing database.
type Storage struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`         // sqlite and columnar
	PostgresDSN string `toml:"postgres_dsn"` // postgres, env wins
	VectorDim   int    `toml:"vector_dim"`
	VectorMode  string `toml:"vector_mode"` // sqlite: bruteforce or hnsw
	ReadOnly    bool   `toml:"read_only"`

	BackupPath     string `toml:"backup_path"`
	BackupMaxBytes int64  `toml:"backup_max_bytes"`

	// TextSearchConfig is the postgres regconfig for full-text search.
	TextSearchConfig string `toml:"text_search_config"`
}

// HNSW tunes the approximate-nearest-neighbor graph where the backend
// supports one.
type HNSW struct {
	Enabled        bool `toml:"enabled"`
	M              int  `toml:"m"`
	EfConstruction int  `toml:"ef_construction"`
	EfSearch       int  `toml:"ef_search"`
}

// Search carries the hybrid-ranking defaults applied when a request leaves
// them unset.
type Search struct {
	RRFK           float64 `toml:"rrf_k"`
	SemanticWeight float64 `toml:"semantic_weight"`
	KeywordWeight  float64 `toml:"keyword_weight"`
	UseCache       bool    `toml:"use_cache"`
}

// Config is the full configuration file.
type Config struct {
	Storage Storage `toml:"storage"`
	HNSW    HNSW    `toml:"hnsw"`
	Search  Search  `toml:"search"`
}

// Default returns the configuration used when no file exists: an embedded
// sqlite database under dataDir.
func Default(dataDir string) *Config {
	return &Config{
		Storage: Storage{
			Backend:   BackendSQLite,
			Path:      filepath.Join(dataDir, "quarry.db"),
			VectorDim: DefaultVectorDim,
		},
		Search: Search{UseCache: true},
	}
}

// Load reads the TOML file at path, folds in the environment, and validates
// the result. A missing file yields the defaults. A .env file next to the
// working directory is loaded first so development DSNs do not need to be
// exported.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if dsn := os.Getenv(EnvPostgresDSN); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if cfg.Storage.VectorDim <= 0 {
		cfg.Storage.VectorDim = DefaultVectorDim
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration back to path, creating the directory if
// needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations no backend could serve.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendColumnar:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn or %s is required for the postgres backend", EnvPostgresDSN)
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want sqlite, postgres, or columnar)", c.Storage.Backend)
	}

	switch c.Storage.VectorMode {
	case "", "bruteforce", "hnsw":
	default:
		return fmt.Errorf("unknown vector_mode %q (want bruteforce or hnsw)", c.Storage.VectorMode)
	}

	if c.Search.SemanticWeight < 0 || c.Search.KeywordWeight < 0 {
		return fmt.Errorf("search weights must not be negative")
	}
	return nil
}
