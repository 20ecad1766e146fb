package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, DefaultVectorDim, cfg.Storage.VectorDim)
	assert.True(t, cfg.Search.UseCache)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "quarry.db"), cfg.Storage.Path)
}

func TestLoad_ParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
backend = "columnar"
path = "/data/index.db"
vector_dim = 384

[hnsw]
enabled = true
m = 32

[search]
rrf_k = 30.0
semantic_weight = 0.7
keyword_weight = 0.3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendColumnar, cfg.Storage.Backend)
	assert.Equal(t, "/data/index.db", cfg.Storage.Path)
	assert.Equal(t, 384, cfg.Storage.VectorDim)
	assert.True(t, cfg.HNSW.Enabled)
	assert.Equal(t, 32, cfg.HNSW.M)
	assert.Equal(t, 30.0, cfg.Search.RRFK)
	assert.Equal(t, 0.7, cfg.Search.SemanticWeight)
}

func TestLoad_EnvOverridesDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
backend = "postgres"
postgres_dsn = "postgres://file@localhost/db"
`), 0o600))

	t.Setenv(EnvPostgresDSN, "postgres://env@localhost/db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@localhost/db", cfg.Storage.PostgresDSN)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.toml")
	require.NoError(t, os.WriteFile(path, []byte("not [valid toml"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default(t.TempDir())
	assert.NoError(t, cfg.Validate())

	cfg.Storage.Backend = "mongodb"
	assert.Error(t, cfg.Validate())

	cfg.Storage.Backend = BackendSQLite
	cfg.Storage.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = Default(t.TempDir())
	cfg.Storage.Backend = BackendPostgres
	cfg.Storage.PostgresDSN = ""
	assert.Error(t, cfg.Validate())

	cfg = Default(t.TempDir())
	cfg.Storage.VectorMode = "flat"
	assert.Error(t, cfg.Validate())

	cfg = Default(t.TempDir())
	cfg.Search.SemanticWeight = -1
	assert.Error(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "quarry.toml")

	cfg := Default(dir)
	cfg.Storage.VectorDim = 512
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 512, loaded.Storage.VectorDim)
	assert.Equal(t, cfg.Storage.Path, loaded.Storage.Path)
}
