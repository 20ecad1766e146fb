//go:build !sqlite_vec
// +build !sqlite_vec

package sqlite

// Default build: pure Go SQLite via modernc.org/sqlite. No C compiler
// required and cross-compilation works everywhere; the vec_dot scalar
// function is registered through the driver's Go function API.
//
// Build with -tags sqlite_vec to switch to the cgo driver instead.

import (
	"database/sql/driver"
	"fmt"
	"sync"

	sqlite3 "modernc.org/sqlite"

	"github.com/quarryhq/quarry/internal/store"
)

const (
	// DriverName is the database/sql driver to open connections with.
	DriverName = "sqlite"

	// BuildMode describes the current build configuration.
	BuildMode = "purego"
)

var (
	registerOnce sync.Once
	registerErr  error
)

// registerDriver makes the vec_dot(blob, blob) function available to SQL.
// Both arguments are little-endian float32 blobs; the result is their inner
// product, which for pre-normalized embeddings equals cosine similarity.
func registerDriver() error {
	registerOnce.Do(func() {
		registerErr = sqlite3.RegisterDeterministicScalarFunction("vec_dot", 2,
			func(fctx *sqlite3.FunctionContext, args []driver.Value) (driver.Value, error) {
				a, ok := args[0].([]byte)
				if !ok {
					return nil, fmt.Errorf("vec_dot: first argument must be a blob")
				}
				b, ok := args[1].([]byte)
				if !ok {
					return nil, fmt.Errorf("vec_dot: second argument must be a blob")
				}
				return store.DotProduct(store.DecodeVector(a), store.DecodeVector(b)), nil
			})
	})
	return registerErr
}
