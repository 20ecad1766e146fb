//go:build sqlite_vec
// +build sqlite_vec

package sqlite

// Cgo build: github.com/mattn/go-sqlite3 with the vec_dot function attached
// through a connect hook. This driver can additionally load native SQLite
// extensions at runtime where a deployment ships them.
//
// Build command:
//
//	CGO_ENABLED=1 go build -tags sqlite_vec ./...

import (
	"database/sql"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/quarryhq/quarry/internal/store"
)

const (
	// DriverName is the database/sql driver to open connections with.
	DriverName = "sqlite3_vec_dot"

	// BuildMode describes the current build configuration.
	BuildMode = "cgo"
)

var registerOnce sync.Once

// registerDriver registers a go-sqlite3 variant whose connections carry the
// vec_dot(blob, blob) inner-product function.
func registerDriver() error {
	registerOnce.Do(func() {
		sql.Register(DriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("vec_dot", func(a, b []byte) float64 {
					return store.DotProduct(store.DecodeVector(a), store.DecodeVector(b))
				}, true)
			},
		})
	})
	return nil
}
